package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror copies published avatars into an S3-compatible bucket (R2) so they
// can be served from a CDN instead of raw.githubusercontent.com. It is a
// best-effort side channel: the GitHub repo stays the source of truth and a
// failed mirror never fails a publish.
type Mirror struct {
	logger    *slog.Logger
	client    *s3.Client
	bucket    string
	publicURL string
}

type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	PublicURL string
}

func NewMirror(logger *slog.Logger, cfg MirrorConfig) (*Mirror, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Mirror{
		logger:    logger,
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// UploadAvatar pushes the normalized PNG for username and returns its public
// URL.
func (m *Mirror) UploadAvatar(ctx context.Context, username string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNoImage
	}

	sum := sha256.Sum256(data)
	key := fmt.Sprintf("u/%s/pfp.png", username)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
		Metadata: map[string]string{
			"username":   username,
			"image_hash": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return "", fmt.Errorf("mirror upload: %w", err)
	}

	url := fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.bucket, key)
	if m.publicURL != "" {
		url = m.publicURL + "/" + key
	}

	m.logger.Info("avatar_mirrored", "username", username, "url", url)
	return url, nil
}
