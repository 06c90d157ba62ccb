package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
)

// MaxAvatarBytes caps the uploaded image payload.
const MaxAvatarBytes = 5 * 1024 * 1024

var (
	ErrNoImage      = errors.New("storage: empty image data")
	ErrImageTooBig  = errors.New("storage: image too large")
	ErrInvalidImage = errors.New("storage: not a decodable image")
)

// NormalizeAvatar validates an uploaded avatar and converts it to the stored
// form: decoded, fitted into 512x512, re-encoded as PNG. Re-encoding also
// strips anything that merely pretends to be an image.
func NormalizeAvatar(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	if len(data) > MaxAvatarBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooBig, len(data))
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	img = imaging.Fit(img, 512, 512, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}

	return buf.Bytes(), nil
}
