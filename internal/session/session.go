package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TTL is the fixed session validity window.
const TTL = 365 * 24 * time.Hour

const denylistPrefix = "session_revoked:"

var (
	ErrInvalid = errors.New("session: invalid token")
	ErrExpired = errors.New("session: token expired")
	ErrRevoked = errors.New("session: token revoked")
)

// Denylist is the revocation store (redis in production). Get must return
// an error for missing keys; Set must honor the expiration.
type Denylist interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Manager issues and validates the signed, client-held session tokens that
// bind a browser to exactly one username. Tokens are self-contained HS256
// JWTs; no session table exists. Revocation (logout) goes through the
// denylist, keyed by the token's jti with a TTL equal to its remaining
// validity.
type Manager struct {
	logger   *slog.Logger
	key      []byte
	ttl      time.Duration
	denylist Denylist // nil disables revocation checks
}

type claims struct {
	jwt.RegisteredClaims
}

func NewManager(logger *slog.Logger, key []byte, denylist Denylist) *Manager {
	return &Manager{
		logger:   logger,
		key:      key,
		ttl:      TTL,
		denylist: denylist,
	}
}

// Issue mints a token scoped to exactly this username.
func (m *Manager) Issue(username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("%w: empty username", ErrInvalid)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})

	signed, err := tok.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate returns the username a token is bound to. Expiry is enforced by
// the JWT library; revocation is enforced against the denylist when one is
// configured. A denylist outage fails open so logins keep working without
// redis.
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	c, err := m.parse(token)
	if err != nil {
		return "", err
	}

	if m.denylist != nil && c.ID != "" {
		if _, derr := m.denylist.Get(ctx, denylistPrefix+c.ID); derr == nil {
			return "", ErrRevoked
		}
	}

	return c.Subject, nil
}

// Revoke invalidates a token before its natural expiry.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	c, err := m.parse(token)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil // nothing left to revoke
		}
		return err
	}

	if m.denylist == nil {
		return errors.New("session: no revocation store configured")
	}

	ttl := time.Until(c.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := m.denylist.Set(ctx, denylistPrefix+c.ID, "1", ttl); err != nil {
		return fmt.Errorf("denylist token: %w", err)
	}

	m.logger.Info("session_revoked", "username", c.Subject)
	return nil
}

func (m *Manager) parse(token string) (*claims, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || c.Subject == "" || c.ExpiresAt == nil {
		return nil, ErrInvalid
	}
	return c, nil
}
