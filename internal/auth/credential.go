// Package auth supplies the bearer credential the sync core presents to the backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
)

const defaultExpiryLeeway = 30 * time.Second

var (
	ErrMissingCredential = errors.New("credential: token or token file required")
	ErrExpiredCredential = errors.New("credential: token expired")
)

// CredentialConfig describes where the bearer token comes from.
type CredentialConfig struct {
	// Token is used as-is when set.
	Token string
	// TokenFile is re-read on every request so an external login flow can rotate it.
	TokenFile  string
	Filesystem afero.Fs
	Clock      func() time.Time
	Leeway     time.Duration
}

// Claims is the subset of a JWT credential the client inspects. Signatures are the backend's concern.
type Claims struct {
	UserID    string    `json:"user_id,omitempty"`
	Subject   string    `json:"sub,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Credential implements transport.CredentialSource. Opaque tokens pass through untouched; tokens that
// parse as JWTs are refused locally once expired so the core stops before a round trip.
type Credential struct {
	token     string
	tokenFile string
	fs        afero.Fs
	clock     func() time.Time
	leeway    time.Duration
}

// NewCredential validates the configuration and constructs a Credential.
func NewCredential(cfg CredentialConfig) (*Credential, error) {
	token := strings.TrimSpace(cfg.Token)
	tokenFile := strings.TrimSpace(cfg.TokenFile)
	if token == "" && tokenFile == "" {
		return nil, ErrMissingCredential
	}
	fs := cfg.Filesystem
	if fs == nil {
		fs = afero.NewOsFs()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultExpiryLeeway
	}
	return &Credential{token: token, tokenFile: tokenFile, fs: fs, clock: clock, leeway: leeway}, nil
}

// Token returns the current bearer token.
func (c *Credential) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", library.ErrConnectivity, err)
	}
	token, err := c.load()
	if err != nil {
		return "", err
	}
	claims, ok := inspect(token)
	if ok && !claims.ExpiresAt.IsZero() && !c.clock().Before(claims.ExpiresAt.Add(c.leeway)) {
		return "", fmt.Errorf("%w: %w", library.ErrUnauthorized, ErrExpiredCredential)
	}
	return token, nil
}

// Claims reports what the credential says about its holder. Opaque tokens yield empty claims.
func (c *Credential) Claims() (Claims, error) {
	token, err := c.load()
	if err != nil {
		return Claims{}, err
	}
	claims, _ := inspect(token)
	return claims, nil
}

func (c *Credential) load() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	raw, err := afero.ReadFile(c.fs, c.tokenFile)
	if err != nil {
		return "", fmt.Errorf("%w: read token file: %v", library.ErrUnauthorized, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w: %w", library.ErrUnauthorized, ErrMissingCredential)
	}
	return token, nil
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func inspect(token string) (Claims, bool) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, false
	}
	parsed := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, parsed); err != nil {
		return Claims{}, false
	}
	claims := Claims{UserID: parsed.UserID, Subject: parsed.Subject}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	return claims, true
}
