// Package auth protects the status API with HS256 bearer tokens. Tokens are minted by
// "bootvisor token" from the shared secret in [daemon.auth].
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the iss claim of tokens minted by bootvisor.
const DefaultIssuer = "bootvisor"

// DefaultTTL is the lifetime of a minted token when none is given.
const DefaultTTL = 24 * time.Hour

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config is the [daemon.auth] section. Auth is enabled when a secret is configured.
type Config struct {
	Secret     string  `mapstructure:"secret"`
	SecretFile string  `mapstructure:"secret_file"` // read once at startup, trimmed
	Issuer     string  `mapstructure:"issuer"`
	ClockSkew  float64 `mapstructure:"clock_skew_seconds"`
}

// Enabled reports whether a secret is configured.
func (c Config) Enabled() bool { return c.Secret != "" || c.SecretFile != "" }

// Validate checks the section without reading SecretFile.
func (c Config) Validate() error {
	if c.Secret != "" && c.SecretFile != "" {
		return errors.New("daemon.auth.secret and daemon.auth.secret_file are mutually exclusive")
	}
	if c.Secret != "" && len(c.Secret) < 16 {
		return errors.New("daemon.auth.secret must be at least 16 bytes")
	}
	if c.ClockSkew < 0 {
		return errors.New("daemon.auth.clock_skew_seconds must be >= 0")
	}
	return nil
}

// Claims are the token claims. Subject names the caller, e.g. "ops" or "monitoring".
type Claims struct {
	jwt.RegisteredClaims
}

// Signer mints and verifies tokens with one secret.
type Signer struct {
	secret []byte
	issuer string
	skew   time.Duration
}

// NewSigner resolves the secret of cfg. It returns nil, nil when auth is disabled.
func NewSigner(cfg Config) (*Signer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := cfg.Secret
	if cfg.SecretFile != "" {
		b, err := os.ReadFile(filepath.Clean(cfg.SecretFile))
		if err != nil {
			return nil, fmt.Errorf("read auth secret: %w", err)
		}
		secret = strings.TrimSpace(string(b))
		if len(secret) < 16 {
			return nil, fmt.Errorf("auth secret in %s must be at least 16 bytes", cfg.SecretFile)
		}
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		skew:   time.Duration(cfg.ClockSkew * float64(time.Second)),
	}, nil
}

// Issue mints a token for subject valid for ttl (DefaultTTL when <= 0).
func (s *Signer) Issue(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses tokenString and checks signature, issuer and time claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.skew),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
