// Package auth maps a socket credential to an identity: the token is a JWT
// signed with a shared secret or by a JWKS-published key, and its user id is
// looked up in the user directory.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/flemzord/pulse/internal/metrics"
	"github.com/flemzord/pulse/pkg/identity"
)

// ErrNoKey is returned when neither a secret nor a JWKS URL is configured.
var ErrNoKey = errors.New("auth: one of secret or jwks url is required")

// UserDirectory loads users by id.
type UserDirectory interface {
	UserByID(ctx context.Context, id string) (identity.Identity, bool, error)
}

// Claims are the token claims read by the server. The user id is carried in
// "id"; tokens that only set "sub" are accepted too.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id,omitempty"`
}

// User returns the user id the token names.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Config selects how tokens are verified.
type Config struct {
	Secret  string
	JWKSURL string
	Issuer  string
	Logger  *slog.Logger
}

// Authenticator verifies credentials.
type Authenticator struct {
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	opts    []jwt.ParserOption
	users   UserDirectory
	logger  *slog.Logger
}

// New returns an Authenticator. With a JWKS URL the key set is fetched once
// here and refreshed in the background until Close.
func New(ctx context.Context, cfg Config, users UserDirectory) (*Authenticator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{users: users, logger: logger}

	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { logger.Error("auth: jwks refresh failed", "error", err) },
		})
		if err != nil {
			return nil, fmt.Errorf("auth: fetch jwks: %w", err)
		}
		a.jwks = jwks
		a.keyfunc = jwks.Keyfunc
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		a.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		a.opts = append(a.opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	default:
		return nil, ErrNoKey
	}

	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	return a, nil
}

// Close stops the JWKS refresh goroutine.
func (a *Authenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Verify checks the token and returns the user id it names.
func (a *Authenticator) Verify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyfunc, a.opts...)
	if err != nil || !parsed.Valid || claims.User() == "" {
		metrics.AuthFailures.Inc()
		a.logger.Debug("auth: rejected token", "error", err)
		return "", false
	}
	return claims.User(), true
}

// Authenticate resolves token to an identity. An invalid token or an unknown
// user yields ok=false with a nil error; err is set only when the directory
// itself fails.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (identity.Identity, bool, error) {
	id, ok := a.Verify(token)
	if !ok {
		return identity.Identity{}, false, nil
	}
	user, ok, err := a.users.UserByID(ctx, id)
	if err != nil {
		return identity.Identity{}, false, fmt.Errorf("auth: load user %s: %w", id, err)
	}
	if !ok {
		metrics.AuthFailures.Inc()
		return identity.Identity{}, false, nil
	}
	return user, true, nil
}

// Sign issues an HS256 token for userID. A zero ttl issues a token without
// expiry.
func Sign(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
		UserID:           userID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
