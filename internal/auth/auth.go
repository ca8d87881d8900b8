// Package auth resolves client credentials to player identities. The
// identity service that issues credentials lives elsewhere; providers here
// only validate what a client presents.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

var (
	ErrProviderMisconfigured = errors.New("authentication provider misconfigured")
	ErrUnknownProvider       = errors.New("unknown authentication provider")
)

// Provider turns an opaque credential into a player identity. ok is false
// when the credential is rejected; err is reserved for provider failures.
// Implementations must be safe for concurrent use.
type Provider interface {
	Authenticate(ctx context.Context, credential []byte) (id types.PlayerID, ok bool, err error)
}

// Config selects and configures a Provider.
type Config struct {
	Provider  string
	JWTSecret string
	Issuer    string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "dummy":
		return DummyProvider{}, nil
	case "jwt":
		return NewJWTProvider(cfg.JWTSecret, cfg.Issuer)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}

// DummyProvider accepts any non-empty credential as the player id itself.
// Intended for local development and tests.
type DummyProvider struct{}

func (DummyProvider) Authenticate(_ context.Context, credential []byte) (types.PlayerID, bool, error) {
	id := strings.TrimSpace(string(credential))
	if id == "" {
		return "", false, nil
	}
	return types.PlayerID(id), true, nil
}

// Claims carried by session tokens from the identity service.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 bearer tokens; the subject is the player id.
type JWTProvider struct {
	secret []byte
	issuer string
}

func NewJWTProvider(secret, issuer string) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: jwt secret is empty", ErrProviderMisconfigured)
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer}, nil
}

func (p *JWTProvider) Authenticate(ctx context.Context, credential []byte) (types.PlayerID, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	raw := strings.TrimSpace(strings.TrimPrefix(string(credential), "Bearer "))
	if raw == "" {
		return "", false, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", false, nil
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", false, nil
	}
	return types.PlayerID(claims.Subject), true, nil
}

// IssueToken signs a session token for id. The real tokens come from the
// identity service; this exists for tooling and tests.
func (p *JWTProvider) IssueToken(id types.PlayerID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   string(id),
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
