package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator verifies HS256 bearer tokens signed with a shared secret.
type JWTAuthenticator struct {
	cfg    Config
	secret []byte
	opts   []jwt.ParserOption
}

func NewJWTAuthenticator(cfg Config) (*JWTAuthenticator, error) {
	if cfg.Mode != ModeJWT {
		return nil, fmt.Errorf("auth mode must be jwt (got %q)", cfg.Mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.JWTLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	return &JWTAuthenticator{cfg: cfg, secret: []byte(cfg.JWTSecret), opts: opts}, nil
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}

	identity := identityFromClaims(claims, a.cfg)
	if identity.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return identity, nil
}
