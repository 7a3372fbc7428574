package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier accepts ID tokens from the configured issuer as bearer
// credentials. Discovery happens once at construction.
type OIDCVerifier struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, cfg Config) (*OIDCVerifier, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", cfg.OIDCIssuerURL, err)
	}
	return &OIDCVerifier{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (v *OIDCVerifier) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id token: %w", err)
	}
	claims := map[string]any{}
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode id token claims: %w", err)
	}
	identity := identityFromClaims(claims, v.cfg)
	if identity.Subject == "" {
		return Identity{}, errors.New("id token has no subject")
	}
	return identity, nil
}

// identityFromClaims reads the subject plus the configured email and roles
// claims. Roles may be a list or a comma separated string.
func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	return Identity{Subject: subject, Email: email, Roles: rolesClaim(claims[cfg.RolesClaim])}
}

func rolesClaim(v any) []string {
	switch typed := v.(type) {
	case string:
		return parseCSV(typed)
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return parseCSV(strings.Join(parts, ","))
	default:
		return nil
	}
}
