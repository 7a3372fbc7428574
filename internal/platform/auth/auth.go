package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fastflow-labs/fastflow/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeJWT      Mode = "jwt"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

var modes = map[string]Mode{
	string(ModeOIDC):     ModeOIDC,
	string(ModeJWT):      ModeJWT,
	string(ModeDev):      ModeDev,
	string(ModeDisabled): ModeDisabled,
}

// ConfigFromEnv reads AUTH_MODE and the settings of the selected mode. The
// default is dev mode, which trusts every caller as DEV_AUTH_SUBJECT.
func ConfigFromEnv() (Config, error) {
	raw := strings.ToLower(env.String("AUTH_MODE", string(ModeDev)))
	mode, ok := modes[raw]
	if !ok {
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: oidc, jwt, dev, disabled (got %q)", raw)
	}
	leeway, err := env.Duration("AUTH_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("OIDC_CLIENT_ID", ""),
		JWTSecret:     env.String("AUTH_JWT_SECRET", ""),
		JWTIssuer:     env.String("AUTH_JWT_ISSUER", ""),
		JWTAudience:   env.String("AUTH_JWT_AUDIENCE", ""),
		JWTLeeway:     leeway,
		DevSubject:    env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("DEV_AUTH_EMAIL", "dev-user@fastflow.local"),
		DevRoles:      parseCSV(env.String("DEV_AUTH_ROLES", RoleAdmin)),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Mode == ModeDisabled {
		return nil
	}
	if strings.TrimSpace(c.RolesClaim) == "" || strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM and AUTH_EMAIL_CLAIM are required")
	}
	switch c.Mode {
	case ModeOIDC:
		if c.OIDCIssuerURL == "" || c.OIDCClientID == "" {
			return errors.New("OIDC_ISSUER_URL and OIDC_CLIENT_ID are required when AUTH_MODE=oidc")
		}
	case ModeJWT:
		if len(c.JWTSecret) < 32 {
			return errors.New("AUTH_JWT_SECRET must be at least 32 bytes when AUTH_MODE=jwt")
		}
		if c.JWTLeeway < 0 {
			return errors.New("AUTH_JWT_LEEWAY must be non-negative")
		}
	case ModeDev:
		if c.DevSubject == "" || len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_SUBJECT and DEV_AUTH_ROLES are required when AUTH_MODE=dev")
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Mode)
	}
	return nil
}

// parseCSV lower-cases, trims and de-duplicates comma separated roles.
func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
