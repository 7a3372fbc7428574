package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDev(t *testing.T) {
	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("DEV_AUTH_SUBJECT", "dev")
	t.Setenv("DEV_AUTH_EMAIL", "dev@example.local")
	t.Setenv("DEV_AUTH_ROLES", "admin,viewer,admin")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, "dev", cfg.DevSubject)
	assert.Equal(t, []string{"admin", "viewer"}, cfg.DevRoles)
}

func TestConfigFromEnvOIDCRequiresIssuerAndClientID(t *testing.T) {
	t.Setenv("AUTH_MODE", "oidc")
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("OIDC_CLIENT_ID", "")

	_, err := ConfigFromEnv()
	require.ErrorContains(t, err, "OIDC_ISSUER_URL")
}

func TestConfigFromEnvJWTSecretLength(t *testing.T) {
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("AUTH_JWT_SECRET", "short")
	_, err := ConfigFromEnv()
	require.ErrorContains(t, err, "AUTH_JWT_SECRET")

	t.Setenv("AUTH_JWT_SECRET", strings.Repeat("k", 32))
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeJWT, cfg.Mode)
}

func TestConfigFromEnvRejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "basic")
	_, err := ConfigFromEnv()
	require.Error(t, err)
}
