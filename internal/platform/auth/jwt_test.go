package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwtConfig() Config {
	return Config{
		Mode:        ModeJWT,
		RolesClaim:  "roles",
		EmailClaim:  "email",
		JWTSecret:   strings.Repeat("s", 32),
		JWTAudience: "fastflow",
		JWTLeeway:   time.Second,
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestJWTAuthenticatorValidToken(t *testing.T) {
	cfg := jwtConfig()
	authn, err := NewJWTAuthenticator(cfg)
	require.NoError(t, err)

	token := signHS256(t, cfg.JWTSecret, jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.test",
		"roles": []string{"Editor"},
		"aud":   "fastflow",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	identity, err := authn.Authenticate(t.Context(), bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, "user@example.test", identity.Email)
	assert.Equal(t, []string{"editor"}, identity.Roles)
}

func TestJWTAuthenticatorRejects(t *testing.T) {
	cfg := jwtConfig()
	authn, err := NewJWTAuthenticator(cfg)
	require.NoError(t, err)

	valid := jwt.MapClaims{"sub": "user-1", "aud": "fastflow", "exp": time.Now().Add(time.Hour).Unix()}
	expired := jwt.MapClaims{"sub": "user-1", "aud": "fastflow", "exp": time.Now().Add(-time.Hour).Unix()}
	noExp := jwt.MapClaims{"sub": "user-1", "aud": "fastflow"}
	otherAud := jwt.MapClaims{"sub": "user-1", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}

	tests := map[string]string{
		"wrong secret": signHS256(t, strings.Repeat("x", 32), valid),
		"expired":      signHS256(t, cfg.JWTSecret, expired),
		"no expiry":    signHS256(t, cfg.JWTSecret, noExp),
		"audience":     signHS256(t, cfg.JWTSecret, otherAud),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := authn.Authenticate(t.Context(), bearerRequest(token))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrUnauthenticated)
		})
	}

	_, err = authn.Authenticate(t.Context(), httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIdentityFromClaims(t *testing.T) {
	cfg := Config{RolesClaim: "roles", EmailClaim: "email"}
	tests := map[string]struct {
		roles any
		want  []string
	}{
		"list":          {roles: []any{"Operator", " viewer ", 7, "operator"}, want: []string{"operator", "viewer"}},
		"string list":   {roles: []string{"ADMIN"}, want: []string{"admin"}},
		"csv":           {roles: "viewer, operator", want: []string{"viewer", "operator"}},
		"missing":       {roles: nil, want: nil},
		"unexpected ty": {roles: 3, want: nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			claims := map[string]any{"sub": "u1", "email": "u1@example.test"}
			if tc.roles != nil {
				claims["roles"] = tc.roles
			}
			identity := identityFromClaims(claims, cfg)
			assert.Equal(t, "u1", identity.Subject)
			assert.Equal(t, "u1@example.test", identity.Email)
			if tc.want == nil {
				assert.Empty(t, identity.Roles)
				return
			}
			assert.Equal(t, tc.want, identity.Roles)
		})
	}
}
