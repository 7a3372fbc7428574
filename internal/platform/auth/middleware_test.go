package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func serve(t *testing.T, m Middleware, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := httpserver.Wrap(logger, "scheduler", m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.NotEqual(t, "anonymous", Actor(r.Context()))
		w.WriteHeader(http.StatusOK)
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestMiddlewareUnauthorized(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/runs", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec, called := serve(t, Middleware{Authenticator: &testAuthenticator{err: ErrUnauthenticated}}, req)

	assert.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, "rid-1", body["request_id"])
}

func TestMiddlewareInvalidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/runs", nil)
	rec, _ := serve(t, Middleware{Authenticator: &testAuthenticator{err: errors.New("bad token")}}, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decodeError(t, rec)["error"])
}

func TestMiddlewareForbiddenIsAudited(t *testing.T) {
	var events []DenyEvent
	m := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "u1", Roles: []string{RoleOperator}}},
		Authorize:     RoleAuthorizer(),
		Audit: func(ctx context.Context, event DenyEvent) error {
			events = append(events, event)
			return nil
		},
	}
	req := httptest.NewRequest(http.MethodPut, "http://example.test/api/settings/concurrency", nil)
	rec, called := serve(t, m, req)

	assert.False(t, called)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].Subject)
	assert.Equal(t, "forbidden", events[0].Reason)
}

func TestMiddlewareSetsIdentity(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "u1", Email: "u1@example.test", Roles: []string{RoleViewer}}}
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/runs", nil)
	rec, called := serve(t, Middleware{Authenticator: authn, Authorize: RoleAuthorizer()}, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, authn.calls)
}

func TestMiddlewareSkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "u1"}}
	req := httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil)
	m := Middleware{Authenticator: authn, SkipPrefixes: []string{"/healthz"}}
	called := false
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
	assert.Zero(t, authn.calls)
}

func TestTokenFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/api/runs?token=abc", nil)
	assert.Empty(t, tokenFromHeader(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, tokenFromHeader(req))

	req.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", tokenFromHeader(req))
}
