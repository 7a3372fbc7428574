package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasAtLeast(t *testing.T) {
	assert.True(t, HasAtLeast([]string{"viewer"}, RoleViewer))
	assert.False(t, HasAtLeast([]string{"viewer"}, RoleOperator))
	assert.True(t, HasAtLeast([]string{"viewer", "operator"}, RoleOperator))
	assert.True(t, HasAtLeast([]string{" Admin "}, RoleOperator))
	assert.False(t, HasAtLeast(nil, RoleViewer))
	assert.False(t, HasAtLeast([]string{"admin"}, "owner"))
}

func TestRequiredRoleForRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/runs", RoleViewer},
		{http.MethodGet, "/api/sync/repo-config", RoleViewer},
		{http.MethodPost, "/api/pipelines/etl/run", RoleOperator},
		{http.MethodPost, "/api/runs/abc/cancel", RoleOperator},
		{http.MethodPost, "/api/sync/", RoleOperator},
		{http.MethodPost, "/api/pipelines/etl/disable", RoleAdmin},
		{http.MethodPut, "/api/settings/concurrency", RoleAdmin},
		{http.MethodPost, "/api/sync/repo-config/generate-deploy-key", RoleAdmin},
		{http.MethodDelete, "/api/sync/repo-config", RoleAdmin},
		{http.MethodPost, "/api/pipelines/etl/run/extra", RoleAdmin},
		{http.MethodPatch, "/api/runs/abc", RoleAdmin},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		assert.Equal(t, tc.want, RequiredRoleForRequest(req), "%s %s", tc.method, tc.path)
	}
}

func TestRoleAuthorizer(t *testing.T) {
	authorize := RoleAuthorizer()
	cancel := httptest.NewRequest(http.MethodPost, "http://example.test/api/runs/abc/cancel", nil)

	require.NoError(t, authorize(cancel, Identity{Roles: []string{RoleOperator}}))
	assert.ErrorIs(t, authorize(cancel, Identity{Roles: []string{RoleViewer}}), ErrForbidden)
}
