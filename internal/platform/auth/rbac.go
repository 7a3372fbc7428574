package auth

import (
	"errors"
	"net/http"
	"path"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Roles are ordered: each one includes the rights of the roles below it.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleRank = map[string]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

type routeRule struct {
	method  string
	pattern string
	role    string
}

// mutationRules lists who may change what. A mutating request that matches no
// rule needs admin.
var mutationRules = []routeRule{
	{http.MethodPost, "/api/pipelines/*/run", RoleOperator},
	{http.MethodPost, "/api/runs/*/cancel", RoleOperator},
	{http.MethodPost, "/api/sync", RoleOperator},
	{http.MethodPost, "/api/pipelines/*/enable", RoleAdmin},
	{http.MethodPost, "/api/pipelines/*/disable", RoleAdmin},
	{http.MethodPut, "/api/settings/concurrency", RoleAdmin},
	{"", "/api/sync/repo-config", RoleAdmin},
	{"", "/api/sync/repo-config/*", RoleAdmin},
}

func roleOf(roles []string) int {
	best := 0
	for _, role := range roles {
		best = max(best, roleRank[strings.ToLower(strings.TrimSpace(role))])
	}
	return best
}

func HasAtLeast(roles []string, required string) bool {
	need, ok := roleRank[strings.ToLower(required)]
	return ok && roleOf(roles) >= need
}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	p := strings.TrimSuffix(r.URL.Path, "/")
	for _, rule := range mutationRules {
		if rule.method != "" && rule.method != r.Method {
			continue
		}
		if ok, _ := path.Match(rule.pattern, p); ok {
			return rule.role
		}
	}
	return RoleAdmin
}

// RoleAuthorizer enforces RequiredRoleForRequest.
func RoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
