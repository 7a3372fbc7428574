package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent describes a rejected request for the audit log.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Email      string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

// Middleware authenticates API requests, checks the caller's role and puts the
// identity on the request context. Preflight requests and SkipPrefixes pass
// through untouched.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		switch {
		case errors.Is(err, ErrUnauthenticated):
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "unauthorized", err)
			return
		case err != nil:
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "invalid_token", err)
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skip(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	for _, prefix := range m.SkipPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason string, cause error) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	event := DenyEvent{
		Time:       time.Now().UTC(),
		Status:     status,
		Reason:     reason,
		Error:      cause.Error(),
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Subject:    identity.Subject,
		Email:      identity.Email,
		Roles:      identity.Roles,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if m.Logger != nil {
		m.Logger.Warn("request denied",
			"request_id", requestID,
			"reason", reason,
			"status", status,
			"method", r.Method,
			"path", r.URL.Path,
			"subject", identity.Subject,
			"error", cause,
		)
	}
	if m.Audit != nil {
		if err := m.Audit(r.Context(), event); err != nil && m.Logger != nil {
			m.Logger.Warn("audit of denied request failed", "request_id", requestID, "error", err)
		}
	}
	httpserver.WriteError(w, r, status, reason, "")
}
