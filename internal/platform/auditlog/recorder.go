package auditlog

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fastflow-labs/fastflow/internal/platform/auth"
)

// Recorder writes API mutations and auth denials to the audit log. A nil
// database turns it into a no-op.
type Recorder struct {
	DB      QueryRower
	Logger  *slog.Logger
	Service string
	Timeout time.Duration
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.DB != nil
}

// Record stores an API mutation performed by the caller of req. Failures are
// logged and never surface to the caller.
func (r *Recorder) Record(req *http.Request, action, resourceType, resourceID string, payload any) {
	if !r.Enabled() {
		return
	}
	event := Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        auth.Actor(req.Context()),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    req.Header.Get("X-Request-Id"),
		IP:           remoteIP(req.RemoteAddr),
		UserAgent:    req.UserAgent(),
		Payload:      payload,
	}
	ctx, cancel := r.context(req.Context())
	defer cancel()
	if _, err := Insert(ctx, r.DB, event); err != nil && r.Logger != nil {
		r.Logger.Warn("audit insert failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

// AuthDeny adapts the recorder to auth.Middleware.
func (r *Recorder) AuthDeny(ctx context.Context, event auth.DenyEvent) error {
	if !r.Enabled() {
		return nil
	}
	ctx, cancel := r.context(ctx)
	defer cancel()
	return InsertAuthDeny(ctx, r.DB, r.Service, event)
}

func (r *Recorder) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 750 * time.Millisecond
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           remoteIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"email":   event.Email,
			"roles":   event.Roles,
		},
	})
	return err
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}
