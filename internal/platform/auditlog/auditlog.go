package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const table = "audit_events"

// Event is one audited action: who did what to which run, pipeline or
// repository setting.
type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// record is the stored shape of an Event. Its JSON encoding is the input of
// the integrity hash, so field order matters.
type record struct {
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestID    string          `json:"request_id,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func (e Event) record(payload json.RawMessage) record {
	ip := ""
	if e.IP != nil {
		ip = e.IP.String()
	}
	return record{
		OccurredAt:   e.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(e.Actor),
		Action:       strings.TrimSpace(e.Action),
		ResourceType: strings.TrimSpace(e.ResourceType),
		ResourceID:   strings.TrimSpace(e.ResourceID),
		RequestID:    strings.TrimSpace(e.RequestID),
		IP:           ip,
		UserAgent:    strings.TrimSpace(e.UserAgent),
		Payload:      payload,
	}
}

// Validate reports every missing required field at once.
func (e Event) Validate() error {
	var missing []string
	if e.OccurredAt.IsZero() {
		missing = append(missing, "OccurredAt")
	}
	for _, f := range []struct{ name, value string }{
		{"Actor", e.Actor},
		{"Action", e.Action},
		{"ResourceType", e.ResourceType},
		{"ResourceID", e.ResourceID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("audit event: %s required", strings.Join(missing, ", "))
	}
	return nil
}

// Insert appends an event and returns its id. A zero OccurredAt is stamped
// with the current time.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("audit log has no database")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return 0, err
	}
	rec := event.record(payload)
	integrity, err := rec.digest()
	if err != nil {
		return 0, err
	}

	query, args, err := sq.Insert(table).
		SetMap(sq.Eq{
			"occurred_at":      rec.OccurredAt,
			"actor":            rec.Actor,
			"action":           rec.Action,
			"resource_type":    rec.ResourceType,
			"resource_id":      rec.ResourceID,
			"request_id":       optional(rec.RequestID),
			"ip":               optional(rec.IP),
			"user_agent":       optional(rec.UserAgent),
			"payload":          []byte(rec.Payload),
			"integrity_sha256": integrity,
		}).
		Suffix("RETURNING event_id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build audit insert: %w", err)
	}

	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert audit event %s: %w", rec.Action, err)
	}
	return id, nil
}

// ComputeIntegritySHA256 returns the hex digest stored next to each row so a
// later edit of the row can be detected.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	return event.record(payloadJSON).digest()
}

func (r record) digest() (string, error) {
	blob, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return raw, nil
}

func optional(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
