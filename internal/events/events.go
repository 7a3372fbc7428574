package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/env"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
)

type Type string

const (
	RunSubmitted   Type = "run.submitted"
	RunStarted     Type = "run.started"
	RunSucceeded   Type = "run.succeeded"
	RunFailed      Type = "run.failed"
	RunInterrupted Type = "run.interrupted"
	RunSoftLimit   Type = "run.soft_limit"
	SyncSucceeded  Type = "sync.succeeded"
	SyncFailed     Type = "sync.failed"
)

// Event is a lifecycle notification consumed by the notification center.
type Event struct {
	Type         Type           `json:"type"`
	OccurredAt   time.Time      `json:"occurred_at"`
	RunID        string         `json:"run_id,omitempty"`
	PipelineName string         `json:"pipeline_name,omitempty"`
	Status       string         `json:"status,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Key partitions events: runs by id, everything else together.
func (e Event) Key() string {
	if e.RunID != "" {
		return e.RunID
	}
	return strings.SplitN(string(e.Type), ".", 2)[0]
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// RunEvent builds the event for a run's current state.
func RunEvent(t Type, run domain.Run) Event {
	return Event{
		Type:         t,
		OccurredAt:   time.Now().UTC(),
		RunID:        run.ID,
		PipelineName: run.PipelineName,
		Status:       string(run.Status),
		ErrorType:    string(run.ErrorType),
		Message:      run.ErrorMessage,
	}
}

// TerminalType maps a terminal status to its event type.
func TerminalType(status domain.RunStatus) Type {
	switch status {
	case domain.RunStatusSuccess:
		return RunSucceeded
	case domain.RunStatusInterrupted:
		return RunInterrupted
	default:
		return RunFailed
	}
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("FASTFLOW_KAFKA_WRITE_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Brokers:      env.CSV("FASTFLOW_KAFKA_BROKERS", nil),
		Topic:        env.String("FASTFLOW_KAFKA_TOPIC", "fastflow.run-events"),
		WriteTimeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c Config) Validate() error {
	if c.Enabled() && strings.TrimSpace(c.Topic) == "" {
		return errors.New("FASTFLOW_KAFKA_TOPIC is required when brokers are configured")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("FASTFLOW_KAFKA_WRITE_TIMEOUT must be positive")
	}
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error { return nil }

// Notifier publishes best effort: failures are logged and counted, never
// returned to the run or sync that produced the event.
type Notifier struct {
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Timeout   time.Duration
}

func (n *Notifier) Notify(ctx context.Context, event Event) {
	if n == nil || n.Publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := n.Publisher.Publish(pubCtx, event); err != nil {
		n.Metrics.EventPublishFailed()
		if n.Logger != nil {
			n.Logger.Warn("event publish failed", "type", event.Type, "run_id", event.RunID, "error", err)
		}
	}
}
