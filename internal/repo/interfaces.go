package repo

import (
	"context"
	"errors"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

type RunFilter struct {
	PipelineName string
	Status       domain.RunStatus
	Limit        int
	Offset       int
}

// TransitionRequest is a compare-and-set on a run's status. From must match the
// stored status for the update to apply.
type TransitionRequest struct {
	From         domain.RunStatus
	To           domain.RunStatus
	At           time.Time
	ExitCode     *int
	ErrorType    domain.ErrorType
	ErrorMessage string
	Executor     string
	Handle       string
}

// RunRepository owns run records. All status changes go through Transition.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	Transition(ctx context.Context, id string, req TransitionRequest) (domain.Run, error)
	SetHandle(ctx context.Context, id, executor, handle string) error
	MarkSoftLimit(ctx context.Context, id string, cpu, mem bool) error
	SetLogArchive(ctx context.Context, id, key string) error
	CountByStatus(ctx context.Context, status domain.RunStatus) (int, error)
	ListByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error)
	PipelineStats(ctx context.Context, pipelineName string) (domain.PipelineCounters, error)
	ListFinished(ctx context.Context, after, before time.Time, limit int) ([]domain.Run, error)
}

// ValidateTransition checks the request against the current status.
func ValidateTransition(current domain.RunStatus, req TransitionRequest) error {
	if req.From != current {
		return ErrInvalidTransition
	}
	if !domain.CanTransition(req.From, req.To) {
		return ErrInvalidTransition
	}
	return nil
}

// ApplyTransition applies an already validated transition to run.
func ApplyTransition(run *domain.Run, req TransitionRequest) {
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()
	run.Status = req.To
	if req.To == domain.RunStatusRunning {
		run.StartedAt = &at
	}
	if req.To.Terminal() {
		run.FinishedAt = &at
	}
	if req.ExitCode != nil {
		code := *req.ExitCode
		run.ExitCode = &code
	}
	if req.ErrorType != "" {
		run.ErrorType = req.ErrorType
	}
	if req.ErrorMessage != "" {
		run.ErrorMessage = req.ErrorMessage
	}
	if req.Executor != "" {
		run.Executor = req.Executor
	}
	if req.Handle != "" {
		run.Handle = req.Handle
	}
}
