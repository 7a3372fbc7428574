package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/repo"
)

// RunStore keeps run records in process memory. It is the default store for
// single-node deployments and tests.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*domain.Run)}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, repo.ErrAlreadyExists)
	}
	stored := run.Clone()
	stored.CreatedAt = run.CreatedAt.UTC()
	s.runs[run.ID] = &stored
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.PipelineName != "" && run.PipelineName != filter.PipelineName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Run{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RunStore) Transition(ctx context.Context, id string, req repo.TransitionRequest) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	if err := repo.ValidateTransition(run.Status, req); err != nil {
		return run.Clone(), fmt.Errorf("run %s %s -> %s: %w", id, run.Status, req.To, err)
	}
	repo.ApplyTransition(run, req)
	return run.Clone(), nil
}

func (s *RunStore) SetHandle(ctx context.Context, id, executor, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Executor = executor
	run.Handle = handle
	return nil
}

func (s *RunStore) MarkSoftLimit(ctx context.Context, id string, cpu, mem bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != domain.RunStatusRunning {
		return repo.ErrInvalidTransition
	}
	run.CPUSoftLimitExceeded = run.CPUSoftLimitExceeded || cpu
	run.MemSoftLimitExceeded = run.MemSoftLimitExceeded || mem
	return nil
}

func (s *RunStore) SetLogArchive(ctx context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.LogArchive = key
	return nil
}

func (s *RunStore) CountByStatus(ctx context.Context, status domain.RunStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, run := range s.runs {
		if run.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *RunStore) ListByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error) {
	s.mu.RLock()
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.Status == status {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RunStore) PipelineStats(ctx context.Context, pipelineName string) (domain.PipelineCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c domain.PipelineCounters
	for _, run := range s.runs {
		if run.PipelineName != pipelineName {
			continue
		}
		c.Total++
		switch run.Status {
		case domain.RunStatusSuccess:
			c.Successful++
		case domain.RunStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// ListFinished returns runs with after < finished_at < before, oldest first.
func (s *RunStore) ListFinished(ctx context.Context, after, before time.Time, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.FinishedAt != nil && run.FinishedAt.After(after) && run.FinishedAt.Before(before) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(*out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
