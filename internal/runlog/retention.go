package runlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

type finishedLister interface {
	ListFinished(ctx context.Context, after, before time.Time, limit int) ([]domain.Run, error)
}

// Sweeper removes local files of runs that finished longer than Retention
// ago. When archiving is enabled only archived runs are swept.
type Sweeper struct {
	Runs      finishedLister
	Files     Files
	Retention time.Duration
	Archiving bool
	Logger    *slog.Logger
	Now       func() time.Time

	mu        sync.Mutex
	watermark time.Time
}

const sweepBatch = 500

// Sweep processes runs in finish order, advancing a watermark so each run is
// visited once per process lifetime.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.Retention <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(-s.Retention)
	removed := 0
	for {
		runs, err := s.Runs.ListFinished(ctx, s.watermark, cutoff, sweepBatch)
		if err != nil {
			return removed, err
		}
		for _, run := range runs {
			if s.Archiving && run.LogArchive == "" {
				continue
			}
			if err := s.Files.Remove(run); err != nil {
				if s.Logger != nil {
					s.Logger.Warn("remove run files failed", "run_id", run.ID, "error", err)
				}
				continue
			}
			removed++
		}
		if len(runs) > 0 {
			s.watermark = *runs[len(runs)-1].FinishedAt
		}
		if len(runs) < sweepBatch {
			return removed, nil
		}
	}
}
