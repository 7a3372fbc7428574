package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/repo/memory"
	"github.com/fastflow-labs/fastflow/internal/runlog"
)

type staticPipelines map[string]domain.Pipeline

func (s staticPipelines) Lookup(name string) (domain.Pipeline, bool) {
	p, ok := s[name]
	return p, ok
}

type launchRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (l *launchRecorder) launch(run domain.Run) {
	l.mu.Lock()
	l.ids = append(l.ids, run.ID)
	l.mu.Unlock()
}

func (l *launchRecorder) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func newController(t *testing.T, limit int) (*Controller, *memory.RunStore, *launchRecorder) {
	t.Helper()
	store := memory.NewRunStore()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	c, err := New(Config{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Runs:   store,
		Pipelines: staticPipelines{
			"etl": {
				Name:    "etl",
				Enabled: true,
				Metadata: domain.PipelineMetadata{
					Limits:     domain.Limits{CPUSoft: 0.5, MemHardMB: 512},
					DefaultEnv: map[string]string{"REGION": "eu", "MODE": "full"},
					SecretEnv:  []string{"DSN"},
				},
			},
			"off": {Name: "off", Enabled: false},
		},
		Files: runlog.Files{Dir: "/data/logs"},
		Limit: limit,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Millisecond)
			return clock
		},
	})
	require.NoError(t, err)
	rec := &launchRecorder{}
	c.SetLauncher(rec.launch)
	return c, store, rec
}

func finish(t *testing.T, c *Controller, store *memory.RunStore, id string) {
	t.Helper()
	_, err := store.Transition(context.Background(), id, repo.TransitionRequest{
		From: domain.RunStatusRunning,
		To:   domain.RunStatusSuccess,
		At:   time.Now(),
	})
	require.NoError(t, err)
	c.Release(context.Background(), id)
}

func TestSubmitRejectsUnknownAndDisabled(t *testing.T) {
	c, store, _ := newController(t, 2)
	ctx := context.Background()

	_, err := c.Submit(ctx, SubmitRequest{PipelineName: "missing"})
	require.ErrorIs(t, err, domain.ErrAdmissionRejected)
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)

	_, err = c.Submit(ctx, SubmitRequest{PipelineName: "off"})
	require.ErrorIs(t, err, domain.ErrAdmissionRejected)
	require.ErrorIs(t, err, domain.ErrPipelineDisabled)

	_, err = c.Submit(ctx, SubmitRequest{PipelineName: "etl", EnvVars: map[string]string{"1BAD": "x"}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	runs, err := store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSubmitBuildsRun(t *testing.T) {
	c, _, rec := newController(t, 1)
	run, err := c.Submit(context.Background(), SubmitRequest{
		PipelineName: "etl",
		EnvVars:      map[string]string{"MODE": "delta"},
		Parameters:   map[string]string{"date": "2025-01-01"},
		TriggeredBy:  "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, map[string]string{"REGION": "eu", "MODE": "delta"}, run.EnvVars)
	assert.Equal(t, "2025-01-01", run.Parameters["date"])
	assert.Equal(t, "/data/logs/"+run.ID+".log", run.LogFile)
	assert.Equal(t, "/data/logs/"+run.ID+".metrics.jsonl", run.MetricsFile)
	assert.Equal(t, 0.5, run.Limits.CPUSoft)
	assert.Equal(t, []string{"DSN"}, run.SecretEnv)
	assert.Equal(t, []string{run.ID}, rec.launched())
}

// limit=2 with three submissions: the third waits until one finishes.
func TestLimitTwoThreeSubmissions(t *testing.T) {
	c, store, rec := newController(t, 2)
	ctx := context.Background()

	a, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	b, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	third, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusRunning, a.Status)
	assert.Equal(t, domain.RunStatusRunning, b.Status)
	assert.Equal(t, domain.RunStatusPending, third.Status)
	assert.Equal(t, Utilization{Active: 2, Limit: 2, Queued: 1, Ratio: 1}, c.Utilization())
	assert.Equal(t, 1, c.Position(third.ID))

	finish(t, c, store, a.ID)

	got, err := store.GetRun(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Equal(t, []string{a.ID, b.ID, third.ID}, rec.launched())
	assert.Equal(t, 2, c.Utilization().Active)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, store, _ := newController(t, 1)
	ctx := context.Background()
	a, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)

	finish(t, c, store, a.ID)
	c.Release(ctx, a.ID)
	c.Release(ctx, "unknown")
	assert.Equal(t, 0, c.Utilization().Active)
}

// flakyRuns fails the next promotions as a store outage would.
type flakyRuns struct {
	repo.RunRepository
	mu       sync.Mutex
	failures int
}

func (f *flakyRuns) Transition(ctx context.Context, id string, req repo.TransitionRequest) (domain.Run, error) {
	f.mu.Lock()
	fail := req.To == domain.RunStatusRunning && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return domain.Run{}, errors.New("connection reset by peer")
	}
	return f.RunRepository.Transition(ctx, id, req)
}

func TestPromotionStoreFailureRequeuesAtHead(t *testing.T) {
	c, store, rec := newController(t, 1)
	flaky := &flakyRuns{RunRepository: store}
	c.runs = flaky
	c.retry = 100 * time.Millisecond
	ctx := context.Background()

	a, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	b, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	later, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)

	flaky.mu.Lock()
	flaky.failures = 1
	flaky.mu.Unlock()
	finish(t, c, store, a.ID)
	stored, err := store.GetRun(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, stored.Status)
	assert.Equal(t, 1, c.Position(b.ID), "a failed promotion keeps its place")
	assert.Equal(t, 2, c.Position(later.ID))
	assert.Equal(t, 0, c.Utilization().Active)

	require.Eventually(t, func() bool {
		got := rec.launched()
		return len(got) == 2 && got[1] == b.ID
	}, 2*time.Second, 10*time.Millisecond)
	stored, err = store.GetRun(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, stored.Status)
	assert.Equal(t, 1, c.Position(later.ID))
	assert.Equal(t, 1, c.Utilization().Active)
}

func TestFIFOPromotion(t *testing.T) {
	c, store, rec := newController(t, 1)
	ctx := context.Background()

	first, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	var queued []string
	for i := 0; i < 4; i++ {
		run, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
		require.NoError(t, err)
		queued = append(queued, run.ID)
	}

	current := first.ID
	for _, next := range queued {
		finish(t, c, store, current)
		got := rec.launched()
		assert.Equal(t, next, got[len(got)-1])
		current = next
	}
}

func TestCancelPending(t *testing.T) {
	c, store, rec := newController(t, 1)
	ctx := context.Background()
	a, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)
	b, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
	require.NoError(t, err)

	ok, err := c.CancelPending(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetRun(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 0, c.Utilization().Queued)

	ok, err = c.CancelPending(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	finish(t, c, store, a.ID)
	assert.Equal(t, []string{a.ID}, rec.launched())
}

func TestSetLimit(t *testing.T) {
	c, _, rec := newController(t, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
		require.NoError(t, err)
	}
	require.Len(t, rec.launched(), 1)

	require.NoError(t, c.SetLimit(ctx, 3))
	assert.Len(t, rec.launched(), 3)

	require.NoError(t, c.SetLimit(ctx, 1))
	assert.Equal(t, Utilization{Active: 3, Limit: 1, Queued: 0, Ratio: 3}, c.Utilization())

	require.ErrorIs(t, c.SetLimit(ctx, 0), domain.ErrInvalidInput)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newController(t, 2)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusPending, domain.RunStatusPending, domain.RunStatusPending} {
		run := domain.Run{ID: string(rune('a' + i)), PipelineName: "etl", Status: domain.RunStatusPending, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, store.CreateRun(ctx, run))
		if status == domain.RunStatusRunning {
			_, err := store.Transition(ctx, run.ID, repo.TransitionRequest{From: domain.RunStatusPending, To: domain.RunStatusRunning})
			require.NoError(t, err)
		}
	}

	require.NoError(t, c.Reconcile(ctx))
	assert.Equal(t, []string{"b"}, rec.launched())
	assert.Equal(t, Utilization{Active: 2, Limit: 2, Queued: 2, Ratio: 1}, c.Utilization())

	finish(t, c, store, "a")
	assert.Equal(t, []string{"b", "c"}, rec.launched())
}

// Random submit/finish interleavings never exceed the limit.
func TestRunningNeverExceedsLimit(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		limit := 1 + rng.Intn(4)
		c, store, _ := newController(t, limit)
		ctx := context.Background()

		for step := 0; step < 60; step++ {
			if rng.Intn(3) > 0 {
				_, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
				require.NoError(t, err)
			} else {
				running, err := store.ListByStatus(ctx, domain.RunStatusRunning)
				require.NoError(t, err)
				if len(running) > 0 {
					finish(t, c, store, running[rng.Intn(len(running))].ID)
				}
			}
			n, err := store.CountByStatus(ctx, domain.RunStatusRunning)
			require.NoError(t, err)
			require.LessOrEqual(t, n, limit, "seed %d step %d", seed, step)
			require.LessOrEqual(t, c.Utilization().Active, limit)
			require.Equal(t, n, c.Utilization().Active)
		}
	}
}

func TestConcurrentSubmitAndRelease(t *testing.T) {
	const limit = 3
	c, store, _ := newController(t, limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(ctx, SubmitRequest{PipelineName: "etl"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.CountByStatus(ctx, domain.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
	assert.Equal(t, 17, c.Utilization().Queued)
}
