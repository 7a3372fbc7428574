package postgres

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastflow-labs/fastflow/internal/domain"
	platformpg "github.com/fastflow-labs/fastflow/internal/platform/postgres"
	"github.com/fastflow-labs/fastflow/internal/repo"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations, "migrations")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "0001_runs.sql", entries[0].Name())
}

func TestTransitionRejectsDisallowedMoveWithoutQuery(t *testing.T) {
	s := &RunStore{db: nil}
	_, err := s.Transition(context.Background(), "r1", repo.TransitionRequest{From: domain.RunStatusSuccess, To: domain.RunStatusRunning})
	require.Error(t, err)
}

func openTestDB(t *testing.T) *RunStore {
	t.Helper()
	url := os.Getenv("FASTFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FASTFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cfg := platformpg.Config{URL: url, PingTimeout: 2 * time.Second, MaxOpenConns: 4, MaxIdleConns: 2}
	db, err := platformpg.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, platformpg.Migrate(ctx, db, Migrations, "migrations"))
	return NewRunStore(db)
}

func TestRunStore_Postgres(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	id := uuid.NewString()
	run := domain.Run{
		ID:           id,
		PipelineName: "pg-" + id[:8],
		Status:       domain.RunStatusPending,
		CreatedAt:    time.Now().UTC(),
		EnvVars:      map[string]string{"API_TOKEN": "x"},
		Parameters:   map[string]string{"day": "mon"},
		SecretEnv:    []string{"OTHER"},
		Limits:       domain.Limits{CPUSoft: 0.5, MemHardMB: 512},
		LogFile:      "/tmp/" + id + ".log",
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.ErrorIs(t, s.CreateRun(ctx, run), repo.ErrAlreadyExists)

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, run.Limits, got.Limits)
	assert.Equal(t, "mon", got.Parameters["day"])

	_, err = s.Transition(ctx, id, repo.TransitionRequest{From: domain.RunStatusPending, To: domain.RunStatusRunning})
	require.NoError(t, err)
	require.NoError(t, s.MarkSoftLimit(ctx, id, true, false))

	_, err = s.Transition(ctx, id, repo.TransitionRequest{From: domain.RunStatusPending, To: domain.RunStatusInterrupted})
	require.ErrorIs(t, err, repo.ErrInvalidTransition)

	code := 0
	done, err := s.Transition(ctx, id, repo.TransitionRequest{From: domain.RunStatusRunning, To: domain.RunStatusSuccess, ExitCode: &code})
	require.NoError(t, err)
	assert.True(t, done.CPUSoftLimitExceeded)
	require.NotNil(t, done.FinishedAt)

	stats, err := s.PipelineStats(ctx, run.PipelineName)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineCounters{Total: 1, Successful: 1}, stats)

	_, err = s.GetRun(ctx, uuid.NewString())
	require.ErrorIs(t, err, repo.ErrNotFound)
}
