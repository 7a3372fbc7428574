package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/repo"
)

const uniqueViolation = "23505"

var runColumns = []string{
	"run_id", "pipeline_name", "status", "created_at", "started_at", "finished_at", "exit_code",
	"env_vars", "parameters", "secret_env", "limits", "error_type", "error_message",
	"log_file", "metrics_file", "log_archive", "executor", "handle", "triggered_by",
	"cpu_soft_limit_exceeded", "mem_soft_limit_exceeded",
}

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	envJSON, err := encodeStrings(run.EnvVars)
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	paramsJSON, err := encodeStrings(run.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	secretJSON, err := json.Marshal(nonNilStrings(run.SecretEnv))
	if err != nil {
		return fmt.Errorf("encode secret env: %w", err)
	}
	limitsJSON, err := json.Marshal(run.Limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}

	query, args, err := psql.Insert("runs").SetMap(map[string]any{
		"run_id":        strings.TrimSpace(run.ID),
		"pipeline_name": strings.TrimSpace(run.PipelineName),
		"status":        string(run.Status),
		"created_at":    run.CreatedAt.UTC(),
		"env_vars":      envJSON,
		"parameters":    paramsJSON,
		"secret_env":    secretJSON,
		"limits":        limitsJSON,
		"log_file":      run.LogFile,
		"metrics_file":  nullIfEmpty(run.MetricsFile),
		"executor":      nullIfEmpty(run.Executor),
		"triggered_by":  nullIfEmpty(run.TriggeredBy),
	}).ToSql()
	if err != nil {
		return fmt.Errorf("build insert run: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("run %s: %w", run.ID, repo.ErrAlreadyExists)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	query, args, err := psql.Select(runColumns...).From("runs").Where(sq.Eq{"run_id": id}).ToSql()
	if err != nil {
		return domain.Run{}, fmt.Errorf("build get run: %w", err)
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	builder := psql.Select(runColumns...).From("runs").OrderBy("created_at DESC", "run_id DESC")
	if name := strings.TrimSpace(filter.PipelineName); name != "" {
		builder = builder.Where(sq.Eq{"pipeline_name": name})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	return s.queryRuns(ctx, builder)
}

func (s *RunStore) Transition(ctx context.Context, id string, req repo.TransitionRequest) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if !domain.CanTransition(req.From, req.To) {
		return domain.Run{}, fmt.Errorf("run %s %s -> %s: %w", id, req.From, req.To, repo.ErrInvalidTransition)
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	update := psql.Update("runs").Set("status", string(req.To))
	if req.To == domain.RunStatusRunning {
		update = update.Set("started_at", at)
	}
	if req.To.Terminal() {
		update = update.Set("finished_at", at)
	}
	if req.ExitCode != nil {
		update = update.Set("exit_code", *req.ExitCode)
	}
	if req.ErrorType != "" {
		update = update.Set("error_type", string(req.ErrorType))
	}
	if req.ErrorMessage != "" {
		update = update.Set("error_message", req.ErrorMessage)
	}
	if req.Executor != "" {
		update = update.Set("executor", req.Executor)
	}
	if req.Handle != "" {
		update = update.Set("handle", req.Handle)
	}
	query, args, err := update.
		Where(sq.Eq{"run_id": id, "status": string(req.From)}).
		Suffix("RETURNING " + strings.Join(runColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.Run{}, fmt.Errorf("build transition: %w", err)
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("transition run: %w", err)
	}
	current, getErr := s.GetRun(ctx, id)
	if getErr != nil {
		return domain.Run{}, getErr
	}
	return current, fmt.Errorf("run %s %s -> %s: %w", id, current.Status, req.To, repo.ErrInvalidTransition)
}

func (s *RunStore) SetHandle(ctx context.Context, id, executor, handle string) error {
	return s.exec(ctx, psql.Update("runs").
		Set("executor", nullIfEmpty(executor)).
		Set("handle", nullIfEmpty(handle)).
		Where(sq.Eq{"run_id": id}))
}

func (s *RunStore) MarkSoftLimit(ctx context.Context, id string, cpu, mem bool) error {
	err := s.exec(ctx, psql.Update("runs").
		Set("cpu_soft_limit_exceeded", sq.Expr("cpu_soft_limit_exceeded OR ?", cpu)).
		Set("mem_soft_limit_exceeded", sq.Expr("mem_soft_limit_exceeded OR ?", mem)).
		Where(sq.Eq{"run_id": id, "status": string(domain.RunStatusRunning)}))
	if errors.Is(err, repo.ErrNotFound) {
		return repo.ErrInvalidTransition
	}
	return err
}

func (s *RunStore) SetLogArchive(ctx context.Context, id, key string) error {
	return s.exec(ctx, psql.Update("runs").Set("log_archive", nullIfEmpty(key)).Where(sq.Eq{"run_id": id}))
}

func (s *RunStore) CountByStatus(ctx context.Context, status domain.RunStatus) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From("runs").Where(sq.Eq{"status": string(status)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func (s *RunStore) ListByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error) {
	return s.queryRuns(ctx, psql.Select(runColumns...).From("runs").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at ASC", "run_id ASC"))
}

func (s *RunStore) PipelineStats(ctx context.Context, pipelineName string) (domain.PipelineCounters, error) {
	query, args, err := psql.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE status = 'SUCCESS')",
		"COUNT(*) FILTER (WHERE status = 'FAILED')",
	).From("runs").Where(sq.Eq{"pipeline_name": pipelineName}).ToSql()
	if err != nil {
		return domain.PipelineCounters{}, fmt.Errorf("build stats: %w", err)
	}
	var c domain.PipelineCounters
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Total, &c.Successful, &c.Failed); err != nil {
		return domain.PipelineCounters{}, fmt.Errorf("pipeline stats: %w", err)
	}
	return c, nil
}

func (s *RunStore) ListFinished(ctx context.Context, after, before time.Time, limit int) ([]domain.Run, error) {
	builder := psql.Select(runColumns...).From("runs").
		Where(sq.Gt{"finished_at": after.UTC()}).
		Where(sq.Lt{"finished_at": before.UTC()}).
		OrderBy("finished_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	return s.queryRuns(ctx, builder)
}

func (s *RunStore) exec(ctx context.Context, builder sq.UpdateBuilder) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) queryRuns(ctx context.Context, builder sq.SelectBuilder) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run          domain.Run
		status       string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		exitCode     sql.NullInt64
		envJSON      []byte
		paramsJSON   []byte
		secretJSON   []byte
		limitsJSON   []byte
		errorType    sql.NullString
		errorMessage sql.NullString
		metricsFile  sql.NullString
		logArchive   sql.NullString
		executor     sql.NullString
		handle       sql.NullString
		triggeredBy  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.PipelineName, &status, &run.CreatedAt, &startedAt, &finishedAt, &exitCode,
		&envJSON, &paramsJSON, &secretJSON, &limitsJSON, &errorType, &errorMessage,
		&run.LogFile, &metricsFile, &logArchive, &executor, &handle, &triggeredBy,
		&run.CPUSoftLimitExceeded, &run.MemSoftLimitExceeded); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	var err error
	if run.EnvVars, err = decodeStrings(envJSON); err != nil {
		return domain.Run{}, fmt.Errorf("decode env vars: %w", err)
	}
	if run.Parameters, err = decodeStrings(paramsJSON); err != nil {
		return domain.Run{}, fmt.Errorf("decode parameters: %w", err)
	}
	if len(secretJSON) > 0 {
		if err := json.Unmarshal(secretJSON, &run.SecretEnv); err != nil {
			return domain.Run{}, fmt.Errorf("decode secret env: %w", err)
		}
	}
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &run.Limits); err != nil {
			return domain.Run{}, fmt.Errorf("decode limits: %w", err)
		}
	}
	run.ErrorType = domain.ErrorType(errorType.String)
	run.ErrorMessage = errorMessage.String
	run.MetricsFile = metricsFile.String
	run.LogArchive = logArchive.String
	run.Executor = executor.String
	run.Handle = handle.String
	run.TriggeredBy = triggeredBy.String
	return run, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
