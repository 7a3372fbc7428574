package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fastflow-labs/fastflow/internal/admission"
	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/engine"
	"github.com/fastflow-labs/fastflow/internal/gitsync"
	"github.com/fastflow-labs/fastflow/internal/platform/auditlog"
	"github.com/fastflow-labs/fastflow/internal/platform/auth"
	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/runlog"
	"github.com/fastflow-labs/fastflow/internal/stream"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
	maxRequestBody      = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type pipelineCatalog interface {
	List(ctx context.Context) []domain.Pipeline
	Get(ctx context.Context, name string) (domain.Pipeline, error)
	SetEnabled(name string, enabled bool) (domain.Pipeline, error)
}

type admitter interface {
	Submit(ctx context.Context, req admission.SubmitRequest) (domain.Run, error)
	SetLimit(ctx context.Context, n int) error
	Utilization() admission.Utilization
	Position(runID string) int
}

type runController interface {
	Cancel(ctx context.Context, runID string) (domain.Run, error)
	Health(ctx context.Context, runID string) (engine.RunHealth, error)
}

type repoSyncer interface {
	Sync(ctx context.Context, branch string) (domain.SyncStatus, error)
	Status() domain.SyncStatus
	Logs(limit int) []gitsync.LogEntry
	Config() (domain.RepoConfig, bool)
	SaveConfig(ctx context.Context, cfg domain.RepoConfig, token string) (domain.RepoConfig, error)
	GenerateDeployKey(ctx context.Context, repoURL, branch, subdir string) (string, error)
	TestConnection(ctx context.Context) gitsync.ConnectionResult
	DeleteConfig(ctx context.Context) error
}

type runFiles interface {
	OpenLog(ctx context.Context, run domain.Run) (io.ReadCloser, error)
	OpenMetrics(ctx context.Context, run domain.Run) (io.ReadCloser, error)
}

type schedulerAPI struct {
	logger    *slog.Logger
	runs      repo.RunRepository
	pipelines pipelineCatalog
	admission admitter
	engine    runController
	sync      repoSyncer
	files     runFiles
	stream    *stream.Broadcaster
	audit     *auditlog.Recorder
	executor  string

	heartbeat time.Duration
}

func (api *schedulerAPI) register(r chi.Router) {
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", api.handleListPipelines)
		r.Get("/{name}", api.handleGetPipeline)
		r.Post("/{name}/run", api.handleRunPipeline)
		r.Post("/{name}/enable", api.handleSetPipelineEnabled(true))
		r.Post("/{name}/disable", api.handleSetPipelineEnabled(false))
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", api.handleListRuns)
		r.Get("/{id}", api.handleGetRun)
		r.Post("/{id}/cancel", api.handleCancelRun)
		r.Get("/{id}/health", api.handleRunHealth)
		r.Get("/{id}/logs", api.handleRunLogs)
		r.Get("/{id}/logs/stream", api.handleStreamLogs)
		r.Get("/{id}/metrics", api.handleRunMetrics)
		r.Get("/{id}/metrics/stream", api.handleStreamMetrics)
	})
	r.Get("/settings/concurrency", api.handleGetConcurrency)
	r.Put("/settings/concurrency", api.handleSetConcurrency)
	r.Route("/sync", func(r chi.Router) {
		r.Post("/", api.handleSync)
		r.Get("/status", api.handleSyncStatus)
		r.Get("/logs", api.handleSyncLogs)
		r.Get("/repo-config", api.handleGetRepoConfig)
		r.Post("/repo-config", api.handleSaveRepoConfig)
		r.Delete("/repo-config", api.handleDeleteRepoConfig)
		r.Post("/repo-config/generate-deploy-key", api.handleGenerateDeployKey)
		r.Post("/repo-config/test", api.handleTestConnection)
	})
}

func (api *schedulerAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.pipelines.List(r.Context()))
}

func (api *schedulerAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := api.pipelines.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, p)
}

type runPipelineRequest struct {
	EnvVars    map[string]string `json:"env_vars" validate:"max=256,dive,keys,required,max=256,endkeys,max=65536"`
	Parameters map[string]string `json:"parameters" validate:"max=256,dive,keys,required,max=256,endkeys,max=65536"`
}

func (api *schedulerAPI) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req runPipelineRequest
	if !api.decodeBody(w, r, &req, true) {
		return
	}
	run, err := api.admission.Submit(r.Context(), admission.SubmitRequest{
		PipelineName: name,
		EnvVars:      req.EnvVars,
		Parameters:   req.Parameters,
		TriggeredBy:  auth.Actor(r.Context()),
	})
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "run.submit", "pipeline", name, map[string]any{
		"run_id":     run.ID,
		"parameters": slices.Sorted(maps.Keys(req.Parameters)),
		"env_vars":   slices.Sorted(maps.Keys(req.EnvVars)),
	})
	httpserver.WriteJSON(w, http.StatusCreated, api.runView(run))
}

func (api *schedulerAPI) handleSetPipelineEnabled(enabled bool) http.HandlerFunc {
	action := "pipeline.disable"
	if enabled {
		action = "pipeline.enable"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p, err := api.pipelines.SetEnabled(name, enabled)
		if err != nil {
			api.writeFailure(w, r, err)
			return
		}
		api.logger.Info("pipeline toggled", "pipeline", name, "enabled", enabled, "actor", auth.Actor(r.Context()))
		api.audit.Record(r, action, "pipeline", name, nil)
		httpserver.WriteJSON(w, http.StatusOK, p)
	}
}

// runResponse is a redacted run plus its live queue position.
type runResponse struct {
	domain.Run
	QueuePosition int `json:"queue_position,omitempty"`
}

func (api *schedulerAPI) runView(run domain.Run) runResponse {
	out := runResponse{Run: run.Redacted()}
	if run.Status == domain.RunStatusPending {
		out.QueuePosition = api.admission.Position(run.ID)
	}
	return out
}

func (api *schedulerAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{PipelineName: strings.TrimSpace(q.Get("pipeline"))}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = domain.NormalizeRunStatus(raw)
		if filter.Status == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	limit, ok := parseIntQuery(w, r, "limit", defaultRunListLimit)
	if !ok {
		return
	}
	offset, ok := parseIntQuery(w, r, "offset", 0)
	if !ok {
		return
	}
	filter.Limit = clampInt(limit, 1, maxRunListLimit)
	filter.Offset = max(offset, 0)

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, api.runView(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (api *schedulerAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.runView(run))
}

func (api *schedulerAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := api.engine.Cancel(r.Context(), id)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "run.cancel", "run", id, map[string]any{"status": run.Status})
	httpserver.WriteJSON(w, http.StatusOK, api.runView(run))
}

func (api *schedulerAPI) handleRunHealth(w http.ResponseWriter, r *http.Request) {
	health, err := api.engine.Health(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, health)
}

func (api *schedulerAPI) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	tail, ok := parseIntQuery(w, r, "tail", 0)
	if !ok {
		return
	}
	var lines []string
	rc, err := api.files.OpenLog(r.Context(), run)
	switch {
	case err == nil:
		lines, err = runlog.TailReader(rc, tail)
		_ = rc.Close()
		if err != nil {
			api.writeFailure(w, r, fmt.Errorf("read run log: %w", err))
			return
		}
	case errors.Is(err, fs.ErrNotExist) && !run.Terminal():
		// Nothing written yet.
	case errors.Is(err, fs.ErrNotExist):
		httpserver.WriteError(w, r, http.StatusNotFound, "log_not_found", "")
		return
	default:
		api.writeFailure(w, r, fmt.Errorf("open run log: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
}

func (api *schedulerAPI) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	samples := []domain.MetricSample{}
	rc, err := api.files.OpenMetrics(r.Context(), run)
	switch {
	case err == nil:
		decoded, err := runlog.ReadMetrics(rc)
		_ = rc.Close()
		if err != nil {
			api.writeFailure(w, r, fmt.Errorf("read run metrics: %w", err))
			return
		}
		samples = append(samples, decoded...)
	case errors.Is(err, fs.ErrNotExist):
	default:
		api.writeFailure(w, r, fmt.Errorf("open run metrics: %w", err))
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, samples)
}

type concurrencyResponse struct {
	admission.Utilization
	Executor string `json:"executor"`
}

func (api *schedulerAPI) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, concurrencyResponse{Utilization: api.admission.Utilization(), Executor: api.executor})
}

type concurrencyRequest struct {
	Limit int `json:"concurrency_limit" validate:"required,min=1,max=1000"`
}

func (api *schedulerAPI) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if !api.decodeBody(w, r, &req, false) {
		return
	}
	if err := api.admission.SetLimit(r.Context(), req.Limit); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "settings.concurrency", "settings", "concurrency", map[string]any{"concurrency_limit": req.Limit})
	api.handleGetConcurrency(w, r)
}

// decodeBody decodes and validates a JSON body. With allowEmpty an absent body
// leaves dst untouched.
func (api *schedulerAPI) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case err != nil:
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	default:
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "multiple JSON values")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

// writeFailure maps domain errors onto the error envelope.
func (api *schedulerAPI) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, repo.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrPipelineNotFound):
		status, code = http.StatusNotFound, "pipeline_not_found"
	case errors.Is(err, domain.ErrPipelineDisabled):
		status, code = http.StatusConflict, "pipeline_disabled"
	case errors.Is(err, domain.ErrRepoNotConfigured):
		status, code = http.StatusNotFound, "repo_not_configured"
	case errors.Is(err, domain.ErrSyncConflict):
		status, code = http.StatusConflict, "sync_conflict"
	case errors.Is(err, domain.ErrAuthFailure):
		status, code = http.StatusBadGateway, "auth_failure"
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "error", err)
		detail = ""
	}
	httpserver.WriteError(w, r, status, code, detail)
}

func parseIntQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_"+key, fmt.Sprintf("%s must be an integer", key))
		return 0, false
	}
	return v, true
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
