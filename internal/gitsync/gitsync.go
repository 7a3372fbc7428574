package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fastflow-labs/fastflow/internal/catalog"
	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
	"github.com/fastflow-labs/fastflow/internal/secrets"
)

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Catalog receives the pipelines of every successful sync.
type Catalog interface {
	Replace(pipelines map[string]domain.Pipeline) catalog.Changes
	Names() []string
}

type Config struct {
	Logger *slog.Logger
	// DataDir holds the working tree, pipeline snapshots, the repo config and
	// ssh known hosts.
	DataDir       string
	DefaultSubdir string
	Secrets       secrets.Store
	Catalog       Catalog
	Runner        Runner
	// InUse keeps snapshots of live runs from being pruned. Without it old
	// snapshots are never removed.
	InUse    InUse
	Metrics  *metrics.Metrics
	Notifier *events.Notifier
	Now      func() time.Time
	LogLimit int
	// SyncTimeout bounds scheduled syncs.
	SyncTimeout time.Duration
}

const (
	levelInfo  = "info"
	levelError = "error"
)

// LogEntry is one line of the sync log shown to operators.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ConnectionResult is the outcome of a connectivity check.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Engine owns the pipeline repository working tree. Only one sync, config
// change or key rotation runs at a time.
type Engine struct {
	logger        *slog.Logger
	workDir       string
	snapshotsDir  string
	configPath    string
	knownHosts    string
	defaultSubdir string
	secrets       secrets.Store
	catalog       Catalog
	runner        Runner
	inUse         InUse
	metrics       *metrics.Metrics
	notifier      *events.Notifier
	now           func() time.Time
	logLimit      int
	syncTimeout   time.Duration

	// syncMu guards the working tree and the snapshots directory.
	syncMu  sync.Mutex
	current string

	mu     sync.RWMutex
	cfg    *domain.RepoConfig
	status domain.SyncStatus
	logs   []LogEntry

	cronMu    sync.Mutex
	cron      *cron.Cron
	cronEntry cron.EntryID
	baseCtx   context.Context
}

func New(cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("gitsync: data dir is required")
	}
	if cfg.Secrets == nil || cfg.Catalog == nil {
		return nil, errors.New("gitsync: secrets and catalog are required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	e := &Engine{
		logger:        cfg.Logger,
		workDir:       filepath.Join(cfg.DataDir, "repo"),
		snapshotsDir:  filepath.Join(cfg.DataDir, "snapshots"),
		configPath:    filepath.Join(cfg.DataDir, "repo_config.json"),
		knownHosts:    filepath.Join(cfg.DataDir, "known_hosts"),
		defaultSubdir: cfg.DefaultSubdir,
		secrets:       cfg.Secrets,
		catalog:       cfg.Catalog,
		runner:        cfg.Runner,
		inUse:         cfg.InUse,
		metrics:       cfg.Metrics,
		notifier:      cfg.Notifier,
		now:           cfg.Now,
		logLimit:      cfg.LogLimit,
		syncTimeout:   cfg.SyncTimeout,
		baseCtx:       context.Background(),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.runner == nil {
		e.runner = ExecRunner{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logLimit <= 0 {
		e.logLimit = 200
	}
	if e.syncTimeout <= 0 {
		e.syncTimeout = 10 * time.Minute
	}
	e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	stored, err := readConfig(e.configPath)
	if err != nil {
		return nil, err
	}
	e.status = domain.SyncStatus{Status: domain.SyncStateNever, Branch: defaultBranch, PipelinesCached: []string{}}
	if stored != nil {
		e.cfg = stored
		e.status.Branch = stored.Branch
		e.status.RemoteURL = stored.RepoURL
		e.schedule(stored.AutoSyncSchedule)
	}
	return e, nil
}

// Bootstrap loads pipelines from the snapshot of the working tree's commit so
// the catalog is populated before the first sync after a restart.
func (e *Engine) Bootstrap(ctx context.Context) error {
	cfg, ok := e.Config()
	if !ok || !e.hasWorkTree() {
		return nil
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	commit, err := e.git(ctx, e.workDir, &credentials{}, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("read working tree commit: %w", err)
	}
	snap, err := e.snapshot(ctx, cfg, commit)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", shortCommit(commit), err)
	}
	pipelines, err := catalog.Load(snap)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	e.catalog.Replace(pipelines)
	e.current = snap
	e.mu.Lock()
	e.status.LastCommit = commit
	e.status.PipelinesCached = e.catalog.Names()
	e.mu.Unlock()
	e.logger.Info("pipelines loaded from snapshot", "count", len(pipelines), "commit", commit)
	return nil
}

// Sync brings the working tree to the tip of branch (the configured branch
// when empty) and swaps the catalog. A sync already in flight makes the call
// fail fast with domain.ErrSyncConflict. On failure the catalog is untouched.
func (e *Engine) Sync(ctx context.Context, branch string) (domain.SyncStatus, error) {
	if !e.syncMu.TryLock() {
		e.metrics.GitSync("conflict")
		return e.Status(), domain.ErrSyncConflict
	}
	defer e.syncMu.Unlock()

	cfg, ok := e.Config()
	if !ok {
		return e.Status(), domain.ErrRepoNotConfigured
	}
	if branch == "" {
		branch = cfg.Branch
	}
	if !branchPattern.MatchString(branch) {
		return e.Status(), fmt.Errorf("%w: invalid branch %q", domain.ErrInvalidInput, branch)
	}

	e.mu.Lock()
	e.status.Status = domain.SyncStateSyncing
	e.status.Branch = branch
	e.status.Message = ""
	e.mu.Unlock()
	e.logf(levelInfo, fmt.Sprintf("sync of branch %s started", branch))
	started := e.now()

	commit, changes, err := e.sync(ctx, cfg, branch)
	finished := e.now().UTC()

	e.mu.Lock()
	e.status.LastSync = &finished
	if err != nil {
		e.status.Status = domain.SyncStateFailed
		e.status.Message = err.Error()
	} else {
		e.status.Status = domain.SyncStateSuccess
		e.status.LastCommit = commit
		e.status.PipelinesCached = e.catalog.Names()
		e.status.Added = changes.Added
		e.status.Updated = changes.Updated
		e.status.Removed = changes.Removed
		e.status.Message = fmt.Sprintf("synced %d pipelines at %s", len(e.status.PipelinesCached), shortCommit(commit))
	}
	e.mu.Unlock()
	status := e.Status()

	if err != nil {
		result := "failed"
		if errors.Is(err, domain.ErrAuthFailure) {
			result = "auth_failure"
		}
		e.metrics.GitSync(result)
		e.logf(levelError, "sync failed: "+err.Error())
		e.logger.Error("git sync failed", "branch", branch, "error", err)
		e.notifier.Notify(ctx, events.Event{
			Type:    events.SyncFailed,
			Message: err.Error(),
			Data:    map[string]any{"branch": branch},
		})
		return status, err
	}

	e.metrics.GitSync("success")
	e.logf(levelInfo, status.Message)
	e.logger.Info("git sync finished",
		"branch", branch,
		"commit", commit,
		"pipelines", len(status.PipelinesCached),
		"added", len(changes.Added),
		"updated", len(changes.Updated),
		"removed", len(changes.Removed),
		"duration", e.now().Sub(started),
	)
	e.notifier.Notify(ctx, events.Event{
		Type:    events.SyncSucceeded,
		Message: status.Message,
		Data: map[string]any{
			"branch":  branch,
			"commit":  commit,
			"added":   changes.Added,
			"updated": changes.Updated,
			"removed": changes.Removed,
		},
	})
	return status, nil
}

func (e *Engine) sync(ctx context.Context, cfg domain.RepoConfig, branch string) (string, catalog.Changes, error) {
	creds, err := e.credentials(ctx, cfg)
	if err != nil {
		return "", catalog.Changes{}, err
	}
	defer creds.cleanup()

	if !e.hasWorkTree() {
		if err := os.RemoveAll(e.workDir); err != nil {
			return "", catalog.Changes{}, fmt.Errorf("reset working tree: %w", err)
		}
		if _, err := e.git(ctx, filepath.Dir(e.workDir), creds,
			"clone", "--no-tags", "--branch", branch, "--", cfg.RepoURL, e.workDir); err != nil {
			return "", catalog.Changes{}, err
		}
	} else {
		remote := "refs/remotes/origin/" + branch
		steps := [][]string{
			{"remote", "set-url", "origin", cfg.RepoURL},
			{"fetch", "--prune", "--no-tags", "origin", "+refs/heads/" + branch + ":" + remote},
			{"checkout", "-B", branch, remote},
			{"reset", "--hard", remote},
			{"clean", "-ffdx"},
		}
		for _, args := range steps {
			if _, err := e.git(ctx, e.workDir, creds, args...); err != nil {
				return "", catalog.Changes{}, err
			}
		}
	}

	commit, err := e.git(ctx, e.workDir, creds, "rev-parse", "HEAD")
	if err != nil {
		return "", catalog.Changes{}, err
	}
	snap, err := e.snapshot(ctx, cfg, commit)
	if err != nil {
		return "", catalog.Changes{}, err
	}
	pipelines, err := catalog.Load(snap)
	if err != nil {
		return "", catalog.Changes{}, fmt.Errorf("load pipelines: %w", err)
	}
	changes := e.catalog.Replace(pipelines)
	prev := e.current
	e.current = snap
	// The previous snapshot stays for runs admitted just before the swap.
	e.pruneSnapshots(snap, prev)
	return commit, changes, nil
}

// TestConnection checks that the remote is reachable with the configured
// credentials.
func (e *Engine) TestConnection(ctx context.Context) ConnectionResult {
	cfg, ok := e.Config()
	if !ok {
		return ConnectionResult{Message: domain.ErrRepoNotConfigured.Error()}
	}
	creds, err := e.credentials(ctx, cfg)
	if err != nil {
		return ConnectionResult{Message: err.Error()}
	}
	defer creds.cleanup()

	out, err := e.git(ctx, filepath.Dir(e.workDir), creds, "ls-remote", "--heads", "--", cfg.RepoURL)
	if err != nil {
		e.logf(levelError, "connection test failed: "+err.Error())
		return ConnectionResult{Message: err.Error()}
	}
	if !branchListed(out, cfg.Branch) {
		return ConnectionResult{Success: true, Message: fmt.Sprintf("connected, but branch %s was not found", cfg.Branch)}
	}
	e.logf(levelInfo, "connection test succeeded")
	return ConnectionResult{Success: true, Message: "connection successful"}
}

func branchListed(lsRemote, branch string) bool {
	ref := "refs/heads/" + branch
	for _, line := range strings.Split(lsRemote, "\n") {
		if strings.HasSuffix(strings.TrimSpace(line), ref) {
			return true
		}
	}
	return false
}

func (e *Engine) Status() domain.SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.PipelinesCached = slices.Clone(s.PipelinesCached)
	s.Added = slices.Clone(s.Added)
	s.Updated = slices.Clone(s.Updated)
	s.Removed = slices.Clone(s.Removed)
	if s.PipelinesCached == nil {
		s.PipelinesCached = []string{}
	}
	return s
}

// Logs returns up to limit of the most recent entries, oldest first.
func (e *Engine) Logs(limit int) []LogEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.logs) {
		limit = len(e.logs)
	}
	return slices.Clone(e.logs[len(e.logs)-limit:])
}

func (e *Engine) logf(level, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, LogEntry{Timestamp: e.now().UTC(), Level: level, Message: msg})
	if over := len(e.logs) - e.logLimit; over > 0 {
		e.logs = append(e.logs[:0:0], e.logs[over:]...)
	}
}

// Run drives scheduled syncs until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.cronMu.Lock()
	e.baseCtx = ctx
	e.cronMu.Unlock()
	e.cron.Start()
	<-ctx.Done()
	<-e.cron.Stop().Done()
	return nil
}

func (e *Engine) schedule(spec string) {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cronEntry != 0 {
		e.cron.Remove(e.cronEntry)
		e.cronEntry = 0
	}
	if spec == "" {
		return
	}
	id, err := e.cron.AddFunc(spec, e.autoSync)
	if err != nil {
		e.logger.Warn("invalid auto sync schedule", "schedule", spec, "error", err)
		return
	}
	e.cronEntry = id
}

func (e *Engine) autoSync() {
	e.cronMu.Lock()
	base := e.baseCtx
	e.cronMu.Unlock()
	ctx, cancel := context.WithTimeout(base, e.syncTimeout)
	defer cancel()
	if _, err := e.Sync(ctx, ""); err != nil && !errors.Is(err, domain.ErrSyncConflict) {
		e.logger.Warn("scheduled sync failed", "error", err)
	}
}

func (e *Engine) credentials(ctx context.Context, cfg domain.RepoConfig) (*credentials, error) {
	var token string
	var key []byte
	switch cfg.AuthMode {
	case domain.RepoAuthToken:
		if cfg.TokenRef != "" {
			b, err := e.secrets.Get(ctx, cfg.TokenRef)
			if err != nil && !errors.Is(err, secrets.ErrNotFound) {
				return nil, fmt.Errorf("read token: %w", err)
			}
			token = string(b)
		}
	case domain.RepoAuthDeployKey:
		if cfg.DeployKeyRef != "" {
			b, err := e.secrets.Get(ctx, cfg.DeployKeyRef)
			if err != nil && !errors.Is(err, secrets.ErrNotFound) {
				return nil, fmt.Errorf("read deploy key: %w", err)
			}
			key = b
		}
	}
	return newCredentials(cfg, token, key, e.knownHosts)
}

// git runs one command with credentials and returns redacted output. Failures
// are recorded in the sync log.
func (e *Engine) git(ctx context.Context, dir string, creds *credentials, args ...string) (string, error) {
	out, err := e.runner.Run(ctx, dir, creds.env, args...)
	out = redact(out, creds.secrets...)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			err = &CommandError{Args: cmdErr.Args, Output: redact(cmdErr.Output, creds.secrets...), Err: cmdErr.Err}
		}
		return out, classify(err)
	}
	e.logf(levelInfo, "git "+args[0]+" ok")
	return out, nil
}

func (e *Engine) hasWorkTree() bool {
	_, err := os.Stat(filepath.Join(e.workDir, ".git"))
	return err == nil
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
