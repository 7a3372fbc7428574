package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/minio/minio-go/v7"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/fastflow-labs/fastflow/internal/admission"
	"github.com/fastflow-labs/fastflow/internal/catalog"
	"github.com/fastflow-labs/fastflow/internal/engine"
	"github.com/fastflow-labs/fastflow/internal/events"
	"github.com/fastflow-labs/fastflow/internal/gitsync"
	"github.com/fastflow-labs/fastflow/internal/monitor"
	"github.com/fastflow-labs/fastflow/internal/platform/auditlog"
	"github.com/fastflow-labs/fastflow/internal/platform/auth"
	"github.com/fastflow-labs/fastflow/internal/platform/env"
	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
	"github.com/fastflow-labs/fastflow/internal/platform/k8s"
	"github.com/fastflow-labs/fastflow/internal/platform/metrics"
	"github.com/fastflow-labs/fastflow/internal/platform/objectstore"
	"github.com/fastflow-labs/fastflow/internal/platform/postgres"
	"github.com/fastflow-labs/fastflow/internal/repo"
	"github.com/fastflow-labs/fastflow/internal/repo/memory"
	pgrepo "github.com/fastflow-labs/fastflow/internal/repo/postgres"
	"github.com/fastflow-labs/fastflow/internal/runlog"
	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
	"github.com/fastflow-labs/fastflow/internal/secrets"
	"github.com/fastflow-labs/fastflow/internal/stream"
)

const serviceName = "fastflow"

// daemon owns every long lived component of the scheduler.
type daemon struct {
	cfg    Config
	logger *slog.Logger

	db        *sql.DB
	metrics   *metrics.Metrics
	runs      repo.RunRepository
	catalog   *catalog.Catalog
	admission *admission.Controller
	engine    *engine.Engine
	stream    *stream.Broadcaster
	syncer    *gitsync.Engine
	executor  runtimeexec.Executor
	sweeper   *runlog.Sweeper
	handler   http.Handler

	closers []func() error
}

func serve(ctx context.Context, logger *slog.Logger, cfg Config) error {
	d, err := newDaemon(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}

func newDaemon(ctx context.Context, logger *slog.Logger, cfg Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err == nil {
			return
		}
		if d.engine != nil {
			_ = d.engine.Shutdown(context.WithoutCancel(ctx))
		}
		d.close()
	}()

	files := runlog.Files{Dir: cfg.logsDir()}
	if err := files.EnsureDir(); err != nil {
		return nil, err
	}

	if err := d.openStore(ctx); err != nil {
		return nil, err
	}

	evCfg, err := events.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid event config: %w", err)
	}
	publisher, err := events.New(evCfg)
	if err != nil {
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}
	d.closers = append(d.closers, publisher.Close)
	notifier := &events.Notifier{Publisher: publisher, Logger: logger, Metrics: d.metrics}

	storeCfg, storeClient, err := d.openObjectStore(ctx)
	if err != nil {
		return nil, err
	}
	var archiver *runlog.Archiver
	if storeClient != nil {
		archiver = runlog.NewArchiver(storeClient, storeCfg.BucketLogs)
	}

	d.catalog, err = catalog.New(logger, d.runs, cfg.overridesPath())
	if err != nil {
		return nil, fmt.Errorf("pipeline catalog init failed: %w", err)
	}

	secretStore, err := secrets.NewFileStore(cfg.secretsDir())
	if err != nil {
		return nil, err
	}
	d.syncer, err = gitsync.New(gitsync.Config{
		Logger:        logger,
		DataDir:       cfg.gitDir(),
		DefaultSubdir: cfg.GitSubdir,
		Secrets:       secretStore,
		Catalog:       d.catalog,
		Runner:        gitsync.ExecRunner{Bin: env.String("FASTFLOW_GIT_BIN", "git")},
		Metrics:       d.metrics,
		Notifier:      notifier,
		// Snapshots are kept until the engine can vouch for every live run.
		InUse: func() ([]string, bool) {
			if d.engine == nil {
				return nil, false
			}
			return d.engine.PipelineDirs()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("git sync init failed: %w", err)
	}
	if err := d.syncer.Bootstrap(ctx); err != nil {
		logger.Warn("pipeline catalog bootstrap failed", "error", err)
	}

	if err := d.openExecutor(); err != nil {
		return nil, err
	}

	d.admission, err = admission.New(admission.Config{
		Logger:    logger,
		Runs:      d.runs,
		Pipelines: d.catalog,
		Files:     files,
		Limit:     cfg.ConcurrencyLimit,
		Metrics:   d.metrics,
		Notifier:  notifier,
	})
	if err != nil {
		return nil, err
	}

	d.stream = stream.New(stream.Config{
		LogHistory: cfg.LogHistory,
		Buffer:     cfg.StreamBuffer,
		Retention:  cfg.StreamRetention,
		Metrics:    d.metrics,
	})
	mon := monitor.New(monitor.Config{
		Logger:    logger,
		Interval:  cfg.MonitorInterval,
		Runs:      d.runs,
		Publisher: d.stream,
		Metrics:   d.metrics,
		Notifier:  notifier,
	})

	engineCfg := engine.Config{
		Logger:        logger,
		Runs:          d.runs,
		Slots:         d.admission,
		Pipelines:     d.catalog,
		Executor:      d.executor,
		Monitor:       mon,
		Stream:        d.stream,
		Image:         cfg.WorkerImage,
		CancelGrace:   cfg.CancelGrace,
		CancelTimeout: cfg.CancelTimeout,
		LaunchTimeout: cfg.LaunchTimeout,
		Metrics:       d.metrics,
		Notifier:      notifier,
	}
	if archiver != nil {
		engineCfg.Archiver = archiver
	}
	d.engine, err = engine.New(engineCfg)
	if err != nil {
		return nil, err
	}
	d.admission.SetLauncher(d.engine.Start)

	if err := d.admission.Reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	if err := d.engine.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover runs: %w", err)
	}

	d.sweeper = &runlog.Sweeper{
		Runs:      d.runs,
		Files:     files,
		Retention: cfg.LogRetention,
		Archiving: archiver != nil,
		Logger:    logger,
	}

	api := &schedulerAPI{
		logger:    logger,
		runs:      d.runs,
		pipelines: d.catalog,
		admission: d.admission,
		engine:    d.engine,
		sync:      d.syncer,
		files:     runlog.Reader{Archive: archiver},
		stream:    d.stream,
		audit:     &auditlog.Recorder{Logger: logger, Service: serviceName},
		executor:  d.executor.Kind(),
	}
	if d.db != nil {
		api.audit.DB = d.db
	}

	d.handler, err = d.router(ctx, api, storeCfg, storeClient)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// openStore picks the run store. A configured database also backs the audit
// log when runs are kept in memory.
func (d *daemon) openStore(ctx context.Context) error {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if d.cfg.Store == storePostgres && !dbCfg.Enabled() {
		return errors.New("DATABASE_URL is required when FASTFLOW_STORE=postgres")
	}
	if dbCfg.Enabled() {
		db, err := postgres.OpenAndMigrate(ctx, dbCfg, pgrepo.Migrations, "migrations")
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		d.db = db
		d.closers = append(d.closers, db.Close)
	}
	if d.cfg.Store == storePostgres {
		d.runs = pgrepo.NewRunStore(d.db)
	} else {
		d.runs = memory.NewRunStore()
	}
	d.logger.Info("run store ready", "store", d.cfg.Store, "audit", d.db != nil)
	return nil
}

func (d *daemon) openObjectStore(ctx context.Context) (objectstore.Config, *minio.Client, error) {
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return storeCfg, nil, fmt.Errorf("invalid object store config: %w", err)
	}
	if !storeCfg.Enabled() {
		return storeCfg, nil, nil
	}
	client, err := objectstore.NewClient(storeCfg)
	if err != nil {
		return storeCfg, nil, fmt.Errorf("object store client init failed: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.PrepareLogBucket(startupCtx, client, storeCfg); err != nil {
		return storeCfg, nil, fmt.Errorf("object store unavailable: %w", err)
	}
	return storeCfg, client, nil
}

func (d *daemon) openExecutor() error {
	switch d.cfg.Executor {
	case executorKubernetes:
		k8sCfg, err := k8s.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("invalid k8s config: %w", err)
		}
		clients, err := k8s.NewClients(k8sCfg)
		if err != nil {
			return fmt.Errorf("k8s client init failed: %w", err)
		}
		exec, err := runtimeexec.NewKubernetesExecutor(clients, runtimeexec.KubernetesOptions{
			Logger:         d.logger,
			JobTTLSeconds:  k8sCfg.JobTTLSeconds,
			ServiceAccount: d.cfg.K8sSvcAccount,
		})
		if err != nil {
			return fmt.Errorf("k8s executor init failed: %w", err)
		}
		d.executor = exec
	default:
		exec, err := runtimeexec.NewDockerExecutor(runtimeexec.DockerOptions{Logger: d.logger, Network: d.cfg.DockerNetwork})
		if err != nil {
			return fmt.Errorf("docker executor init failed: %w", err)
		}
		d.closers = append(d.closers, exec.Close)
		d.executor = exec
	}
	d.logger.Info("executor ready", "executor", d.executor.Kind())
	return nil
}

func (d *daemon) router(ctx context.Context, api *schedulerAPI, storeCfg objectstore.Config, storeClient *minio.Client) (http.Handler, error) {
	checks := []httpserver.ReadinessCheck{{
		Name:  "executor",
		Check: d.executor.Ping,
	}}
	if d.db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return d.db.PingContext(checkCtx)
			},
		})
	}
	if storeClient != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckLogBucket(checkCtx, storeClient, storeCfg)
			},
		})
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Get("/healthz", httpserver.Healthz(serviceName))
	r.Get("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	r.Handle("/metrics", d.metrics.Handler())
	r.Route("/api", api.register)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		return nil, fmt.Errorf("auth init failed: %w", err)
	}
	var handler http.Handler = r
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        d.logger,
			Authenticator: authenticator,
			Authorize:     auth.RoleAuthorizer(),
			Audit:         api.audit.AuthDeny,
			SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
		}.Wrap(r)
	} else {
		d.logger.Warn("authentication disabled", "auth_mode", authCfg.Mode)
	}
	return httpserver.Wrap(d.logger, serviceName, handler), nil
}

// run serves until ctx is done, then detaches from live runs. Workloads keep
// running and are re-attached on the next start.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, d.logger, httpserver.Config{
			Service:         serviceName,
			Addr:            d.cfg.HTTPAddr,
			ShutdownTimeout: d.cfg.ShutdownTimeout,
		}, d.handler)
	})
	g.Go(func() error { return d.stream.Run(gctx) })
	g.Go(func() error { return d.syncer.Run(gctx) })
	if d.cfg.LogRetention > 0 {
		g.Go(func() error { return d.runRetention(gctx) })
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := d.engine.Shutdown(shutdownCtx); shutdownErr != nil {
		d.logger.Warn("engine shutdown incomplete", "error", shutdownErr)
	}
	return err
}

func (d *daemon) runRetention(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(d.cfg.RetentionSchedule, func() {
		n, err := d.sweeper.Sweep(ctx)
		if err != nil {
			d.logger.Warn("log retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			d.logger.Info("log retention sweep", "removed", n)
		}
	}); err != nil {
		return fmt.Errorf("retention schedule: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
	d.closers = nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
