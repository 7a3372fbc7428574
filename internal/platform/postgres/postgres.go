package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fastflow-labs/fastflow/internal/platform/env"
)

const applicationName = "fastflow"

type Config struct {
	URL             string
	AutoMigrate     bool
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFromEnv reads the database settings. An empty DATABASE_URL is valid and
// means runs live in memory and audit records are skipped.
func ConfigFromEnv() (Config, error) {
	var errs []error
	keep := func(err error) { errs = append(errs, err) }

	cfg := Config{URL: env.String("DATABASE_URL", "")}
	var err error
	cfg.AutoMigrate, err = env.Bool("DATABASE_AUTO_MIGRATE", true)
	keep(err)
	cfg.PingTimeout, err = env.Duration("DATABASE_PING_TIMEOUT", 2*time.Second)
	keep(err)
	cfg.MaxOpenConns, err = env.Int("DATABASE_MAX_OPEN_CONNS", 10)
	keep(err)
	cfg.MaxIdleConns, err = env.Int("DATABASE_MAX_IDLE_CONNS", 5)
	keep(err)
	cfg.ConnMaxLifetime, err = env.Duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	keep(err)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be between 0 and DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// Open connects through the pgx stdlib driver and checks the connection. The
// session is tagged with application_name unless the URL sets one.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if connCfg.RuntimeParams["application_name"] == "" {
		connCfg.RuntimeParams["application_name"] = applicationName
	}
	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", connCfg.Host, err)
	}
	return db, nil
}

// OpenAndMigrate opens the database and, when AutoMigrate is set, applies the
// embedded migrations.
func OpenAndMigrate(ctx context.Context, cfg Config, migrations fs.FS, dir string) (*sql.DB, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoMigrate {
		return db, nil
	}
	if err := Migrate(ctx, db, migrations, dir); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
