package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ArchivePrefix is the key prefix every run archive is written under.
const ArchivePrefix = "runs/"

const expiryRuleID = "fastflow-expire-run-archives"

func NewClient(cfg Config) (*minio.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("object store endpoint is not configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	})
}

// PrepareLogBucket creates the archive bucket when missing and installs the
// expiry rule for archived runs. A zero ArchiveExpiryDays leaves any existing
// lifecycle untouched.
func PrepareLogBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketLogs)
	if err != nil {
		return fmt.Errorf("stat bucket %s: %w", cfg.BucketLogs, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketLogs, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", cfg.BucketLogs, err)
		}
	}
	if cfg.ArchiveExpiryDays <= 0 {
		return nil
	}
	if err := client.SetBucketLifecycle(ctx, cfg.BucketLogs, expiryLifecycle(cfg.ArchiveExpiryDays)); err != nil {
		return fmt.Errorf("set archive expiry on %s: %w", cfg.BucketLogs, err)
	}
	return nil
}

func expiryLifecycle(days int) *lifecycle.Configuration {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{{
		ID:         expiryRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: ArchivePrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return lc
}

// CheckLogBucket backs the readiness check.
func CheckLogBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketLogs)
	if err != nil {
		return fmt.Errorf("stat bucket %s: %w", cfg.BucketLogs, err)
	}
	if !exists {
		return fmt.Errorf("log archive bucket %s is missing", cfg.BucketLogs)
	}
	return nil
}
