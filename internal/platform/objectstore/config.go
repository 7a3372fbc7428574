package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fastflow-labs/fastflow/internal/platform/env"
)

// Config points at the S3-compatible store that keeps finished run logs. An
// empty endpoint turns archiving off and runs keep their logs on local disk.
type Config struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Region            string
	UseSSL            bool
	BucketLogs        string
	ArchiveExpiryDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, sslErr := env.Bool("FASTFLOW_MINIO_USE_SSL", false)
	expiry, expiryErr := env.Int("FASTFLOW_ARCHIVE_EXPIRY_DAYS", 0)
	if err := errors.Join(sslErr, expiryErr); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:          env.String("FASTFLOW_MINIO_ENDPOINT", ""),
		AccessKey:         env.String("FASTFLOW_MINIO_ACCESS_KEY", ""),
		SecretKey:         env.String("FASTFLOW_MINIO_SECRET_KEY", ""),
		Region:            env.String("FASTFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:            useSSL,
		BucketLogs:        env.String("FASTFLOW_MINIO_BUCKET_LOGS", "fastflow-run-logs"),
		ArchiveExpiryDays: expiry,
	}
	return cfg, cfg.Validate()
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	var missing []string
	for key, v := range map[string]string{
		"FASTFLOW_MINIO_ACCESS_KEY":  c.AccessKey,
		"FASTFLOW_MINIO_SECRET_KEY":  c.SecretKey,
		"FASTFLOW_MINIO_REGION":      c.Region,
		"FASTFLOW_MINIO_BUCKET_LOGS": c.BucketLogs,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("archive enabled but %s not set", strings.Join(missing, ", "))
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("FASTFLOW_MINIO_ENDPOINT must be host:port, got %q", c.Endpoint)
	}
	if c.ArchiveExpiryDays < 0 {
		return errors.New("FASTFLOW_ARCHIVE_EXPIRY_DAYS must be non-negative")
	}
	return nil
}
