package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Endpoint:   "localhost:9000",
		AccessKey:  "a",
		SecretKey:  "b",
		Region:     "us-east-1",
		BucketLogs: "run-logs",
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())
	assert.True(t, validConfig().Enabled())

	withScheme := validConfig()
	withScheme.Endpoint = "http://localhost:9000"
	require.ErrorContains(t, withScheme.Validate(), "host:port")

	noSecret := validConfig()
	noSecret.SecretKey = ""
	require.ErrorContains(t, noSecret.Validate(), "FASTFLOW_MINIO_SECRET_KEY")

	negative := validConfig()
	negative.ArchiveExpiryDays = -1
	require.Error(t, negative.Validate())
}

func TestConfigDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("FASTFLOW_MINIO_ENDPOINT", "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled())

	_, err = NewClient(cfg)
	require.Error(t, err)
}

func TestConfigFromEnvRejectsBadExpiry(t *testing.T) {
	t.Setenv("FASTFLOW_ARCHIVE_EXPIRY_DAYS", "forever")
	_, err := ConfigFromEnv()
	require.ErrorContains(t, err, "FASTFLOW_ARCHIVE_EXPIRY_DAYS")
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(validConfig())
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", client.EndpointURL().Host)
}

func TestExpiryLifecycle(t *testing.T) {
	lc := expiryLifecycle(30)
	require.Len(t, lc.Rules, 1)
	rule := lc.Rules[0]
	assert.Equal(t, "Enabled", rule.Status)
	assert.Equal(t, ArchivePrefix, rule.RuleFilter.Prefix)
	assert.EqualValues(t, 30, rule.Expiration.Days)
}
