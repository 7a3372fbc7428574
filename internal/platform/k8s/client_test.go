package k8s

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://127.0.0.1:6443
  name: local
contexts:
- context:
    cluster: local
    user: local
  name: local
current-context: local
users:
- name: local
  user:
    token: dev-token
`

func TestNewClientsFromKubeconfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfig), 0o600))

	clients, err := NewClients(Config{Kubeconfig: path, Namespace: "pipelines"})
	require.NoError(t, err)
	assert.Equal(t, "pipelines", clients.Namespace)
	assert.NotNil(t, clients.Core)
	assert.NotNil(t, clients.Metrics)

	clients, err = NewClients(Config{Kubeconfig: path})
	require.NoError(t, err)
	assert.Equal(t, "default", clients.Namespace)
}

func TestNewClientsMissingKubeconfig(t *testing.T) {
	_, err := NewClients(Config{Kubeconfig: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FASTFLOW_K8S_JOB_TTL_SECONDS", "-1")
	_, err := ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("FASTFLOW_K8S_JOB_TTL_SECONDS", "120")
	t.Setenv("FASTFLOW_K8S_NAMESPACE", "runs")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.JobTTLSeconds)
	assert.Equal(t, "runs", cfg.Namespace)
}
