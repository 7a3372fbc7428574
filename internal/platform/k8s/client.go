package k8s

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/fastflow-labs/fastflow/internal/platform/env"
)

const defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

type Config struct {
	Kubeconfig    string
	Namespace     string
	JobTTLSeconds int
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Int("FASTFLOW_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Kubeconfig:    env.String("FASTFLOW_K8S_KUBECONFIG", ""),
		Namespace:     env.String("FASTFLOW_K8S_NAMESPACE", ""),
		JobTTLSeconds: ttl,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JobTTLSeconds < 0 {
		return errors.New("FASTFLOW_K8S_JOB_TTL_SECONDS must be non-negative")
	}
	return nil
}

// Clients bundles the typed and metrics clientsets for one namespace.
type Clients struct {
	Core      kubernetes.Interface
	Metrics   metricsclient.Interface
	Namespace string
}

// NewClients prefers the in-cluster service account and falls back to a
// kubeconfig file.
func NewClients(cfg Config) (*Clients, error) {
	restCfg, inCluster, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	core, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s metrics clientset: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" && inCluster {
		if b, err := os.ReadFile(defaultNamespaceFile); err == nil {
			namespace = strings.TrimSpace(string(b))
		}
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Clients{Core: core, Metrics: metrics, Namespace: namespace}, nil
}

func restConfig(kubeconfig string) (*rest.Config, bool, error) {
	if strings.TrimSpace(kubeconfig) == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, true, nil
		}
		home, _ := os.UserHomeDir()
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, false, fmt.Errorf("k8s config: %w", err)
	}
	return cfg, false, nil
}
