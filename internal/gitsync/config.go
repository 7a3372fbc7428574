package gitsync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/secrets"
)

const (
	tokenSecretRef     = "git-token"
	deployKeySecretRef = "git-deploy-key"
	deployKeyComment   = "fastflow-deploy-key"
	defaultBranch      = "main"
)

// fileConfig is the on-disk form. Secret references are persisted here but
// never serialized in API responses.
type fileConfig struct {
	domain.RepoConfig
	TokenRef     string `json:"token_ref,omitempty"`
	DeployKeyRef string `json:"deploy_key_ref,omitempty"`
}

func readConfig(path string) (*domain.RepoConfig, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repo config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("decode repo config: %w", err)
	}
	cfg := fc.RepoConfig
	cfg.TokenRef = fc.TokenRef
	cfg.DeployKeyRef = fc.DeployKeyRef
	return &cfg, nil
}

func writeConfig(path string, cfg domain.RepoConfig) error {
	b, err := json.MarshalIndent(fileConfig{RepoConfig: cfg, TokenRef: cfg.TokenRef, DeployKeyRef: cfg.DeployKeyRef}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode repo config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write repo config: %w", err)
	}
	return os.Rename(tmp, path)
}

func (e *Engine) normalize(cfg domain.RepoConfig) (domain.RepoConfig, error) {
	cfg.RepoURL = strings.TrimSpace(cfg.RepoURL)
	cfg.Branch = strings.TrimSpace(cfg.Branch)
	cfg.Subdir = strings.Trim(strings.TrimSpace(cfg.Subdir), "/")
	cfg.AutoSyncSchedule = strings.TrimSpace(cfg.AutoSyncSchedule)
	if cfg.Branch == "" {
		cfg.Branch = defaultBranch
	}
	if cfg.Subdir == "" {
		cfg.Subdir = e.defaultSubdir
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = domain.RepoAuthNone
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if !branchPattern.MatchString(cfg.Branch) {
		return cfg, fmt.Errorf("%w: invalid branch %q", domain.ErrInvalidInput, cfg.Branch)
	}
	if cfg.AutoSyncSchedule != "" {
		if _, err := cron.ParseStandard(cfg.AutoSyncSchedule); err != nil {
			return cfg, fmt.Errorf("%w: invalid auto sync schedule: %w", domain.ErrInvalidInput, err)
		}
	}
	return cfg, nil
}

// SaveConfig validates and persists the repository configuration. An empty
// token keeps the stored one. Changing the repository URL discards the working
// tree so the next sync clones fresh.
func (e *Engine) SaveConfig(ctx context.Context, cfg domain.RepoConfig, token string) (domain.RepoConfig, error) {
	if !e.syncMu.TryLock() {
		return domain.RepoConfig{}, domain.ErrSyncConflict
	}
	defer e.syncMu.Unlock()

	cfg, err := e.normalize(cfg)
	if err != nil {
		return domain.RepoConfig{}, err
	}
	prev, _ := e.Config()

	cfg.DeployKeyRef = prev.DeployKeyRef
	cfg.PublicKey = prev.PublicKey
	switch {
	case cfg.AuthMode == domain.RepoAuthToken && strings.TrimSpace(token) != "":
		if err := e.secrets.Put(ctx, tokenSecretRef, []byte(strings.TrimSpace(token))); err != nil {
			return domain.RepoConfig{}, fmt.Errorf("store token: %w", err)
		}
		cfg.TokenRef = tokenSecretRef
	case cfg.AuthMode == domain.RepoAuthToken:
		cfg.TokenRef = prev.TokenRef
	default:
		if prev.TokenRef != "" {
			if err := e.secrets.Delete(ctx, prev.TokenRef); err != nil {
				return domain.RepoConfig{}, fmt.Errorf("delete token: %w", err)
			}
		}
		cfg.TokenRef = ""
	}
	if cfg.AuthMode == domain.RepoAuthDeployKey && cfg.DeployKeyRef == "" {
		return domain.RepoConfig{}, fmt.Errorf("%w: generate a deploy key first", domain.ErrInvalidInput)
	}

	if prev.RepoURL != "" && prev.RepoURL != cfg.RepoURL {
		if err := os.RemoveAll(e.workDir); err != nil {
			return domain.RepoConfig{}, fmt.Errorf("remove working tree: %w", err)
		}
		e.logf(levelInfo, "repository url changed, working tree removed")
	}
	if err := e.storeConfig(cfg); err != nil {
		return domain.RepoConfig{}, err
	}
	e.logger.Info("repo config saved", "repo_url", cfg.RepoURL, "branch", cfg.Branch, "auth_mode", cfg.AuthMode)
	return cfg, nil
}

// GenerateDeployKey creates a fresh ed25519 key pair, keeps the private key in
// the secret store and returns the public key in authorized_keys format.
func (e *Engine) GenerateDeployKey(ctx context.Context, repoURL, branch, subdir string) (string, error) {
	if !e.syncMu.TryLock() {
		return "", domain.ErrSyncConflict
	}
	defer e.syncMu.Unlock()

	prev, _ := e.Config()
	cfg := prev
	if strings.TrimSpace(repoURL) != "" {
		cfg.RepoURL = repoURL
	}
	if branch != "" {
		cfg.Branch = branch
	}
	if subdir != "" {
		cfg.Subdir = subdir
	}
	cfg.AuthMode = domain.RepoAuthDeployKey
	cfg, err := e.normalize(cfg)
	if err != nil {
		return "", err
	}

	privatePEM, publicKey, err := newDeployKey()
	if err != nil {
		return "", err
	}
	if err := e.secrets.Put(ctx, deployKeySecretRef, privatePEM); err != nil {
		return "", fmt.Errorf("store deploy key: %w", err)
	}
	if prev.TokenRef != "" {
		if err := e.secrets.Delete(ctx, prev.TokenRef); err != nil {
			e.logger.Warn("delete token failed", "error", err)
		}
	}
	cfg.TokenRef = ""
	cfg.DeployKeyRef = deployKeySecretRef
	cfg.PublicKey = publicKey

	if prev.RepoURL != "" && prev.RepoURL != cfg.RepoURL {
		if err := os.RemoveAll(e.workDir); err != nil {
			return "", fmt.Errorf("remove working tree: %w", err)
		}
	}
	if err := e.storeConfig(cfg); err != nil {
		return "", err
	}
	e.logf(levelInfo, "deploy key generated")
	e.logger.Info("deploy key generated", "repo_url", cfg.RepoURL)
	return publicKey, nil
}

func newDeployKey() ([]byte, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, deployKeyComment)
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("marshal public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + deployKeyComment
	return pem.EncodeToMemory(block), authorized, nil
}

// DeleteConfig removes the configuration, its secrets and the working tree.
// The catalog keeps the pipelines of the last successful sync; their snapshot
// stays on disk.
func (e *Engine) DeleteConfig(ctx context.Context) error {
	if !e.syncMu.TryLock() {
		return domain.ErrSyncConflict
	}
	defer e.syncMu.Unlock()

	prev, ok := e.Config()
	if !ok {
		return domain.ErrRepoNotConfigured
	}
	var errs []error
	for _, ref := range []string{prev.TokenRef, prev.DeployKeyRef} {
		if ref == "" {
			continue
		}
		if err := e.secrets.Delete(ctx, ref); err != nil && !errors.Is(err, secrets.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(e.configPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(e.workDir); err != nil {
		errs = append(errs, err)
	}

	e.mu.Lock()
	e.cfg = nil
	e.status.Status = domain.SyncStateNever
	e.status.RemoteURL = ""
	e.status.LastCommit = ""
	e.status.Message = "repository configuration removed"
	e.mu.Unlock()
	e.schedule("")
	e.logf(levelInfo, "repository configuration removed")
	return errors.Join(errs...)
}

// Config returns the current configuration; ok is false when none is saved.
func (e *Engine) Config() (domain.RepoConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cfg == nil {
		return domain.RepoConfig{}, false
	}
	return *e.cfg, true
}

func (e *Engine) storeConfig(cfg domain.RepoConfig) error {
	cfg.UpdatedAt = e.now().UTC()
	if err := writeConfig(e.configPath, cfg); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = &cfg
	e.status.Branch = cfg.Branch
	e.status.RemoteURL = cfg.RepoURL
	e.mu.Unlock()
	e.schedule(cfg.AutoSyncSchedule)
	return nil
}
