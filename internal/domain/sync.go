package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type SyncState string

const (
	SyncStateNever   SyncState = "never"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSuccess SyncState = "success"
	SyncStateFailed  SyncState = "failed"
)

// SyncStatus describes the outcome of the latest repository sync.
type SyncStatus struct {
	Branch          string     `json:"branch"`
	RemoteURL       string     `json:"remote_url,omitempty"`
	LastCommit      string     `json:"last_commit,omitempty"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
	Status          SyncState  `json:"status"`
	Message         string     `json:"message,omitempty"`
	PipelinesCached []string   `json:"pipelines_cached"`
	Added           []string   `json:"added,omitempty"`
	Updated         []string   `json:"updated,omitempty"`
	Removed         []string   `json:"removed,omitempty"`
}

type RepoAuthMode string

const (
	RepoAuthNone      RepoAuthMode = "none"
	RepoAuthToken     RepoAuthMode = "token"
	RepoAuthDeployKey RepoAuthMode = "deploy_key"
)

// RepoConfig is the pipeline repository configuration. Credentials are held by
// reference only.
type RepoConfig struct {
	RepoURL          string       `json:"repo_url"`
	Branch           string       `json:"branch"`
	Subdir           string       `json:"subdir,omitempty"`
	AuthMode         RepoAuthMode `json:"auth_mode"`
	TokenRef         string       `json:"-"`
	DeployKeyRef     string       `json:"-"`
	PublicKey        string       `json:"public_key,omitempty"`
	AutoSyncSchedule string       `json:"auto_sync_schedule,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (c RepoConfig) Validate() error {
	repoURL := strings.TrimSpace(c.RepoURL)
	if repoURL == "" {
		return errors.New("repo url is required")
	}
	if !IsSSHURL(repoURL) {
		u, err := url.Parse(repoURL)
		if err != nil {
			return fmt.Errorf("invalid repo url: %w", err)
		}
		switch u.Scheme {
		case "https", "http", "file":
		default:
			return fmt.Errorf("unsupported repo url scheme %q", u.Scheme)
		}
		if u.User != nil {
			return errors.New("repo url must not embed credentials")
		}
	}
	switch c.AuthMode {
	case RepoAuthNone, RepoAuthToken:
	case RepoAuthDeployKey:
		if !IsSSHURL(repoURL) {
			return errors.New("deploy key auth requires an ssh repo url")
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.AuthMode)
	}
	if strings.Contains(c.Subdir, "..") {
		return errors.New("subdir must not escape the repository")
	}
	return nil
}

func IsSSHURL(raw string) bool {
	return strings.HasPrefix(raw, "git@") || strings.HasPrefix(raw, "ssh://")
}
