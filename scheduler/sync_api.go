package main

import (
	"net/http"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
)

const defaultSyncLogLimit = 100

type syncRequest struct {
	Branch string `json:"branch" validate:"omitempty,max=255"`
}

func (api *schedulerAPI) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !api.decodeBody(w, r, &req, true) {
		return
	}
	status, err := api.sync.Sync(r.Context(), req.Branch)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "repo.sync", "repository", status.Branch, map[string]any{
		"commit":  status.LastCommit,
		"added":   status.Added,
		"updated": status.Updated,
		"removed": status.Removed,
	})
	httpserver.WriteJSON(w, http.StatusOK, status)
}

func (api *schedulerAPI) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.sync.Status())
}

func (api *schedulerAPI) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseIntQuery(w, r, "limit", defaultSyncLogLimit)
	if !ok {
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, api.sync.Logs(max(limit, 1)))
}

// repoConfigResponse never carries credentials, only whether one is stored.
type repoConfigResponse struct {
	domain.RepoConfig
	HasToken     bool `json:"has_token"`
	HasDeployKey bool `json:"has_deploy_key"`
}

func repoConfigView(cfg domain.RepoConfig) repoConfigResponse {
	return repoConfigResponse{RepoConfig: cfg, HasToken: cfg.TokenRef != "", HasDeployKey: cfg.DeployKeyRef != ""}
}

func (api *schedulerAPI) handleGetRepoConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := api.sync.Config()
	if !ok {
		api.writeFailure(w, r, domain.ErrRepoNotConfigured)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, repoConfigView(cfg))
}

type repoConfigRequest struct {
	RepoURL          string `json:"repo_url" validate:"required,max=2048"`
	Branch           string `json:"branch" validate:"omitempty,max=255"`
	Subdir           string `json:"subdir" validate:"omitempty,max=1024"`
	AuthMode         string `json:"auth_mode" validate:"omitempty,oneof=none token deploy_key"`
	Token            string `json:"token" validate:"omitempty,max=4096"`
	AutoSyncSchedule string `json:"auto_sync_schedule" validate:"omitempty,max=128"`
}

func (api *schedulerAPI) handleSaveRepoConfig(w http.ResponseWriter, r *http.Request) {
	var req repoConfigRequest
	if !api.decodeBody(w, r, &req, false) {
		return
	}
	saved, err := api.sync.SaveConfig(r.Context(), domain.RepoConfig{
		RepoURL:          req.RepoURL,
		Branch:           req.Branch,
		Subdir:           req.Subdir,
		AuthMode:         domain.RepoAuthMode(req.AuthMode),
		AutoSyncSchedule: req.AutoSyncSchedule,
	}, req.Token)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "repo.config.save", "repository", saved.RepoURL, map[string]any{
		"branch":        saved.Branch,
		"auth_mode":     saved.AuthMode,
		"token_updated": req.Token != "",
	})
	httpserver.WriteJSON(w, http.StatusOK, repoConfigView(saved))
}

type deployKeyRequest struct {
	RepoURL string `json:"repo_url" validate:"required,max=2048"`
	Branch  string `json:"branch" validate:"omitempty,max=255"`
	Subdir  string `json:"subdir" validate:"omitempty,max=1024"`
}

func (api *schedulerAPI) handleGenerateDeployKey(w http.ResponseWriter, r *http.Request) {
	var req deployKeyRequest
	if !api.decodeBody(w, r, &req, false) {
		return
	}
	publicKey, err := api.sync.GenerateDeployKey(r.Context(), req.RepoURL, req.Branch, req.Subdir)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "repo.deploy_key.generate", "repository", req.RepoURL, nil)
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"public_key": publicKey})
}

func (api *schedulerAPI) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.sync.TestConnection(r.Context()))
}

func (api *schedulerAPI) handleDeleteRepoConfig(w http.ResponseWriter, r *http.Request) {
	if err := api.sync.DeleteConfig(r.Context()); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.audit.Record(r, "repo.config.delete", "repository", "repo-config", nil)
	w.WriteHeader(http.StatusNoContent)
}
