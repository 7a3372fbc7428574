package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

const snapshotTmpPrefix = ".tmp-"

// InUse reports the pipeline directories of live runs. complete is false when
// some live run's directory is unknown, e.g. after a re-attach.
type InUse func() (dirs []string, complete bool)

// snapshot materializes the pipelines directory of commit under
// <data>/snapshots/<commit>. Runs execute from snapshots, so a later sync or
// config change never rewrites files under a live workload. An existing
// snapshot of the same commit is reused.
func (e *Engine) snapshot(ctx context.Context, cfg domain.RepoConfig, commit string) (string, error) {
	dir := filepath.Join(e.snapshotsDir, commit)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(e.snapshotsDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshots dir: %w", err)
	}
	tmp, err := os.MkdirTemp(e.snapshotsDir, snapshotTmpPrefix+shortCommit(commit)+"-")
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	index := tmp + ".index"
	defer func() { _ = os.Remove(index) }()

	// A private index keeps the working tree's index untouched.
	env := &credentials{env: []string{"GIT_INDEX_FILE=" + index}}
	treeish := commit
	if sub := subdirPath(cfg.Subdir); sub != "" {
		treeish = commit + ":" + sub
	}
	if _, err := e.git(ctx, e.workDir, env, "read-tree", treeish); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if _, err := e.git(ctx, e.workDir, env, "checkout-index", "--all", "--prefix="+tmp+string(filepath.Separator)); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return dir, nil
}

// pruneSnapshots removes snapshots other than keep that no live run uses.
// Nothing is removed while a live run's directory is unknown.
func (e *Engine) pruneSnapshots(keep ...string) {
	if e.inUse == nil {
		return
	}
	dirs, complete := e.inUse()
	if !complete {
		return
	}
	live := map[string]bool{}
	for _, k := range keep {
		if k != "" {
			live[filepath.Clean(k)] = true
		}
	}
	for _, d := range dirs {
		if root := e.snapshotRoot(d); root != "" {
			live[root] = true
		}
	}

	entries, err := os.ReadDir(e.snapshotsDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("list snapshots failed", "error", err)
		}
		return
	}
	for _, entry := range entries {
		dir := filepath.Join(e.snapshotsDir, entry.Name())
		if live[dir] {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("remove snapshot failed", "snapshot", entry.Name(), "error", err)
			continue
		}
		e.logger.Debug("snapshot removed", "snapshot", entry.Name())
	}
}

// snapshotRoot maps a pipeline directory to the snapshot holding it, or "".
func (e *Engine) snapshotRoot(dir string) string {
	rel, err := filepath.Rel(e.snapshotsDir, filepath.Clean(dir))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(e.snapshotsDir, first)
}

// subdirPath is the repository-relative pipelines directory in git syntax.
func subdirPath(subdir string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(subdir)), "/")
}
