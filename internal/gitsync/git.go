package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

// Runner executes git. The sync engine never shells out any other way.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (string, error)
}

// ExecRunner runs the git binary found on PATH.
type ExecRunner struct {
	Bin string
}

func (r ExecRunner) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	bin := r.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if err != nil {
		return text, &CommandError{Args: args, Output: text, Err: err}
	}
	return text, nil
}

// CommandError carries git's combined output so failures can be classified.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	verb := ""
	if len(e.Args) > 0 {
		verb = e.Args[0]
	}
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", verb, e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", verb, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

var authFailureMarkers = []string{
	"authentication failed",
	"could not read username",
	"could not read password",
	"permission denied (publickey",
	"host key verification failed",
	"terminal prompts disabled",
	"repository not found",
	"access denied",
	"the requested url returned error: 401",
	"the requested url returned error: 403",
	"invalid username or password",
}

// classify marks remote credential rejections as auth failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}
	lower := strings.ToLower(cmdErr.Output)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %w", domain.ErrAuthFailure, err)
		}
	}
	return err
}

var credentialURLPattern = regexp.MustCompile(`(?i)(https?://)[^/@\s]+@`)

// redact removes credentials from git output before it is logged or returned.
func redact(text string, secrets ...string) string {
	text = credentialURLPattern.ReplaceAllString(text, "${1}"+domain.RedactedValue+"@")
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			text = strings.ReplaceAll(text, s, domain.RedactedValue)
		}
	}
	return text
}

const tokenEnv = "FASTFLOW_GIT_TOKEN"

// askpassScript reads the token from the environment so it is never written to disk.
const askpassScript = `#!/bin/sh
case "$1" in
Username*) echo "x-access-token" ;;
*) printf '%s\n' "$` + tokenEnv + `" ;;
esac
`

// credentials holds the per-command auth environment and its temp files.
type credentials struct {
	env     []string
	secrets []string
	dir     string
}

func (c *credentials) cleanup() {
	if c != nil && c.dir != "" {
		_ = os.RemoveAll(c.dir)
	}
}

func newCredentials(cfg domain.RepoConfig, token string, privateKey []byte, knownHosts string) (*credentials, error) {
	c := &credentials{env: []string{"GIT_TERMINAL_PROMPT=0"}}
	switch cfg.AuthMode {
	case domain.RepoAuthToken:
		if token == "" {
			return c, nil
		}
		dir, err := os.MkdirTemp("", "fastflow-git-*")
		if err != nil {
			return nil, fmt.Errorf("create askpass dir: %w", err)
		}
		c.dir = dir
		script := filepath.Join(dir, "askpass.sh")
		if err := os.WriteFile(script, []byte(askpassScript), 0o700); err != nil {
			c.cleanup()
			return nil, fmt.Errorf("write askpass: %w", err)
		}
		c.env = append(c.env, "GIT_ASKPASS="+script, tokenEnv+"="+token)
		c.secrets = append(c.secrets, token)
	case domain.RepoAuthDeployKey:
		if len(privateKey) == 0 {
			return nil, errors.New("deploy key has not been generated")
		}
		dir, err := os.MkdirTemp("", "fastflow-git-*")
		if err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		c.dir = dir
		keyPath := filepath.Join(dir, "id_ed25519")
		if err := os.WriteFile(keyPath, privateKey, 0o600); err != nil {
			c.cleanup()
			return nil, fmt.Errorf("write deploy key: %w", err)
		}
		ssh := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", keyPath)
		if knownHosts != "" {
			ssh += " -o UserKnownHostsFile=" + knownHosts
		}
		c.env = append(c.env, "GIT_SSH_COMMAND="+ssh)
	}
	return c, nil
}
