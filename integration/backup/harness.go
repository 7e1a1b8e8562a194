//go:build integration

package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/giterdone/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the giterdone binary and runs it against a local bare
// remote inside an isolated home directory.
type Harness struct {
	t       *testing.T
	binary  string
	home    string
	Remote  string
	Roots   string
	Config  string
	Env     []string
	keepDir bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	base := t.TempDir()
	h := &Harness{
		t:       t,
		binary:  filepath.Join(base, "bin", "giterdone"),
		home:    filepath.Join(base, "home"),
		Remote:  filepath.Join(base, "remote.git"),
		Roots:   filepath.Join(base, "data"),
		Config:  filepath.Join(base, "home", ".config", "giterdone", "config.yaml"),
		keepDir: os.Getenv("INTEGRATION_KEEP_DIR") == "1",
	}
	h.Env = testutil.GitEnv(h.home)

	for _, dir := range []string{h.home, h.Roots} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	testutil.Git(t, h.Env, "", "init", "--bare", "-b", "main", h.Remote)

	t.Cleanup(func() {
		if h.keepDir && t.Failed() {
			t.Logf("Test failed and INTEGRATION_KEEP_DIR=1, files kept in %s", base)
		}
	})
	return h
}

// BuildBinary compiles giterdone from the project root.
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/giterdone")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes a configuration pointing at the bare remote. SSH auth
// is used with a placeholder key; local paths never reach ssh.
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	stateDir := filepath.Join(h.home, ".config", "giterdone")
	keyFile := filepath.Join(stateDir, "ssh", "id_giterdone")
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, []byte("placeholder\n"), 0o600); err != nil {
		h.t.Fatal(err)
	}

	content := fmt.Sprintf(`repo:
  url: %q
auth:
  method: ssh
  ssh_key_file: %q
backup:
  roots:
    - %q
  max_file_size: 1024
paths:
  state_dir: %q
%s`, h.Remote, keyFile, h.Roots, stateDir, extra)
	if err := os.WriteFile(h.Config, []byte(content), 0o600); err != nil {
		h.t.Fatal(err)
	}
}

// WriteFile creates a file below the backup root.
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.Roots, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes giterdone with args and returns its combined output.
func (h *Harness) Run(ctx context.Context, args ...string) (string, error) {
	h.t.Helper()
	args = append(args, "--config", h.Config)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = h.Env
	out, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		h.t.Log("[giterdone] " + line)
	}
	return string(out), err
}

// RemoteFile returns the content of path on branch in the remote.
func (h *Harness) RemoteFile(branch, path string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.Env, h.Remote, "show", branch+":"+path)
}

// RemoteCommits returns the commit count on branch.
func (h *Harness) RemoteCommits(branch string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.Env, h.Remote, "rev-list", "--count", branch)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

// Git runs git in dir.
func (h *Harness) Git(dir string, args ...string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.Env, dir, args...)
}
