//go:build integration

package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBackupLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.WriteConfig("")

	h.WriteFile("notes.txt", "hello\n")
	h.WriteFile("journal/2026-10-15.md", "# today\n")
	h.WriteFile("huge.txt", strings.Repeat("x", 4096))
	h.WriteFile("debug.log", "noise\n")

	t.Run("A_FirstRunPublishesPrimary", func(t *testing.T) {
		out, err := h.Run(ctx, "run", "--non-interactive")
		if err != nil {
			t.Fatalf("run failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "Backup successful.") {
			t.Errorf("missing success message:\n%s", out)
		}

		if got := h.RemoteFile("main", "notes.txt"); got != "hello" {
			t.Errorf("notes.txt on remote = %q", got)
		}
		if got := h.RemoteFile("main", "journal/2026-10-15.md"); got != "# today" {
			t.Errorf("journal entry on remote = %q", got)
		}
		ignore := h.RemoteFile("main", ".gitignore")
		for _, want := range []string{"/huge.txt", "/debug.log"} {
			if !strings.Contains(ignore, want) {
				t.Errorf(".gitignore missing %s:\n%s", want, ignore)
			}
		}
	})

	t.Run("B_DryRunDoesNotPush", func(t *testing.T) {
		before := h.RemoteCommits("main")
		h.WriteFile("notes.txt", "changed\n")

		out, err := h.Run(ctx, "run", "--dry-run", "--non-interactive")
		if err != nil {
			t.Fatalf("dry run failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "Dry run successful.") {
			t.Errorf("missing dry run message:\n%s", out)
		}
		if after := h.RemoteCommits("main"); after != before {
			t.Errorf("dry run changed remote history: %s -> %s", before, after)
		}
	})

	t.Run("C_UnchangedRunPushesNothingNew", func(t *testing.T) {
		h.WriteFile("notes.txt", "hello\n")
		before := h.RemoteCommits("main")

		out, err := h.Run(ctx, "run", "--non-interactive")
		if err != nil {
			t.Fatalf("run failed: %v\n%s", err, out)
		}
		if after := h.RemoteCommits("main"); after != before {
			t.Errorf("expected no new commit, got %s -> %s", before, after)
		}
	})

	t.Run("D_StatusAndDurableLog", func(t *testing.T) {
		out, err := h.Run(ctx, "status")
		if err != nil {
			t.Fatalf("status failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "Pushed-Primary") {
			t.Errorf("status does not show last run state:\n%s", out)
		}

		logPath := filepath.Join(filepath.Dir(h.Config), "giterdone.log")
		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("read durable log: %v", err)
		}
		if strings.Count(string(data), "backup successful") < 2 {
			t.Errorf("durable log does not cover every run:\n%s", data)
		}
	})
}

func TestRemoteMismatchIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	h.WriteConfig("")
	h.WriteFile("notes.txt", "hello\n")

	if out, err := h.Run(ctx, "run", "--non-interactive"); err != nil {
		t.Fatalf("first run failed: %v\n%s", err, out)
	}

	// Point the existing working copy at another remote.
	workingCopy := filepath.Join(filepath.Dir(h.Config), "remote")
	other := filepath.Join(t.TempDir(), "other.git")
	h.Git(workingCopy, "remote", "set-url", "origin", other)

	out, err := h.Run(ctx, "run", "--non-interactive")
	if err == nil {
		t.Fatalf("expected failure for mismatched remote:\n%s", out)
	}
	if !strings.Contains(out, "does not match") {
		t.Errorf("expected remote mismatch in output:\n%s", out)
	}
}
