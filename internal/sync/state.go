package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/giterdone/internal/git"
)

// Report summarizes one backup run. It is persisted so that status can show
// the outcome of the last run.
type Report struct {
	RunID        string            `json:"run_id,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	DryRun       bool              `json:"dry_run"`
	Eligible     int               `json:"eligible"`
	Excluded     int               `json:"excluded"`
	WalkErrors   int               `json:"walk_errors"`
	Copied       int               `json:"copied"`
	Unchanged    int               `json:"unchanged"`
	CopyFailures int               `json:"copy_failures"`
	Commit       git.CommitOutcome `json:"commit"`
	State        git.State         `json:"state"`
	Error        string            `json:"error,omitempty"`
}

// Succeeded reports whether the run ended without a fatal error.
func (r *Report) Succeeded() bool { return r.Error == "" }

// Plan represents the copy operations of one run
type Plan struct {
	Copy      []FileOp
	Unchanged []FileOp
}

// FileOp represents a file operation
type FileOp struct {
	SourcePath string // absolute path of the backed up file
	DestPath   string // absolute path in the working copy
	Hash       string // content hash of the source, empty if unreadable
}

// SaveReport persists the report as JSON.
func SaveReport(fs afero.Fs, path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// LoadReport loads the last persisted report. It returns (nil, nil) when no
// run has been recorded yet.
func LoadReport(fs afero.Fs, path string) (*Report, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("corrupt run report %s: %w", path, err)
	}
	return &report, nil
}
