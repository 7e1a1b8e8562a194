package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/giterdone/internal/config"
	"github.com/schaermu/giterdone/internal/discovery"
	"github.com/schaermu/giterdone/internal/git"
	"github.com/schaermu/giterdone/internal/trust"
)

const gitignoreHeader = `# Generated by giterdone on every backup run. Local edits are overwritten.
# Each line excludes one file rejected by the size, binary or junk filters.
`

// TimestampFormat is the layout of {{.Timestamp}} in commit messages.
const TimestampFormat = "2006-01-02 15:04:05"

// Repository is the working copy lifecycle the engine drives.
type Repository interface {
	Ensure(ctx context.Context) error
	Commit(ctx context.Context, message string, dryRun bool) (git.CommitOutcome, error)
	Push(ctx context.Context) error
	State() git.State
	Dir() string
}

// Discoverer selects the files to back up.
type Discoverer interface {
	Discover(roots []string) (*discovery.Result, error)
}

// TrustProvisioner makes sure credentials for the remote are in place.
type TrustProvisioner interface {
	Ensure(ctx context.Context, remote git.Remote, prompter trust.Prompter) error
}

// Engine orchestrates one backup run
type Engine struct {
	cfg        *config.Config
	fs         afero.Fs
	repo       Repository
	discoverer Discoverer
	trust      TrustProvisioner
	prompter   trust.Prompter
	logger     *slog.Logger
	dryRun     bool
	now        func() time.Time
}

// NewEngine creates a new backup engine
func NewEngine(cfg *config.Config, fs afero.Fs, repo Repository, discoverer Discoverer,
	provisioner TrustProvisioner, prompter trust.Prompter, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:        cfg,
		fs:         fs,
		repo:       repo,
		discoverer: discoverer,
		trust:      provisioner,
		prompter:   prompter,
		logger:     logger,
		dryRun:     dryRun,
		now:        time.Now,
	}
}

// Run executes the complete backup: trust, working copy sync, discovery,
// materialization, commit and push. The first fatal error stops the run.
// The returned report is never nil.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: e.now(), DryRun: e.dryRun}
	err := e.run(ctx, report)

	report.FinishedAt = e.now()
	report.State = e.repo.State()
	if err != nil {
		report.Error = err.Error()
		e.logger.Error("backup failed", "state", string(report.State), "error", err)
		return report, err
	}

	if e.dryRun {
		e.logger.Info("dry run successful", "eligible", report.Eligible, "excluded", report.Excluded)
	} else {
		e.logger.Info("backup successful", "state", string(report.State), "commit", report.Commit.String())
	}
	return report, nil
}

func (e *Engine) run(ctx context.Context, report *Report) error {
	e.logger.Info("starting backup",
		"repo", e.cfg.Repo.URL,
		"roots", len(e.cfg.Backup.Roots),
		"dry_run", e.dryRun)

	if err := e.trust.Ensure(ctx, e.cfg.Remote(), e.prompter); err != nil {
		return fmt.Errorf("failed to provision credentials: %w", err)
	}

	e.logger.Info("syncing working copy", "dir", e.repo.Dir(), "state", string(e.repo.State()))
	if err := e.repo.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to prepare working copy: %w", err)
	}

	e.logger.Info("discovering files", "roots", e.cfg.Backup.Roots)
	result, err := e.discoverer.Discover(e.cfg.Backup.Roots)
	if err != nil {
		return fmt.Errorf("failed to discover files: %w", err)
	}
	for _, entryErr := range result.Errors {
		e.logger.Warn("skipped unreadable entry", "path", entryErr.Path, "error", entryErr.Err)
	}
	report.Eligible = len(result.Eligible)
	report.Excluded = len(result.Excluded)
	report.WalkErrors = len(result.Errors)
	e.logger.Info("discovery complete",
		"eligible", report.Eligible,
		"excluded", report.Excluded,
		"errors", report.WalkErrors)

	if err := e.writeIgnoreFile(result.IgnorePatterns()); err != nil {
		return err
	}

	plan := e.buildPlan(result.Eligible)
	e.logger.Info("materialization plan",
		"copy", len(plan.Copy),
		"unchanged", len(plan.Unchanged))
	e.applyPlan(plan, report)

	message, err := e.commitMessage()
	if err != nil {
		return err
	}
	outcome, err := e.repo.Commit(ctx, message, e.dryRun)
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	report.Commit = outcome

	if e.dryRun {
		e.logger.Info("dry run, skipping push")
		return nil
	}

	if err := e.repo.Push(ctx); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// writeIgnoreFile replaces the working copy's .gitignore with the exclusion
// patterns of this run.
func (e *Engine) writeIgnoreFile(patterns []string) error {
	var b strings.Builder
	b.WriteString(gitignoreHeader)
	for _, p := range patterns {
		b.WriteString(p)
		b.WriteByte('\n')
	}

	if err := e.fs.MkdirAll(e.repo.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create working copy directory: %w", err)
	}
	path := filepath.Join(e.repo.Dir(), ".gitignore")
	if err := afero.WriteFile(e.fs, path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	e.logger.Info("wrote ignore file", "path", path, "patterns", len(patterns))
	return nil
}

// buildPlan compares every eligible file with its copy in the working copy.
func (e *Engine) buildPlan(files []discovery.EligibleFile) *Plan {
	plan := &Plan{}
	for _, f := range files {
		op := FileOp{SourcePath: f.Source, DestPath: filepath.Join(e.repo.Dir(), f.Dest)}

		srcHash, err := e.fileHash(op.SourcePath)
		if err != nil {
			// Let the copy surface the error.
			plan.Copy = append(plan.Copy, op)
			continue
		}
		op.Hash = srcHash

		if destHash, err := e.fileHash(op.DestPath); err == nil && destHash == srcHash {
			plan.Unchanged = append(plan.Unchanged, op)
			continue
		}
		plan.Copy = append(plan.Copy, op)
	}
	return plan
}

// applyPlan copies files into the working copy. A failed copy is logged and
// skipped.
func (e *Engine) applyPlan(plan *Plan, report *Report) {
	report.Unchanged = len(plan.Unchanged)
	for _, op := range plan.Copy {
		e.logger.Debug("copying file", "source", op.SourcePath, "dest", op.DestPath)
		if err := e.copyFile(op.SourcePath, op.DestPath); err != nil {
			report.CopyFailures++
			e.logger.Warn("failed to copy file, skipping", "source", op.SourcePath, "error", err)
			continue
		}
		report.Copied++
	}
	e.logger.Info("files materialized",
		"copied", report.Copied,
		"unchanged", report.Unchanged,
		"failed", report.CopyFailures)
}

// copyFile copies a file from src to dst with atomic write
func (e *Engine) copyFile(src, dst string) error {
	if err := e.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	srcFile, err := e.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	tmpFile, err := afero.TempFile(e.fs, filepath.Dir(dst), ".giterdone-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = e.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := e.fs.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
		return err
	}

	return e.fs.Rename(tmpPath, dst)
}

// fileHash computes the SHA256 hash of a file
func (e *Engine) fileHash(path string) (string, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// messageData is exposed to the commit message template.
type messageData struct {
	Timestamp string
	Time      time.Time
	Hostname  string
}

func (e *Engine) commitMessage() (string, error) {
	tmpl, err := template.New("commit").Parse(e.cfg.Commit.MessageTemplate)
	if err != nil {
		return "", fmt.Errorf("invalid commit message template: %w", err)
	}

	now := e.now()
	host, _ := os.Hostname()
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, messageData{
		Timestamp: now.Format(TimestampFormat),
		Time:      now,
		Hostname:  host,
	}); err != nil {
		return "", fmt.Errorf("failed to render commit message: %w", err)
	}

	msg := strings.TrimSpace(expandStrftime(buf.String(), now))
	if msg == "" {
		return "", errors.New("commit message template rendered an empty message")
	}
	return msg, nil
}

// strftimeLayouts maps strftime conversions onto time layouts.
var strftimeLayouts = map[byte]string{
	'Y': "2006", 'y': "06", 'm': "01", 'd': "02", 'e': "_2", 'j': "002",
	'H': "15", 'I': "03", 'M': "04", 'S': "05", 'p': "PM",
	'b': "Jan", 'h': "Jan", 'B': "January", 'a': "Mon", 'A': "Monday",
	'Z': "MST", 'z': "-0700", 'F': "2006-01-02", 'T': "15:04:05",
}

// expandStrftime replaces strftime conversions such as %Y or %H in s with
// the matching parts of t. %% yields a percent sign; unknown conversions are
// left as they are.
func expandStrftime(s string, t time.Time) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		verb := s[i+1]
		if verb == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if layout, ok := strftimeLayouts[verb]; ok {
			b.WriteString(t.Format(layout))
			i++
			continue
		}
		b.WriteByte('%')
	}
	return b.String()
}
