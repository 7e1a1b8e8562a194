package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/giterdone/internal/command"
	"github.com/schaermu/giterdone/internal/config"
	"github.com/schaermu/giterdone/internal/git"
	"github.com/schaermu/giterdone/internal/schedule"
	"github.com/schaermu/giterdone/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, working copy and last run",
	RunE:  runStatus,
}

type statusInfo struct {
	ConfigPath string
	Config     *config.Config
	State      git.State
	Job        string
	JobErr     error
	LastRun    *sync.Report
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	executor := command.NewShellExecutor()
	info := statusInfo{
		ConfigPath: configPath(),
		Config:     cfg,
		State:      git.NewRepository(executor, cfg.RepositoryOptions(), logger).State(),
	}

	job, ok, err := schedule.NewCrontab(executor, logger).CurrentJob(ctx)
	switch {
	case err != nil:
		info.JobErr = err
	case ok:
		info.Job = job
	}

	info.LastRun, err = sync.LoadReport(afero.NewOsFs(), cfg.LastRunPath())
	if err != nil {
		logger.Warn("failed to read last run report", "error", err)
	}

	writeStatus(cmd.OutOrStdout(), info)
	return nil
}

func writeStatus(w io.Writer, info statusInfo) {
	label := color.New(color.Bold).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	cfg := info.Config

	line := func(name, value string) {
		_, _ = fmt.Fprintf(w, "%-14s %s\n", label(name+":"), value)
	}

	line("Config", info.ConfigPath)
	line("Repository", cfg.Repo.URL)
	line("Branches", cfg.Repo.PrimaryBranch+" (fallback "+cfg.Repo.SecondaryBranch+")")
	line("Auth", string(cfg.Auth.Method))
	line("Roots", strings.Join(cfg.Backup.Roots, ", "))
	line("Working copy", cfg.WorkingCopyDir())
	if info.State == git.StateAbsent {
		line("State", bad("not cloned yet"))
	} else {
		line("State", ok("cloned"))
	}
	line("Log", cfg.Paths.LogFile)

	switch {
	case info.JobErr != nil:
		line("Schedule", bad(info.JobErr.Error()))
	case info.Job != "":
		line("Schedule", info.Job)
	default:
		line("Schedule", bad("not installed"))
	}

	r := info.LastRun
	if r == nil {
		line("Last run", "never")
		return
	}
	outcome := ok("succeeded")
	if !r.Succeeded() {
		outcome = bad("failed: " + r.Error)
	} else if r.DryRun {
		outcome = ok("dry run succeeded")
	}
	line("Last run", fmt.Sprintf("%s, %s", r.FinishedAt.Local().Format(time.DateTime), outcome))
	line("Result", fmt.Sprintf("state %s, commit %s, %d eligible, %d excluded, %d copied, %d failed",
		r.State, r.Commit, r.Eligible, r.Excluded, r.Copied, r.CopyFailures))
}
