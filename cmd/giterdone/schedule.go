package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/giterdone/internal/command"
	"github.com/schaermu/giterdone/internal/config"
	"github.com/schaermu/giterdone/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule [expression]",
	Short: "Install or replace the cron job that runs backups",
	Long: `Schedule writes a crontab entry that runs "giterdone run" periodically.

The expression defaults to the configured schedule. Besides standard cron
expressions it accepts hourly, daily, weekly, monthly and "every N minutes".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	expr := cfg.Schedule
	if len(args) == 1 {
		expr = args[0]
	}
	if expr == "" {
		return errors.New("no schedule configured; pass an expression or set schedule in the config")
	}

	registrar := schedule.NewCrontab(command.NewShellExecutor(), logger)
	if err := installSchedule(ctx, registrar, cfg, expr); err != nil {
		return err
	}
	_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Backup scheduled: %s\n", expr)
	return nil
}

func installSchedule(ctx context.Context, registrar schedule.Registrar, cfg *config.Config, expr string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate giterdone executable: %w", err)
	}
	line, err := jobCommandLine(exe, configPath())
	if err != nil {
		return err
	}
	if err := registrar.InstallPeriodicJob(ctx, expr, line); err != nil {
		return fmt.Errorf("failed to install schedule: %w", err)
	}
	cfg.Schedule = expr
	return nil
}

// jobCommandLine builds the crontab command for a scheduled run. Output is
// discarded since every record also lands in the durable log.
func jobCommandLine(exe, cfgPath string) (string, error) {
	absCfg, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", err
	}
	parts := []string{
		cronQuote(exe),
		"run",
		"--non-interactive",
		"--config", cronQuote(absCfg),
		">/dev/null", "2>&1",
	}
	return strings.Join(parts, " "), nil
}

// cronQuote single-quotes s for /bin/sh. cron treats % as a newline, so it
// is escaped as well.
func cronQuote(s string) string {
	s = "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	return strings.ReplaceAll(s, "%", `\%`)
}
