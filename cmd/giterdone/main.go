package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/giterdone/internal/command"
	"github.com/schaermu/giterdone/internal/config"
	"github.com/schaermu/giterdone/internal/discovery"
	"github.com/schaermu/giterdone/internal/git"
	"github.com/schaermu/giterdone/internal/lock"
	"github.com/schaermu/giterdone/internal/runlog"
	"github.com/schaermu/giterdone/internal/sync"
	"github.com/schaermu/giterdone/internal/trust"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run flags
	dryRun         bool
	nonInteractive bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "giterdone",
	Short: "Back up local files into a Git repository",
	Long: `giterdone mirrors a set of local files and directories into a remote Git
repository. Large, binary and junk files are left out and listed in the
repository's .gitignore instead.

Runs are usually triggered by cron; "giterdone init" sets everything up.
Without a subcommand, giterdone runs a backup when a configuration exists
and starts the setup wizard otherwise.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"run-now"},
	Short:   "Perform one backup run",
	Long: `Run synchronizes the working copy with the remote, copies every eligible file
into it, commits and pushes.

When the remote primary branch has diverged, the push falls back to the
secondary branch, and as a last resort force-pushes the secondary branch.`,
	RunE: runBackup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "giterdone %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/giterdone/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Run command flags
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the commit and skip the push")
	runCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; fail when credentials are missing")

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return defaultCommand(afero.NewOsFs(), configPath()).RunE(cmd, args)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	console := setupHandler(os.Stdout)
	logger := slog.New(console)

	fs := afero.NewOsFs()
	cfg, err := loadConfig(logger)
	if err != nil {
		recordLoadFailure(fs, config.DefaultLogPath(), console, err)
		printOutcome(cmd.OutOrStdout(), nil, err)
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := runlog.Open(fs, cfg.Paths.LogFile)
	if err != nil {
		return err
	}
	defer func() {
		_ = logFile.Close()
	}()

	runID := runlog.NewRunID()
	logger = runlog.New(console, logFile, parseLevel(logLevel), runID)

	runLock, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		logger.Error("cannot start backup", "error", err)
		printOutcome(cmd.OutOrStdout(), nil, err)
		return err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	executor := command.NewShellExecutor()
	repo := git.NewRepository(executor, cfg.RepositoryOptions(), logger)
	discoverer := discovery.NewEngine(fs, cfg.DiscoveryOptions(), logger)
	provisioner := trust.NewProvisioner(fs, executor, cfg.Auth.SSHKeyFile, cfg.Auth.KnownHostsFile, logger)

	var prompter trust.Prompter = trust.NonInteractive{}
	if !nonInteractive {
		prompter = trust.DefaultPrompter()
	}

	engine := sync.NewEngine(cfg, fs, repo, discoverer, provisioner, prompter, logger, dryRun)
	report, runErr := engine.Run(ctx)
	report.RunID = runID

	if err := sync.SaveReport(fs, cfg.LastRunPath(), report); err != nil {
		logger.Warn("failed to record run report", "error", err)
	}

	printOutcome(cmd.OutOrStdout(), report, runErr)
	return runErr
}

// recordLoadFailure appends a configuration error to the log at logPath.
// Scheduled runs have no console, so this is the only trace they leave.
func recordLoadFailure(fs afero.Fs, logPath string, console slog.Handler, loadErr error) {
	logFile, err := runlog.Open(fs, logPath)
	if err != nil {
		slog.New(console).Warn("failed to open durable log", "path", logPath, "error", err)
		return
	}
	defer func() {
		_ = logFile.Close()
	}()

	logger := runlog.New(console, logFile, parseLevel(logLevel), runlog.NewRunID())
	logger.Error("failed to load config", "path", configPath(), "error", loadErr)
}

// printOutcome writes the operator-facing final line of a run.
func printOutcome(w io.Writer, report *sync.Report, err error) {
	if err != nil {
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(w, "Backup failed: %v\n", err)
		return
	}
	if report != nil && report.DryRun {
		_, _ = color.New(color.FgGreen, color.Bold).Fprintln(w, "Dry run successful.")
		return
	}
	_, _ = color.New(color.FgGreen, color.Bold).Fprintln(w, "Backup successful.")
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(logLevel)}

	if logFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// defaultCommand picks what a bare "giterdone" does.
func defaultCommand(fs afero.Fs, path string) *cobra.Command {
	if ok, err := afero.Exists(fs, path); err == nil && ok {
		return runCmd
	}
	return initCmd
}

func setupLogger() *slog.Logger {
	return slog.New(setupHandler(os.Stdout))
}

// configPath returns the effective configuration file path.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"auth", string(cfg.Auth.Method),
		"roots", cfg.Backup.Roots,
		"working_copy", cfg.WorkingCopyDir())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
