package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/giterdone/internal/command"
	"github.com/schaermu/giterdone/internal/config"
	"github.com/schaermu/giterdone/internal/git"
	"github.com/schaermu/giterdone/internal/schedule"
)

const customSchedule = "custom"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create the configuration and install the schedule",
	RunE:  runInit,
}

// wizardAnswers holds the raw values collected by the init form.
type wizardAnswers struct {
	RepoURL         string
	AuthMethod      string
	Token           string
	Roots           string
	Schedule        string
	CustomSchedule  string
	MessageTemplate string
}

func runInit(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("init needs an interactive terminal")
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	path := configPath()
	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite).
			Run()
		if err != nil || !overwrite {
			return errors.New("init cancelled")
		}
	}

	answers := wizardAnswers{
		AuthMethod:      string(git.AuthSSH),
		Schedule:        "daily",
		MessageTemplate: config.DefaultCommitTemplate,
	}
	if err := askWizard(&answers); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	cfg, err := buildConfig(answers)
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	if err := cfg.Save(fs, path); err != nil {
		return err
	}
	if err := saveToken(fs, cfg, answers.Token); err != nil {
		return err
	}
	_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)

	logger := setupLogger()
	registrar := schedule.NewCrontab(command.NewShellExecutor(), logger)
	if err := installSchedule(ctx, registrar, cfg, cfg.Schedule); err != nil {
		return err
	}
	_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Backup scheduled: %s\n", cfg.Schedule)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), `Run "giterdone run" once now to provide credentials and make the first backup.`)
	return nil
}

func askWizard(a *wizardAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backup repository URL").
				Placeholder("https://github.com/you/backup").
				Value(&a.RepoURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("repository URL is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("SSH key", string(git.AuthSSH)),
					huh.NewOption("HTTPS token", string(git.AuthHTTPS)),
				).
				Value(&a.AuthMethod),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("HTTPS access token").
				EchoMode(huh.EchoModePassword).
				Value(&a.Token),
		).WithHideFunc(func() bool { return a.AuthMethod != string(git.AuthHTTPS) }),
		huh.NewGroup(
			huh.NewText().
				Title("Files and directories to back up").
				Description("One absolute path per line; ~ is expanded").
				Value(&a.Roots).
				Validate(func(s string) error {
					_, err := parseRoots(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Backup frequency").
				Options(huh.NewOptions("hourly", "daily", "weekly", "monthly",
					"every 5 minutes", "every 15 minutes", "every 30 minutes", customSchedule)...).
				Value(&a.Schedule),
			huh.NewInput().
				Title("Commit message template").
				Description("{{.Timestamp}} is replaced by the run time").
				Value(&a.MessageTemplate),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if a.Schedule != customSchedule {
		return nil
	}
	return huh.NewInput().
		Title("Cron expression").
		Placeholder("0 */2 * * *").
		Value(&a.CustomSchedule).
		Validate(func(s string) error {
			_, err := schedule.Normalize(s)
			return err
		}).
		Run()
}

// buildConfig turns wizard answers into a validated configuration.
func buildConfig(a wizardAnswers) (*config.Config, error) {
	roots, err := parseRoots(a.Roots)
	if err != nil {
		return nil, err
	}

	expr := a.Schedule
	if expr == customSchedule {
		expr = a.CustomSchedule
	}

	cfg := &config.Config{
		Repo:     config.RepoConfig{URL: strings.TrimSpace(a.RepoURL)},
		Auth:     config.AuthConfig{Method: git.AuthMethod(a.AuthMethod)},
		Backup:   config.BackupConfig{Roots: roots},
		Schedule: strings.TrimSpace(expr),
		Commit:   config.CommitConfig{MessageTemplate: a.MessageTemplate},
	}
	cfg.Normalize()
	if cfg.Auth.Method == git.AuthHTTPS {
		cfg.Auth.HTTPSTokenFile = filepath.Join(cfg.Paths.StateDir, "https-token")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveToken stores the HTTPS token next to the configuration, readable only
// by the owner.
func saveToken(fs afero.Fs, cfg *config.Config, token string) error {
	token = strings.TrimSpace(token)
	if cfg.Auth.Method != git.AuthHTTPS || token == "" {
		return nil
	}
	path := cfg.Auth.HTTPSTokenFile
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return fs.Chmod(path, 0o600)
}

// parseRoots splits one path per line, dropping blanks and expanding "~".
func parseRoots(text string) ([]string, error) {
	var roots []string
	home, _ := os.UserHomeDir()
	for _, line := range strings.Split(text, "\n") {
		root := strings.TrimSpace(line)
		if root == "" {
			continue
		}
		if (root == "~" || strings.HasPrefix(root, "~/")) && home != "" {
			root = filepath.Join(home, root[1:])
		}
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("%s is not an absolute path", root)
		}
		roots = append(roots, filepath.Clean(root))
	}
	if len(roots) == 0 {
		return nil, errors.New("at least one path is required")
	}
	return roots, nil
}
