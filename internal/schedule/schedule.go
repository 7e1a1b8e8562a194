// Package schedule installs the periodic backup job in the user's crontab.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/schaermu/giterdone/internal/command"
)

// Tag marks crontab lines owned by giterdone.
const Tag = "# giterdone backup job"

// Registrar manages the periodic job.
type Registrar interface {
	// InstallPeriodicJob replaces any previously installed job with one
	// running commandLine on expr.
	InstallPeriodicJob(ctx context.Context, expr, commandLine string) error
	// CurrentJob returns the installed job line, if any.
	CurrentJob(ctx context.Context) (string, bool, error)
}

var aliases = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 0 * * *",
	"weekly":  "0 0 * * 0",
	"monthly": "0 0 1 * *",
}

var everyMinutes = regexp.MustCompile(`^every (\d+) minutes?$`)

// Normalize turns a schedule alias into a five-field cron expression and
// validates the result. Standard cron expressions and @-descriptors pass
// through unchanged.
func Normalize(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	lower := strings.ToLower(expr)

	if spec, ok := aliases[lower]; ok {
		return spec, nil
	}
	if m := everyMinutes.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 59 {
			return "", fmt.Errorf("invalid schedule %q: minutes must be between 1 and 59", expr)
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}

	// crontab does not understand @every.
	if strings.HasPrefix(lower, "@every") {
		return "", fmt.Errorf("invalid schedule %q: @every is not supported by cron", expr)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return expr, nil
}

// Crontab implements Registrar on top of the crontab command.
type Crontab struct {
	exec   command.Executor
	logger *slog.Logger
}

// NewCrontab creates a crontab-backed Registrar.
func NewCrontab(exec command.Executor, logger *slog.Logger) *Crontab {
	return &Crontab{exec: exec, logger: logger}
}

// InstallPeriodicJob implements Registrar.
func (c *Crontab) InstallPeriodicJob(ctx context.Context, expr, commandLine string) error {
	spec, err := Normalize(expr)
	if err != nil {
		return err
	}

	current, err := c.read(ctx)
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("%s %s %s", spec, commandLine, Tag)
	content := withoutJob(current) + entry + "\n"

	c.logger.Info("writing crontab entry", "entry", entry)
	res, err := c.exec.Run(ctx, command.Command{Args: []string{"crontab", "-"}, Stdin: content})
	if err != nil {
		return fmt.Errorf("failed to write crontab: %w: %s", err, res.Diagnostic())
	}
	return nil
}

// CurrentJob implements Registrar.
func (c *Crontab) CurrentJob(ctx context.Context) (string, bool, error) {
	current, err := c.read(ctx)
	if err != nil {
		return "", false, err
	}
	for _, line := range strings.Split(current, "\n") {
		if strings.Contains(line, Tag) {
			return strings.TrimSpace(line), true, nil
		}
	}
	return "", false, nil
}

func (c *Crontab) read(ctx context.Context) (string, error) {
	res, err := c.exec.Run(ctx, command.Command{Args: []string{"crontab", "-l"}})
	if err != nil {
		// An empty crontab is reported as an error.
		if strings.Contains(strings.ToLower(res.Stderr+res.Stdout), "no crontab for") {
			return "", nil
		}
		return "", fmt.Errorf("failed to read crontab: %w: %s", err, res.Diagnostic())
	}
	return res.Stdout, nil
}

// withoutJob drops tagged lines and returns the remaining content with a
// trailing newline, or "" when nothing is left.
func withoutJob(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, Tag) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimRight(strings.Join(kept, "\n"), "\n")
	if out == "" {
		return ""
	}
	return out + "\n"
}
