package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/giterdone/internal/command"
)

var (
	// ErrRemoteMismatch is returned when an existing working copy points at
	// a different remote than the configured one.
	ErrRemoteMismatch = errors.New("working copy remote does not match configured repository")

	// ErrPushRejected is returned when every push fallback was refused.
	ErrPushRejected = errors.New("push rejected")
)

// State is the lifecycle position of the working copy within one run.
type State string

const (
	StateAbsent                State = "Absent"
	StateClonedSynced          State = "Cloned-Synced"
	StateClonedStale           State = "Cloned-Stale"
	StateCommitted             State = "Committed"
	StatePushedPrimary         State = "Pushed-Primary"
	StatePushedSecondary       State = "Pushed-Secondary"
	StatePushedSecondaryForced State = "Pushed-Secondary-Forced"
	StateFailed                State = "Failed"
)

// CommitOutcome reports what a commit attempt produced.
type CommitOutcome int

const (
	CommitNotAttempted CommitOutcome = iota
	CommitCreated
	CommitSimulated
	NothingToCommit
)

var commitOutcomeNames = map[CommitOutcome]string{
	CommitNotAttempted: "not attempted",
	CommitCreated:      "created",
	CommitSimulated:    "simulated",
	NothingToCommit:    "nothing to commit",
}

func (o CommitOutcome) String() string {
	if name, ok := commitOutcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("CommitOutcome(%d)", int(o))
}

func (o CommitOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *CommitOutcome) UnmarshalText(text []byte) error {
	for outcome, name := range commitOutcomeNames {
		if name == string(text) {
			*o = outcome
			return nil
		}
	}
	return fmt.Errorf("unknown commit outcome %q", text)
}

const initialCommitMessage = "Initialize backup repository"

// OpError describes a failed git operation.
type OpError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *OpError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("git %s failed: %s", e.Op, e.Diagnostic)
	}
	return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Options configures a Repository.
type Options struct {
	Remote          Remote
	Dir             string
	PrimaryBranch   string
	SecondaryBranch string
}

// Repository drives the local working copy of the backup repository
// through clone/sync, commit and push.
type Repository struct {
	exec   command.Executor
	opts   Options
	logger *slog.Logger
	state  State
}

// NewRepository creates a Repository that runs git through exec.
func NewRepository(exec command.Executor, opts Options, logger *slog.Logger) *Repository {
	r := &Repository{exec: exec, opts: opts, logger: logger}
	if r.Present() {
		r.state = StateClonedStale
	} else {
		r.state = StateAbsent
	}
	return r
}

// State returns the current lifecycle state.
func (r *Repository) State() State { return r.state }

// Dir returns the working copy directory.
func (r *Repository) Dir() string { return r.opts.Dir }

// Present reports whether the working copy has been cloned.
func (r *Repository) Present() bool {
	_, err := os.Stat(filepath.Join(r.opts.Dir, ".git"))
	return err == nil
}

// Ensure brings the working copy to Cloned-Synced: it clones when absent,
// otherwise validates the remote, fetches and resets to the remote primary
// branch. A remote without the primary branch gets it published.
func (r *Repository) Ensure(ctx context.Context) error {
	if err := r.ensure(ctx); err != nil {
		r.state = StateFailed
		return err
	}
	r.state = StateClonedSynced
	return nil
}

func (r *Repository) ensure(ctx context.Context) error {
	primary := r.opts.PrimaryBranch
	present := r.Present()

	if !present {
		r.state = StateAbsent
		if err := os.MkdirAll(filepath.Dir(r.opts.Dir), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		if _, err := r.remote(ctx, "clone", "", "clone", r.opts.Remote.CloneURL(), r.opts.Dir); err != nil {
			return err
		}
	} else {
		r.state = StateClonedStale
		if err := r.validateRemote(ctx); err != nil {
			return err
		}
		if _, err := r.remote(ctx, "fetch", r.opts.Dir, "fetch", "origin"); err != nil {
			return err
		}
	}

	hasPrimary, err := r.remoteHasBranch(ctx, primary)
	if err != nil {
		return err
	}

	if hasPrimary {
		if present {
			r.logger.Warn("resetting working copy to remote, unpushed local commits are discarded",
				"branch", primary)
			if _, err := r.local(ctx, "reset", "reset", "--hard", "origin/"+primary); err != nil {
				return err
			}
		}
	} else if err := r.publishPrimary(ctx); err != nil {
		return err
	}

	if _, err := r.local(ctx, "branch", "branch", r.opts.SecondaryBranch); err != nil {
		r.logger.Debug("secondary branch not created", "branch", r.opts.SecondaryBranch, "error", err)
	}
	return nil
}

func (r *Repository) validateRemote(ctx context.Context) error {
	res, err := r.local(ctx, "remote", "remote", "-v")
	if err != nil {
		return err
	}
	want := r.opts.Remote.CloneURL()
	if !originURLIs(res.Stdout, want) {
		return fmt.Errorf("%w: expected origin %s in %s", ErrRemoteMismatch, want, r.opts.Dir)
	}
	return nil
}

// originURLIs reports whether every origin line of `git remote -v` output
// names exactly url. Output without an origin does not match.
func originURLIs(output, url string) bool {
	found := false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "origin" {
			continue
		}
		if fields[1] != url {
			return false
		}
		found = true
	}
	return found
}

func (r *Repository) remoteHasBranch(ctx context.Context, branch string) (bool, error) {
	res, err := r.local(ctx, "branch", "branch", "-r")
	if err != nil {
		return false, err
	}
	want := "origin/" + branch
	for _, line := range strings.Split(res.Stdout, "\n") {
		name, _, _ := strings.Cut(strings.TrimSpace(line), " -> ")
		if name == want {
			return true, nil
		}
	}
	return false, nil
}

// publishPrimary creates the primary branch locally and pushes it to a
// remote that does not have it yet.
func (r *Repository) publishPrimary(ctx context.Context) error {
	primary := r.opts.PrimaryBranch
	r.logger.Info("remote has no primary branch, publishing it", "branch", primary)

	if _, err := r.local(ctx, "checkout", "checkout", "-b", primary); err != nil {
		r.logger.Warn("could not create primary branch, continuing", "branch", primary, "error", err)
	}

	if _, err := r.local(ctx, "rev-parse", "rev-parse", "--verify", "HEAD"); err != nil {
		if _, err := r.local(ctx, "commit", "commit", "--allow-empty", "-m", initialCommitMessage); err != nil {
			return err
		}
	}

	_, err := r.remote(ctx, "push", r.opts.Dir, "push", "-u", "origin", primary)
	return err
}

// Commit stages every change in the working copy and commits it. With
// dryRun the commit is only simulated.
func (r *Repository) Commit(ctx context.Context, message string, dryRun bool) (CommitOutcome, error) {
	if _, err := r.local(ctx, "add", "add", "-A"); err != nil {
		r.state = StateFailed
		return 0, err
	}

	args := []string{"commit", "-m", message}
	if dryRun {
		args = append(args, "--dry-run")
	}
	res, err := r.local(ctx, "commit", args...)
	if err != nil {
		if isNothingToCommit(res) {
			r.logger.Info("nothing to commit, working tree clean")
			r.state = StateCommitted
			return NothingToCommit, nil
		}
		r.state = StateFailed
		return 0, err
	}

	r.state = StateCommitted
	if dryRun {
		return CommitSimulated, nil
	}
	return CommitCreated, nil
}

func isNothingToCommit(res command.Result) bool {
	out := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	return strings.Contains(out, "nothing to commit") ||
		strings.Contains(out, "nothing added to commit") ||
		strings.Contains(out, "no changes added to commit")
}

// local runs a git command inside the working copy.
func (r *Repository) local(ctx context.Context, op string, args ...string) (command.Result, error) {
	return r.run(ctx, op, command.Command{Args: append([]string{"git"}, args...), Dir: r.opts.Dir}, false)
}

// remote runs a git command that talks to the remote and needs auth.
func (r *Repository) remote(ctx context.Context, op, dir string, args ...string) (command.Result, error) {
	return r.run(ctx, op, command.Command{Args: append([]string{"git"}, args...), Dir: dir}, true)
}

func (r *Repository) run(ctx context.Context, op string, cmd command.Command, auth bool) (command.Result, error) {
	if auth {
		if err := r.opts.Remote.configureAuth(&cmd); err != nil {
			return command.Result{ExitCode: -1}, &OpError{Op: op, Err: err}
		}
	}

	r.logger.Info("executing git "+op, "args", strings.Join(cmd.Args[1:], " "))
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		r.logger.Warn("git "+op+" failed", "exit_code", res.ExitCode, "stderr", res.Diagnostic())
		return res, &OpError{Op: op, Diagnostic: res.Diagnostic(), Err: err}
	}
	r.logger.Info("git " + op + " successful")
	return res, nil
}
