package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/giterdone/internal/command"
)

// PushVerdict classifies the remote's answer to a push.
type PushVerdict int

const (
	Accepted PushVerdict = iota
	RejectedDivergent
	RejectedOther
)

func (v PushVerdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedDivergent:
		return "rejected (divergent)"
	default:
		return "rejected"
	}
}

var divergenceMarkers = []string{
	"non-fast-forward",
	"fetch first",
	"tip of your current branch is behind",
}

// ClassifyPush maps the result of a git push to a verdict.
func ClassifyPush(res command.Result, err error) PushVerdict {
	if err == nil {
		return Accepted
	}
	out := strings.ToLower(res.Stderr + "\n" + res.Stdout)
	for _, marker := range divergenceMarkers {
		if strings.Contains(out, marker) {
			return RejectedDivergent
		}
	}
	return RejectedOther
}

// rung is one step of the push fallback ladder.
type rung struct {
	branch string
	force  bool
	state  State
}

func (r rung) String() string {
	if r.force {
		return "force push to " + r.branch
	}
	return "push to " + r.branch
}

func (r *Repository) ladder() []rung {
	return []rung{
		{branch: r.opts.PrimaryBranch, state: StatePushedPrimary},
		{branch: r.opts.SecondaryBranch, state: StatePushedSecondary},
		{branch: r.opts.SecondaryBranch, force: true, state: StatePushedSecondaryForced},
	}
}

// Push publishes HEAD, walking down the fallback ladder while the remote
// rejects the push as divergent. The primary branch is never force-pushed.
func (r *Repository) Push(ctx context.Context) error {
	rungs := r.ladder()
	for i, step := range rungs {
		args := []string{"push"}
		if step.force {
			args = append(args, "--force")
		}
		args = append(args, "origin", "HEAD:refs/heads/"+step.branch)

		res, err := r.remote(ctx, "push", r.opts.Dir, args...)
		switch ClassifyPush(res, err) {
		case Accepted:
			r.state = step.state
			r.logger.Info("push accepted", "branch", step.branch, "force", step.force, "state", string(step.state))
			return nil

		case RejectedDivergent:
			if i < len(rungs)-1 {
				r.logger.Warn("push rejected as divergent, falling back",
					"rejected", step.String(), "next", rungs[i+1].String())
				continue
			}
			r.state = StateFailed
			return fmt.Errorf("%w: every fallback diverged: %w", ErrPushRejected, err)

		default:
			r.state = StateFailed
			return fmt.Errorf("%w: %s: %w", ErrPushRejected, step, err)
		}
	}
	r.state = StateFailed
	return errors.Join(ErrPushRejected, errors.New("empty push ladder"))
}
