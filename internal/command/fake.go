package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeExecutor implements Executor for tests. It records every invocation
// and answers from registered responses keyed by the space-joined argv.
type FakeExecutor struct {
	mu        sync.Mutex
	responses map[string][]response
	fallback  *response
	Calls     []Command
}

type response struct {
	result Result
	hook   func(Command)
}

// NewFakeExecutor returns a fake that fails every unregistered command.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{responses: make(map[string][]response)}
}

// On registers a response for the command line. Registering the same line
// several times queues the responses; the last one repeats.
func (f *FakeExecutor) On(line string, res Result) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[line] = append(f.responses[line], response{result: res})
	return f
}

// OnSuccess registers a zero-exit response with the given stdout.
func (f *FakeExecutor) OnSuccess(line, stdout string) *FakeExecutor {
	return f.On(line, Result{Stdout: stdout})
}

// OnFailure registers a non-zero response with the given stderr.
func (f *FakeExecutor) OnFailure(line, stderr string) *FakeExecutor {
	return f.On(line, Result{Stderr: stderr, ExitCode: 1})
}

// Do runs hook whenever line is executed, before its response is returned.
func (f *FakeExecutor) Do(line string, hook func(Command)) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.responses[line]
	if len(queue) == 0 {
		queue = append(queue, response{})
	}
	queue[len(queue)-1].hook = hook
	f.responses[line] = queue
	return f
}

// AllowUnexpected makes unregistered commands succeed with empty output.
func (f *FakeExecutor) AllowUnexpected() *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = &response{}
	return f
}

// Run implements Executor.
func (f *FakeExecutor) Run(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	line := cmd.String()

	var resp *response
	if queue := f.responses[line]; len(queue) > 0 {
		r := queue[0]
		if len(queue) > 1 {
			f.responses[line] = queue[1:]
		}
		resp = &r
	} else if f.fallback != nil {
		resp = f.fallback
	}
	f.mu.Unlock()

	if resp == nil {
		return Result{ExitCode: -1}, fmt.Errorf("unexpected command: %s", line)
	}
	if resp.hook != nil {
		resp.hook(cmd)
	}
	if !resp.result.Success() {
		return resp.result, &ExitError{
			Args:     cmd.Args,
			ExitCode: resp.result.ExitCode,
			Stderr:   resp.result.Diagnostic(),
			Err:      fmt.Errorf("exit status %d", resp.result.ExitCode),
		}
	}
	return resp.result, nil
}

// Lines returns the recorded command lines in call order.
func (f *FakeExecutor) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = c.String()
	}
	return lines
}

// Called reports whether line was executed at least once.
func (f *FakeExecutor) Called(line string) bool {
	for _, l := range f.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

// CalledPrefix reports whether any executed line starts with prefix.
func (f *FakeExecutor) CalledPrefix(prefix string) bool {
	for _, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
