package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// StepRequest is everything needed to run one step command
type StepRequest struct {
	Stage   string            `json:"stage"`
	Step    string            `json:"step"`
	Run     string            `json:"run"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// StepOutput is the combined output and exit code of a step.
// ExitCode is -1 when the command did not run to completion.
type StepOutput struct {
	Output   string
	ExitCode int
}

// StepRunner runs step commands; the local Executor and remote agents implement it
type StepRunner interface {
	RunStep(ctx context.Context, req StepRequest) (StepOutput, error)
}

// Executor runs steps as local shell commands
type Executor struct {
	Shell string
	// WaitDelay bounds how long output pipes are drained after the command is killed
	WaitDelay time.Duration
}

func NewExecutor() *Executor {
	return &Executor{Shell: "sh", WaitDelay: 5 * time.Second}
}

// RunStep executes a single step and returns its output. A non-nil error
// means the step failed: non-zero exit, timeout, cancellation or start failure.
func (e *Executor) RunStep(ctx context.Context, req StepRequest) (StepOutput, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// Run the step in a shell (sh -c "cmd")
	cmd := exec.CommandContext(ctx, e.Shell, "-c", req.Run)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	cmd.WaitDelay = e.WaitDelay
	killProcessGroup(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := StepOutput{Output: out.String(), ExitCode: 0}
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("step %q timed out after %s: %w", req.Step, req.Timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		return res, fmt.Errorf("step %q cancelled: %w", req.Step, context.Cause(ctx))
	case exitErr != nil:
		return res, fmt.Errorf("step %q: %w", req.Step, err)
	}
	return res, fmt.Errorf("start step %q: %w", req.Step, err)
}

// mergeEnv appends extra variables in a stable order
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
