package broker

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/orchestrator-core/orchestrator/internal/statemachine"
)

// ExecRunner is the concrete os/exec-backed implementation of
// statemachine.CommandRunner. It belongs here, not in internal/statemachine,
// because the state machine only ever calls through the CommandRunner
// interface — all actual process execution is the broker's job, per
// spec.md's "it only brokers tool calls, never executes them directly"
// non-goal applied consistently to gate verification commands too.
type ExecRunner struct{}

// Run executes command via "sh -c", killing it if it exceeds timeout. A
// timeout is reported as TimedOut=true rather than as an error: the gate
// item that invoked it still gets a definite (failing) result to record.
func (ExecRunner) Run(ctx context.Context, command string, timeout time.Duration) (statemachine.CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := statemachine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		if result.TimedOut {
			result.ExitCode = -1
			return result, nil
		}
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}
