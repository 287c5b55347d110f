package worker

import (
	"context"
	"os"
	"os/exec"

	"github.com/thorium-research/thorium/infrastructure/errors"
)

// ExecResult is the outcome of running one agent process to completion.
type ExecResult struct {
	// ExitCode is the agent process's exit status.
	ExitCode int
	// JobFailed is true when the agent process exited unsuccessfully
	// (a nonzero exit, or termination by a signal). This is distinct from
	// a task failure, reported as Execute's error, where the agent process
	// could not be started or ran past its deadline — §4.10's "if task
	// failed (not just job failed): break".
	JobFailed bool
}

// AgentExecutor spawns and awaits one agent invocation, streaming its
// combined stdout/stderr into logPath.
type AgentExecutor interface {
	Execute(ctx context.Context, argv []string, logPath string) (ExecResult, error)
}

// ProcessExecutor runs the agent as a child OS process, grounded on the
// teacher's exec.CommandContext usage for driving an external tool
// (test/contract/neoexpress.go).
type ProcessExecutor struct{}

// NewProcessExecutor returns the default AgentExecutor.
func NewProcessExecutor() *ProcessExecutor { return &ProcessExecutor{} }

func (e *ProcessExecutor) Execute(ctx context.Context, argv []string, logPath string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.InvalidInput("argv", "empty argv passed to executor")
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return ExecResult{}, errors.Internal("create job log file", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return ExecResult{}, errors.ExternalCallFailed("start agent process", err)
	}

	err = cmd.Wait()
	if err == nil {
		return ExecResult{ExitCode: 0}, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{}, errors.Timeout("agent process")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExecResult{ExitCode: exitErr.ExitCode(), JobFailed: true}, nil
	}
	return ExecResult{}, errors.ExternalCallFailed("await agent process", err)
}
