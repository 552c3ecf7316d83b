// Package executil starts child processes with piped standard streams.
package executil

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// WaitDelay bounds how long Wait lingers on open pipes after the process
// exits, e.g. when a grandchild inherited stdout.
const WaitDelay = 5 * time.Second

// Executor starts processes.
type Executor interface {
	// Start launches cmd with piped stdin/stdout. The process's stderr goes to
	// stderr. Cancelling ctx kills the process.
	Start(ctx context.Context, stderr io.Writer, cmd string, args ...string) (*Process, error)
}

// Process is a started child process.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	pid  int
	wait func() error
}

// NewProcess assembles a Process from its parts. Executors other than
// RealExecutor use it to hand back in-memory processes.
func NewProcess(pid int, stdin io.WriteCloser, stdout io.Reader, wait func() error) *Process {
	return &Process{Stdin: stdin, Stdout: stdout, pid: pid, wait: wait}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.pid
}

// Wait blocks until the process exits and releases its resources.
func (p *Process) Wait() error {
	return p.wait()
}

// RealExecutor spawns actual operating system processes.
type RealExecutor struct{}

// Start launches cmd with piped stdin/stdout.
func (e *RealExecutor) Start(ctx context.Context, stderr io.Writer, cmd string, args ...string) (*Process, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Stderr = stderr
	c.WaitDelay = WaitDelay

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("exec %s: stdin: %w", cmd, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("exec %s: stdout: %w", cmd, err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", cmd, err)
	}

	return NewProcess(c.Process.Pid, stdin, stdout, func() error {
		if err := c.Wait(); err != nil {
			return fmt.Errorf("exec %s: %w", cmd, err)
		}
		return nil
	}), nil
}
