package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/pkg/executil"
)

// Stdio runs the agent as a child process and talks to it over its standard
// input and output.
type Stdio struct {
	exec   executil.Executor
	stderr io.Writer
	cmd    string
	args   []string
	tag    string

	mu     sync.Mutex
	proc   *executil.Process
	exited bool

	finish sync.Once
	err    error
}

// NewStdio returns a transport that spawns cfg.Cmd with cfg.Args.
func NewStdio(exec executil.Executor, stderr io.Writer, cfg config.AgentConfig) *Stdio {
	return &Stdio{
		exec:   exec,
		stderr: stderr,
		cmd:    cfg.Cmd,
		args:   cfg.Args,
		tag:    cfg.Tag(),
	}
}

// Open spawns the process.
func (s *Stdio) Open(ctx context.Context) (io.Reader, io.Writer, error) {
	if s.cmd == "" {
		return nil, nil, errors.New("stdio: no command")
	}

	proc, err := s.exec.Start(ctx, s.stderr, s.cmd, s.args...)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	return proc.Stdout, proc.Stdin, nil
}

// Identity is stdio-<pid>-<tag> while the process runs and
// stdio-<lost>-<tag> once it has exited.
func (s *Stdio) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.proc == nil:
		return ""
	case s.exited:
		return fmt.Sprintf("stdio-<lost>-%s", s.tag)
	default:
		return fmt.Sprintf("stdio-%d-%s", s.proc.Pid(), s.tag)
	}
}

// Finish closes the child's stdin and waits for it to exit.
func (s *Stdio) Finish(ctx context.Context) error {
	s.finish.Do(func() {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()

		if proc == nil {
			return
		}

		_ = proc.Stdin.Close()

		done := make(chan error, 1)
		go func() { done <- proc.Wait() }()

		select {
		case s.err = <-done:
		case <-ctx.Done():
			s.err = ctx.Err()
		}

		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()
	})
	return s.err
}
