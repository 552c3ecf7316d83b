package executil

import (
	"context"
	"io"
	"sync"
)

// RecordedCommand captures a command that was started.
type RecordedCommand struct {
	Cmd  string
	Args []string
}

// Handler plays the child process for a RecordingExecutor. It reads what the
// parent writes to stdin and writes the child's stdout. Returning ends the
// process.
type Handler func(stdin io.Reader, stdout io.Writer) error

// RecordingExecutor captures started commands for testing and runs an
// in-memory Handler in place of each process.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand
	nextPid  int

	// Handlers maps command names to the handler that plays them. Commands
	// without a handler exit immediately with closed stdout.
	Handlers map[string]Handler

	// Errors maps command names to a start error.
	Errors map[string]error
}

// Start records the command and runs its handler in a goroutine.
func (e *RecordingExecutor) Start(ctx context.Context, stderr io.Writer, cmd string, args ...string) (*Process, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, RecordedCommand{Cmd: cmd, Args: args})
	e.nextPid++
	pid := 1000 + e.nextPid
	var (
		handler Handler
		err     error
	)
	if e.Handlers != nil {
		handler = e.Handlers[cmd]
	}
	if e.Errors != nil {
		err = e.Errors[cmd]
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	var herr error
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if handler != nil {
			herr = handler(stdinR, stdoutW)
		}
		_ = stdoutW.Close()
		_ = stdinR.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = stdinW.CloseWithError(ctx.Err())
			_ = stdoutW.CloseWithError(ctx.Err())
		case <-exited:
		}
	}()

	return NewProcess(pid, stdinW, stdoutR, func() error {
		<-exited
		return herr
	}), nil
}

// Started returns a copy of the recorded commands.
func (e *RecordingExecutor) Started() []RecordedCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RecordedCommand(nil), e.Commands...)
}

// Reset clears recorded commands.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = nil
}
