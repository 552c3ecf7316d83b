package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/pkg/executil"
)

func echoHandler(stdin io.Reader, stdout io.Writer) error {
	_, err := io.Copy(stdout, stdin)
	return err
}

func TestFactory_New(t *testing.T) {
	f := &Factory{Exec: &executil.RecordingExecutor{}, Stderr: io.Discard}

	tr, err := f.New(config.AgentConfig{Type: config.TransportStdio, Cmd: "echo"})
	require.NoError(t, err)
	assert.IsType(t, &Stdio{}, tr)

	_, err = f.New(config.AgentConfig{Type: "tcp", Cmd: "echo"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestStdio_Lifecycle(t *testing.T) {
	exec := &executil.RecordingExecutor{
		Handlers: map[string]executil.Handler{"worker": echoHandler},
	}
	tr := NewStdio(exec, io.Discard, config.AgentConfig{
		Type: config.TransportStdio,
		Cmd:  "worker",
		Args: []string{"--mode", "echo"},
		ID:   "w1",
	})

	assert.Empty(t, tr.Identity(), "no identity before open")

	r, w, err := tr.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stdio-1001-w1", tr.Identity())

	_, err = io.WriteString(w, "ping\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(r).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	require.NoError(t, tr.Finish(context.Background()))
	assert.Equal(t, "stdio-<lost>-w1", tr.Identity())
	require.NoError(t, tr.Finish(context.Background()), "finish is idempotent")

	started := exec.Started()
	require.Len(t, started, 1)
	assert.Equal(t, []string{"--mode", "echo"}, started[0].Args)
}

func TestStdio_TagFallsBackToCommand(t *testing.T) {
	exec := &executil.RecordingExecutor{
		Handlers: map[string]executil.Handler{"worker": echoHandler},
	}
	tr := NewStdio(exec, io.Discard, config.AgentConfig{Type: config.TransportStdio, Cmd: "worker"})

	_, _, err := tr.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stdio-1001-worker", tr.Identity())
	require.NoError(t, tr.Finish(context.Background()))
}

func TestStdio_OpenErrors(t *testing.T) {
	exec := &executil.RecordingExecutor{Errors: map[string]error{"missing": errors.New("not found")}}

	tr := NewStdio(exec, io.Discard, config.AgentConfig{Cmd: "missing"})
	_, _, err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Empty(t, tr.Identity())
	assert.NoError(t, tr.Finish(context.Background()), "finish before open is a no-op")

	tr = NewStdio(exec, io.Discard, config.AgentConfig{})
	_, _, err = tr.Open(context.Background())
	assert.Error(t, err)
}

func TestPipe(t *testing.T) {
	tr, agent := NewPipe("test")
	assert.Empty(t, tr.Identity())

	r, w, err := tr.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pipe-test", tr.Identity())

	go func() {
		_, _ = io.WriteString(agent, "hello\n")
	}()
	line, err := bufio.NewReader(r).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	go func() {
		_, _ = io.WriteString(w, "back\n")
	}()
	line, err = bufio.NewReader(agent).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "back\n", line)

	require.NoError(t, tr.Finish(context.Background()))
	require.NoError(t, tr.Finish(context.Background()))

	_, err = agent.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	_ = agent.Close()
}
