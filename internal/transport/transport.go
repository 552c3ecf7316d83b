// Package transport binds an agent session to a byte stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hay-kot/lrmq/internal/core/config"
	"github.com/hay-kot/lrmq/pkg/executil"
)

// ErrUnknownType is returned for descriptors naming an unsupported transport.
var ErrUnknownType = errors.New("unknown transport type")

// Transport is the stream a session speaks the wire protocol over.
type Transport interface {
	// Open establishes the stream. The reader carries agent requests, the
	// writer carries hub responses.
	Open(ctx context.Context) (io.Reader, io.Writer, error)
	// Identity names the peer. It is empty until Open succeeds.
	Identity() string
	// Finish closes the stream and waits for the peer to go away. It is safe
	// to call more than once and before Open.
	Finish(ctx context.Context) error
}

// Factory builds transports for agent descriptors.
type Factory struct {
	Exec   executil.Executor
	Stderr io.Writer
}

// NewFactory returns a factory spawning real processes whose stderr is
// inherited from the hub.
func NewFactory() *Factory {
	return &Factory{Exec: &executil.RealExecutor{}, Stderr: os.Stderr}
}

// New builds the transport described by cfg.
func (f *Factory) New(cfg config.AgentConfig) (Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		return NewStdio(f.Exec, f.Stderr, cfg), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, cfg.Type)
	}
}
