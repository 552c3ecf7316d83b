package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// Pipe is an in-process transport. The hub owns one end and the embedding
// program drives the agent side through the net.Conn returned by NewPipe.
type Pipe struct {
	tag  string
	conn net.Conn

	mu     sync.Mutex
	opened bool
	closed sync.Once
}

// NewPipe returns a transport and the agent's end of the stream.
func NewPipe(tag string) (*Pipe, net.Conn) {
	hubSide, agentSide := net.Pipe()
	return &Pipe{tag: tag, conn: hubSide}, agentSide
}

// Open hands out the hub's end of the pipe.
func (p *Pipe) Open(context.Context) (io.Reader, io.Writer, error) {
	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()
	return p.conn, p.conn, nil
}

// Identity is pipe-<tag> once opened.
func (p *Pipe) Identity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return ""
	}
	return "pipe-" + p.tag
}

// Finish closes the hub's end, which the agent observes as end of stream.
func (p *Pipe) Finish(context.Context) error {
	p.closed.Do(func() { _ = p.conn.Close() })
	return nil
}
