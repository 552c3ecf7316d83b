package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNoSelection means the peer closed the stream or answered with an
	// empty line instead of picking a codec.
	ErrNoSelection = errors.New("no codec selected")

	// ErrUnknownCodec means the peer picked a label that was not proposed.
	ErrUnknownCodec = errors.New("unknown codec")
)

type flusher interface {
	Flush() error
}

// Negotiate proposes every codec in reg and reads back the peer's choice.
func Negotiate(r *bufio.Reader, w io.Writer, reg *Registry) (Codec, error) {
	if _, err := io.WriteString(w, reg.Proposal()); err != nil {
		return nil, fmt.Errorf("write proposal: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return nil, fmt.Errorf("write proposal: %w", err)
		}
	}

	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read selection: %w", err)
	}

	label := strings.TrimSpace(line)
	if label == "" {
		return nil, ErrNoSelection
	}

	codec, ok := reg.Lookup(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, label)
	}
	return codec, nil
}

// Select is the peer side of Negotiate: it reads the proposal and answers with
// the first preferred label the hub offered, or the hub's first label when
// prefer is empty.
func Select(r *bufio.Reader, w io.Writer, reg *Registry, prefer ...string) (Codec, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read proposal: %w", err)
	}
	offered := strings.Split(strings.TrimSpace(line), "|")

	choice := ""
	if len(prefer) == 0 && len(offered) > 0 {
		choice = offered[0]
	}
	for _, p := range prefer {
		for _, o := range offered {
			if p == o {
				choice = p
				break
			}
		}
		if choice != "" {
			break
		}
	}

	codec, ok := reg.Lookup(choice)
	if !ok {
		return nil, fmt.Errorf("%w: none of %v offered", ErrUnknownCodec, prefer)
	}
	if _, err := io.WriteString(w, choice+"\n"); err != nil {
		return nil, fmt.Errorf("write selection: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return nil, fmt.Errorf("write selection: %w", err)
		}
	}
	return codec, nil
}
