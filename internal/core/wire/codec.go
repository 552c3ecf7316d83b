// Package wire implements the framing codecs agents negotiate at connect time
// and the handshake that selects one of them.
package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var (
	// ErrMalformed is returned when a frame was read completely but its payload
	// could not be parsed. The stream is still usable after this error.
	ErrMalformed = errors.New("malformed payload")

	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnencodable is returned by Encode when the value cannot be serialized.
	// Nothing has been written to the stream in that case.
	ErrUnencodable = errors.New("unencodable value")
)

// MaxFrameSize bounds a single length-prefixed frame.
const MaxFrameSize = 64 << 20

// Codec decodes requests from and encodes responses to a negotiated stream.
// Implementations are stateless and safe for concurrent use.
type Codec interface {
	// Label is the short name proposed during negotiation.
	Label() string
	// Decode reads exactly one message. A clean end of stream returns io.EOF.
	Decode(r *bufio.Reader) (any, error)
	// Encode writes exactly one message. Callers flush buffered writers.
	Encode(w io.Writer, v any) error
}

// Registry is an immutable, ordered set of codecs.
type Registry struct {
	codecs  []Codec
	byLabel map[string]Codec
}

// NewRegistry builds a registry that proposes codecs in the given order.
// Later codecs with a duplicate label are ignored.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{byLabel: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		if _, ok := r.byLabel[c.Label()]; ok {
			continue
		}
		r.codecs = append(r.codecs, c)
		r.byLabel[c.Label()] = c
	}
	return r
}

// DefaultRegistry returns the reference codecs: 4bj, 4bc and jnl.
func DefaultRegistry() *Registry {
	return NewRegistry(LengthJSON{}, LengthCBOR{}, LineJSON{})
}

// Labels returns codec labels in proposal order.
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		labels[i] = c.Label()
	}
	return labels
}

// Proposal returns the negotiation line, including the line break.
func (r *Registry) Proposal() string {
	return strings.Join(r.Labels(), "|") + "\n"
}

// Lookup returns the codec registered under label.
func (r *Registry) Lookup(label string) (Codec, bool) {
	c, ok := r.byLabel[label]
	return c, ok
}
