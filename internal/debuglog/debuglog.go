// Package debuglog records hub log events to a binary file for later
// inspection. Each record is a 4-byte big-endian length followed by a CBOR
// map holding the event's fields.
package debuglog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("debuglog: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("debuglog: cbor decoder: " + err.Error())
	}
}

// Writer turns zerolog JSON events into length-prefixed CBOR records. It is
// meant to be passed to zerolog as an output.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// New wraps w.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Create truncates or creates the file at path.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return &Writer{w: f, c: f}, nil
}

// Write records one zerolog event. Input that is not a JSON object is stored
// under the "raw" key.
func (w *Writer) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		fields = map[string]any{"raw": string(p)}
	}

	data, err := encMode.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("encode debug record: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.w.Write(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying file, if the writer owns one.
func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]map[string]any, error) {
	br := bufio.NewReader(r)

	var records []map[string]any
	for {
		var header [4]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("read record header: %w", err)
		}

		data := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(br, data); err != nil {
			return records, fmt.Errorf("read record: %w", err)
		}

		var rec map[string]any
		if err := decMode.Unmarshal(data, &rec); err != nil {
			return records, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
}

// ReadFile decodes every record in the file at path.
func ReadFile(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadAll(f)
}

// Events returns the "event" field of each record that has one, in order.
func Events(records []map[string]any) []string {
	var events []string
	for _, rec := range records {
		if ev, ok := rec["event"].(string); ok {
			events = append(events, ev)
		}
	}
	return events
}
