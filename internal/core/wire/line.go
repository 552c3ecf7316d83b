package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// LineJSON carries one JSON document per line.
type LineJSON struct{}

func (LineJSON) Label() string { return "jnl" }

func (LineJSON) Decode(r *bufio.Reader) (any, error) {
	line, err := readLine(r, MaxFrameSize)
	if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func (LineJSON) Encode(w io.Writer, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	data = bytes.ReplaceAll(data, []byte("\n"), []byte(" "))
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readLine reads through the next line break. A line longer than limit,
// terminator excluded, fails with ErrFrameTooLarge.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		n := len(line)
		if n > 0 && line[n-1] == '\n' {
			n--
		}
		if n > limit {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, limit)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}
