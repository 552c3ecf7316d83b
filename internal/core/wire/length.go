package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder: " + err.Error())
	}
}

// LengthJSON frames JSON documents behind a 4-byte big-endian length.
type LengthJSON struct{}

func (LengthJSON) Label() string { return "4bj" }

func (LengthJSON) Decode(r *bufio.Reader) (any, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func (LengthJSON) Encode(w io.Writer, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// LengthCBOR frames CBOR documents behind a 4-byte big-endian length. It is
// intended for same-implementation peers only.
type LengthCBOR struct{}

func (LengthCBOR) Label() string { return "4bc" }

func (LengthCBOR) Decode(r *bufio.Reader) (any, error) {
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var v any
	if err := cborDec.Unmarshal(frame, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func (LengthCBOR) Encode(w io.Writer, v any) error {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return writeFrame(w, data)
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %w: %d bytes", ErrUnencodable, ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// marshalJSON encodes v without HTML escaping and without the trailing newline
// json.Encoder appends.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
