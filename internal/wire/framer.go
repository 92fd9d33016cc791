// Package wire frames JSON messages on a byte stream.
//
// A frame is a compact JSON document followed by the two-byte terminator
// "\n\n". encoding/json escapes newlines inside strings and emits no
// whitespace between tokens, so the terminator never occurs inside a frame.
// Binary payloads are carried as []byte fields, which encoding/json writes as
// base64.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// Terminator ends every frame.
var Terminator = []byte("\n\n")

// DefaultMaxFrameSize bounds a single frame. A 64MB chunk grows by a third
// when base64-encoded, plus envelope.
const DefaultMaxFrameSize = 96 << 20

// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", proto.ErrMalformedMessage)

// Encode serializes v into a terminated frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, Terminator...), nil
}

// WriteMessage writes v to w as a single frame.
func WriteMessage(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads bytes until the terminator and returns the frame without
// it. maxSize <= 0 means DefaultMaxFrameSize.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var buf []byte
	for {
		line, err := r.ReadSlice('\n')
		buf = append(buf, line...)
		if len(buf) > maxSize+len(Terminator) {
			return nil, ErrFrameTooLarge
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			if bytes.HasSuffix(buf, Terminator) {
				return buf[:len(buf)-len(Terminator)], nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: stream ended before terminator", proto.ErrMalformedMessage)
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
}

// Decode unmarshals a frame body into v.
func Decode(frame []byte, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrMalformedMessage, err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it into v.
func ReadMessage(r *bufio.Reader, v any, maxSize int) error {
	frame, err := ReadFrame(r, maxSize)
	if err != nil {
		return err
	}
	return Decode(frame, v)
}
