// Package tracing keeps a rolling window of runtime execution trace that can
// be dumped on demand for `go tool trace`.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize bounds the trace window.
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotRunning is returned by WriteTo after Stop.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime flight recorder. Only one can run per process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording, keeping at least the last 30 seconds or
// bufferSize bytes of trace.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// WriteTo writes the current window to w.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, ErrNotRunning
	}
	return r.fr.WriteTo(w)
}

// Stop stops recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
