package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoki struct {
	mu      sync.Mutex
	pushes  []pushRequest
	failing atomic.Bool
}

func (f *fakeLoki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/loki/api/v1/push" {
		http.NotFound(w, r)
		return
	}
	if f.failing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func startFakeLoki(t *testing.T) (*fakeLoki, string) {
	t.Helper()
	f := &fakeLoki{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestWriter_FlushOnClose(t *testing.T) {
	f, url := startFakeLoki(t)
	w := New(Config{URL: url, FlushInterval: time.Hour, Labels: map[string]string{"role": "node"}})

	logger := zerolog.New(w)
	logger.Info().Msg("first")
	logger.Info().Msg("second")
	require.NoError(t, w.Close())

	lines := f.lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"first"`)
	assert.Contains(t, lines[1], `"message":"second"`)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, map[string]string{"job": "dfs", "role": "node"}, f.pushes[0].Streams[0].Stream)
}

func TestWriter_FlushWhenBatchFull(t *testing.T) {
	f, url := startFakeLoki(t)
	w := New(Config{URL: url, BatchSize: 3, FlushInterval: time.Hour})
	defer func() { _ = w.Close() }()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte("line\n"))
	}
	require.Eventually(t, func() bool { return len(f.lines()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_KeepsLinesWhileLokiDown(t *testing.T) {
	f, url := startFakeLoki(t)
	f.failing.Store(true)
	w := New(Config{URL: url, FlushInterval: 10 * time.Millisecond})

	_, _ = w.Write([]byte("kept"))
	require.Eventually(t, func() bool { return w.PushErrors() > 0 }, 2*time.Second, 10*time.Millisecond)

	f.failing.Store(false)
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"kept"}, f.lines())
}

func TestWriter_DropsOldestWhenBufferFull(t *testing.T) {
	f, url := startFakeLoki(t)
	w := New(Config{URL: url, BatchSize: 5000, MaxBuffered: 1000, FlushInterval: time.Hour})

	for i := 0; i < 1002; i++ {
		_, _ = w.Write([]byte("x"))
	}
	assert.Equal(t, uint64(2), w.Dropped())
	require.NoError(t, w.Close())
	assert.Len(t, f.lines(), 1000)
}

func TestWriter_IgnoresBlankAndLateWrites(t *testing.T) {
	f, url := startFakeLoki(t)
	w := New(Config{URL: url, FlushInterval: time.Hour})

	_, _ = w.Write([]byte("   \n"))
	require.NoError(t, w.Close())
	n, err := w.Write([]byte("after close"))
	assert.NoError(t, err)
	assert.Equal(t, len("after close"), n)
	assert.NoError(t, w.Close())

	assert.Empty(t, f.lines())
}
