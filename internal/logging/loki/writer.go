// Package loki provides a zerolog writer that pushes log lines to Grafana
// Loki in batches.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a Writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels; job defaults to "dfs"
	BatchSize     int               // Lines buffered before an early flush
	FlushInterval time.Duration
	Timeout       time.Duration
	MaxBuffered   int // Lines kept while Loki is unreachable; older lines are dropped
}

// Writer is an io.Writer for zerolog. Writes never fail or block on the
// network; lines are pushed by a background goroutine.
type Writer struct {
	pushURL string
	labels  map[string]string
	client  *http.Client
	cfg     Config

	mu     sync.Mutex
	buffer []line

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	pushErrors atomic.Uint64
	dropped    atomic.Uint64
}

type line struct {
	at   time.Time
	text string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// New creates a writer and starts its flush loop. Call Close to flush the
// remaining lines and stop it.
func New(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 100 * cfg.BatchSize
	}

	labels := map[string]string{"job": "dfs"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	w := &Writer{
		pushURL: strings.TrimSuffix(cfg.URL, "/") + "/loki/api/v1/push",
		labels:  labels,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write buffers one log line.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" || w.closed.Load() {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.buffer) >= w.cfg.MaxBuffered {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, line{at: time.Now(), text: text})
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Close pushes what is buffered and stops the flush loop.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.stop)
	<-w.done
	return w.flush()
}

// PushErrors counts failed pushes.
func (w *Writer) PushErrors() uint64 {
	return w.pushErrors.Load()
}

// Dropped counts lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		_ = w.flush()
	}
}

// flush pushes the buffer. On failure the lines are put back in front of
// anything written since, so order is kept for the next attempt.
func (w *Writer) flush() error {
	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := w.push(batch)
	if err != nil {
		w.pushErrors.Add(1)
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		if over := len(w.buffer) - w.cfg.MaxBuffered; over > 0 {
			w.buffer = w.buffer[over:]
			w.dropped.Add(uint64(over))
		}
		w.mu.Unlock()
	}
	return err
}

func (w *Writer) push(batch []line) error {
	values := make([][2]string, len(batch))
	for i, l := range batch {
		values[i] = [2]string{strconv.FormatInt(l.at.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push to loki: status %d", resp.StatusCode)
	}
	return nil
}
