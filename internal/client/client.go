// Package client uploads files to and downloads files from the cluster.
// Files are split into fixed-size chunks that are spread round-robin over
// the registered storage nodes; the coordinator keeps the chunk map.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/config"
	"github.com/adarschwarzbach/distributed-file-system/internal/retry"
	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/rs/zerolog"
)

// ErrNoNodes is returned by Upload when no storage node is registered.
var ErrNoNodes = errors.New("no storage nodes registered")

// Options configures a Client.
type Options struct {
	Coordinator    string
	ChunkSize      int64
	MaxRetries     int // Extra attempts per chunk upload after the first
	RetryBaseDelay time.Duration
	Parallelism    int
	Timeout        time.Duration // Bound on each request
	CacheDir       string        // No local cache when empty
}

// OptionsFromConfig converts a loaded client configuration.
func OptionsFromConfig(cfg *config.ClientConfig) Options {
	return Options{
		Coordinator:    cfg.Coordinator,
		ChunkSize:      cfg.ChunkSize.Bytes(),
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelayDuration(),
		Parallelism:    cfg.Parallelism,
		Timeout:        cfg.TimeoutDuration(),
		CacheDir:       cfg.CacheDir,
	}
}

// Client talks to the coordinator and storage nodes.
type Client struct {
	opts   Options
	caller *transport.Caller
	cache  *Cache
	logger zerolog.Logger
}

// New creates a client. It does not contact the coordinator.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.Coordinator == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}

	c := &Client{
		opts:   opts,
		caller: transport.NewCaller(opts.Timeout),
		logger: logger.With().Str("component", "client").Logger(),
	}
	if opts.CacheDir != "" {
		cache, err := OpenCache(opts.CacheDir)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

// Cache returns the local cache, or nil when the client runs without one.
func (c *Client) Cache() *Cache {
	return c.cache
}

// ClientID returns the id the coordinator issued to this client. With a
// cache the id is requested once and reused afterwards.
func (c *Client) ClientID(ctx context.Context) (string, error) {
	if c.cache != nil {
		id, err := c.cache.ClientID()
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	resp, err := c.coordinator(ctx, &proto.Request{Type: proto.GetClientID})
	if err != nil {
		return "", err
	}
	if resp.ClientID == "" {
		return "", fmt.Errorf("%w: empty client id", proto.ErrMalformedMessage)
	}

	if c.cache != nil {
		if err := c.cache.SaveClientID(resp.ClientID); err != nil {
			return "", err
		}
	}
	return resp.ClientID, nil
}

// Nodes lists the registered storage nodes in registration order.
func (c *Client) Nodes(ctx context.Context) ([]proto.ServerLocation, error) {
	resp, err := c.coordinator(ctx, &proto.Request{Type: proto.GetChunkServers})
	if err != nil {
		return nil, err
	}
	return resp.ChunkServers, nil
}

// FileData returns the chunk map of a registered file, ordered by index.
func (c *Client) FileData(ctx context.Context, fileID string) ([]proto.ChunkLocations, error) {
	resp, err := c.coordinator(ctx, &proto.Request{Type: proto.GetFileData, FileID: fileID})
	if err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

func (c *Client) coordinator(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	return c.caller.Do(ctx, c.opts.Coordinator, req)
}

func (c *Client) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.opts.MaxRetries + 1,
		InitialBackoff: c.opts.RetryBaseDelay,
		MaxBackoff:     32 * c.opts.RetryBaseDelay,
		Retryable:      retryableUpload,
	}
}

// retryableUpload reports whether a chunk upload may succeed when tried
// again. Rejected requests will be rejected again.
func retryableUpload(err error) bool {
	return !errors.Is(err, proto.ErrInvalidRequest) && !errors.Is(err, proto.ErrMalformedMessage)
}
