// Package node implements a storage node: it stores chunk bytes on local
// disk, serves them back, pushes replicas to peers and keeps the coordinator
// informed of what it holds.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/config"
	"github.com/adarschwarzbach/distributed-file-system/internal/metrics"
	"github.com/adarschwarzbach/distributed-file-system/internal/retry"
	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const nodeIDFile = "node_id"

// Options configures a Node.
type Options struct {
	ID            string // Loaded from or persisted to DataDir when empty
	DataDir       string
	Listen        string
	AdvertiseHost string // proto.AdvertiseHost() when empty
	AdvertisePort int    // The bound listen port when zero
	Coordinator   string

	Workers      int
	IOTimeout    time.Duration
	MaxFrameSize int

	FanOut        int // Peers each replicated upload is pushed to; 0 disables
	PeerSampleTTL time.Duration
	Compress      bool
	Path          PathFunc

	MetricsListen string
	Registry      *prometheus.Registry // Private registry when nil

	RegisterRetry retry.Policy
}

// OptionsFromConfig converts a loaded node configuration.
func OptionsFromConfig(cfg *config.NodeConfig) Options {
	return Options{
		ID:            cfg.ID,
		DataDir:       cfg.DataDir,
		Listen:        cfg.Listen,
		AdvertiseHost: cfg.AdvertiseAddr(""),
		AdvertisePort: cfg.AdvertisePort,
		Coordinator:   cfg.Coordinator,
		Workers:       cfg.Workers,
		IOTimeout:     cfg.IOTimeoutDuration(),
		MaxFrameSize:  int(cfg.MaxFrameSize.Bytes()),
		FanOut:        cfg.FanOut,
		PeerSampleTTL: cfg.PeerSampleTTLDuration(),
		Compress:      cfg.Compress,
		MetricsListen: cfg.MetricsListen,
	}
}

// Node is a storage node.
type Node struct {
	opts    Options
	id      string
	logger  zerolog.Logger
	store   *Store
	peers   *PeerSample
	caller  *transport.Caller
	server  *transport.Server
	metrics *metrics.NodeMetrics

	registry   *prometheus.Registry
	httpServer *http.Server

	location   proto.ServerLocation
	registered chan struct{}
	regOnce    sync.Once
	rejoin     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the node's store and prepares it to serve. Call Start to begin
// accepting requests.
func New(opts Options, logger zerolog.Logger) (*Node, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if opts.Coordinator == "" {
		return nil, fmt.Errorf("coordinator address is required")
	}
	if opts.RegisterRetry.InitialBackoff == 0 {
		opts.RegisterRetry = retry.Policy{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
	}

	id, err := resolveNodeID(opts.DataDir, opts.ID)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(opts.DataDir, id, StoreOptions{Compress: opts.Compress, Path: opts.Path})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:       opts,
		id:         id,
		logger:     logger.With().Str("component", "node").Str("node_id", id).Logger(),
		store:      store,
		peers:      NewPeerSample(id, opts.PeerSampleTTL),
		caller:     transport.NewCaller(opts.IOTimeout),
		metrics:    metrics.NewNodeMetrics(registry, id),
		registry:   registry,
		registered: make(chan struct{}),
		rejoin:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.MaxFrameSize > 0 {
		n.caller.MaxFrameSize = opts.MaxFrameSize
	}
	n.server = transport.NewServer(n, transport.ServerOptions{
		Workers:      opts.Workers,
		IOTimeout:    opts.IOTimeout,
		MaxFrameSize: opts.MaxFrameSize,
	}, n.logger)

	count, size := store.Stats()
	n.logger.Info().Str("data_dir", opts.DataDir).Int("chunks", count).Int64("bytes", size).Msg("chunk store opened")
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// Store returns the node's chunk store.
func (n *Node) Store() *Store {
	return n.store
}

// Addr returns the bound request listener address.
func (n *Node) Addr() net.Addr {
	return n.server.Addr()
}

// Location returns the address advertised to the coordinator. It is valid
// after Start.
func (n *Node) Location() proto.ServerLocation {
	return n.location
}

// Registered is closed once the coordinator has acknowledged this node.
func (n *Node) Registered() <-chan struct{} {
	return n.registered
}

// Start begins serving requests and joins the cluster in the background.
func (n *Node) Start() error {
	if err := n.server.Start(n.opts.Listen); err != nil {
		return err
	}

	host := n.opts.AdvertiseHost
	if host == "" {
		host = proto.AdvertiseHost()
	}
	port := n.opts.AdvertisePort
	if port == 0 {
		port = n.server.Addr().(*net.TCPAddr).Port
	}
	n.location = proto.ServerLocation{Addr: host, Port: port, ID: n.id}

	if n.opts.MetricsListen != "" {
		if err := n.startMetricsServer(); err != nil {
			_ = n.server.Stop()
			return err
		}
	}

	collector := metrics.NewCollector(func() {
		chunks, bytes := n.store.Stats()
		n.metrics.Observe(metrics.NodeSnapshot{Chunks: chunks, Bytes: bytes, Peers: n.peers.Len()})
	})
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		collector.Run(n.ctx, 15*time.Second)
	}()
	go n.membershipLoop()

	n.logger.Info().
		Str("advertise", n.location.Address()).
		Str("coordinator", n.opts.Coordinator).
		Msg("storage node started")
	return nil
}

// Stop stops accepting requests and waits for in-flight work, including
// background replica pushes and coordinator notifications.
func (n *Node) Stop() error {
	n.cancel()
	err := n.server.Stop()
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.httpServer.Shutdown(ctx)
		cancel()
	}
	n.wg.Wait()
	n.logger.Info().Msg("storage node stopped")
	return err
}

func (n *Node) startMetricsServer() error {
	listener, err := net.Listen("tcp", n.opts.MetricsListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.opts.MetricsListen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(n.registry))
	n.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	n.logger.Info().Str("addr", listener.Addr().String()).Msg("metrics server listening")
	return nil
}

// membershipLoop registers with the coordinator, announces every stored
// chunk, and repeats whenever the coordinator turns out to have forgotten
// this node.
func (n *Node) membershipLoop() {
	defer n.wg.Done()

	for {
		if err := retry.Do(n.ctx, n.opts.RegisterRetry, n.logger, "register with coordinator", n.register); err != nil {
			if n.ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("giving up on registration")
			}
			return
		}
		n.regOnce.Do(func() { close(n.registered) })
		n.announceStored()

		select {
		case <-n.ctx.Done():
			return
		case <-n.rejoin:
			n.logger.Warn().Msg("coordinator no longer lists this node, registering again")
		}
	}
}

func (n *Node) register(ctx context.Context) error {
	resp, err := n.caller.Do(ctx, n.opts.Coordinator, &proto.Request{
		Type:          proto.RegisterChunkServer,
		ChunkServerID: n.id,
		Host:          n.location.Addr,
		Port:          n.location.Port,
	})
	if err != nil {
		return err
	}
	n.logger.Info().Str("coordinator", n.opts.Coordinator).Str("ack", resp.Message).Msg("registered with coordinator")
	return nil
}

// announceStored reports chunks that survived a restart.
func (n *Node) announceStored() {
	chunks := n.store.List()
	if len(chunks) == 0 {
		return
	}
	announced := 0
	for _, c := range chunks {
		if n.ctx.Err() != nil {
			return
		}
		if err := n.notifyStored(n.ctx, c.ID, c.Size); err != nil {
			n.logger.Warn().Err(err).Str("chunk", c.ID).Msg("failed to announce stored chunk")
			if errors.Is(err, proto.ErrNotFound) {
				return
			}
			continue
		}
		announced++
	}
	n.logger.Info().Int("chunks", announced).Msg("announced stored chunks to coordinator")
}

// notifyStored sends CHUNK_UPLOAD_SUCCESS. A not_found reply means the
// coordinator dropped this node, which triggers a fresh registration.
func (n *Node) notifyStored(ctx context.Context, chunkID string, size int64) error {
	policy := retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Retryable:      func(err error) bool { return errors.Is(err, proto.ErrUnreachable) },
	}
	err := retry.Do(ctx, policy, n.logger, "notify coordinator", func(ctx context.Context) error {
		_, err := n.caller.Do(ctx, n.opts.Coordinator, &proto.Request{
			Type:          proto.ChunkUploadSuccess,
			ChunkID:       chunkID,
			ChunkServerID: n.id,
			ChunkSize:     proto.Size(size),
		})
		return err
	})
	if errors.Is(err, proto.ErrNotFound) {
		n.requestRejoin()
	}
	return err
}

func (n *Node) requestRejoin() {
	select {
	case n.rejoin <- struct{}{}:
	default:
	}
}

// resolveNodeID returns id, or the id persisted in dataDir, generating and
// persisting a new one on first start.
func resolveNodeID(dataDir, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, nodeIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if existing := strings.TrimSpace(string(data)); existing != "" {
			return existing, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id = uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}
