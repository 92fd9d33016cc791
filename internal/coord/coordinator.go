// Package coord implements the coordinator: the node registry, file and
// chunk metadata, the failure detector and re-replication.
package coord

import (
	"context"
	"net"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/admin"
	"github.com/adarschwarzbach/distributed-file-system/internal/config"
	"github.com/adarschwarzbach/distributed-file-system/internal/metrics"
	"github.com/adarschwarzbach/distributed-file-system/internal/tracing"
	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configures a Coordinator.
type Options struct {
	Listen      string
	AdminListen string // Empty disables the admin HTTP server

	Workers      int
	IOTimeout    time.Duration
	MaxFrameSize int

	Heartbeat          HeartbeatConfig
	DisableHeartbeat   bool // Only RunCycle probes nodes
	RereplicationRate  float64
	RereplicationBurst int

	Trace bool // Serve runtime trace snapshots at /debug/trace on the admin server

	Registry   *prometheus.Registry // Private registry when nil
	NodeClient NodeClient           // Wire protocol client when nil
}

// OptionsFromConfig converts a loaded coordinator configuration.
func OptionsFromConfig(cfg *config.CoordinatorConfig) Options {
	return Options{
		Listen:       cfg.Listen,
		AdminListen:  cfg.AdminListen,
		Workers:      cfg.Workers,
		IOTimeout:    cfg.IOTimeoutDuration(),
		MaxFrameSize: int(cfg.MaxFrameSize.Bytes()),
		Heartbeat: HeartbeatConfig{
			Interval:       cfg.HeartbeatInterval(),
			ProbeTimeout:   cfg.HeartbeatProbeTimeout(),
			PeerSampleSize: cfg.Heartbeat.PeerSampleSize,
			MaxConcurrent:  cfg.Heartbeat.MaxConcurrent,
		},
		RereplicationRate:  cfg.Rereplication.RateLimit,
		RereplicationBurst: cfg.Rereplication.Burst,
		Trace:              cfg.Trace,
	}
}

// Coordinator serves metadata requests and watches node health.
type Coordinator struct {
	opts     Options
	logger   zerolog.Logger
	registry *Registry
	metrics  *metrics.CoordinatorMetrics
	promReg  *prometheus.Registry

	server       *transport.Server
	heartbeat    *HeartbeatMonitor
	rereplicator *Rereplicator
	admin        *admin.AdminServer
	tracer       *tracing.Recorder

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New creates a coordinator. Call Start to begin serving.
func New(opts Options, logger zerolog.Logger) *Coordinator {
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = transport.DefaultIOTimeout
	}
	if opts.RereplicationRate <= 0 {
		opts.RereplicationRate = 20
	}
	if opts.RereplicationBurst <= 0 {
		opts.RereplicationBurst = 10
	}
	if opts.Heartbeat.PeerSampleSize == 0 {
		opts.Heartbeat.PeerSampleSize = 2
	}

	promReg := opts.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	client := opts.NodeClient
	if client == nil {
		caller := transport.NewCaller(opts.IOTimeout)
		if opts.MaxFrameSize > 0 {
			caller.MaxFrameSize = opts.MaxFrameSize
		}
		client = NewNodeClient(caller)
	}

	logger = logger.With().Str("component", "coordinator").Logger()
	m := metrics.NewCoordinatorMetrics(promReg)
	registry := NewRegistry()
	rereplicator := NewRereplicator(registry, client, opts.RereplicationRate, opts.RereplicationBurst, opts.IOTimeout, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:         opts,
		logger:       logger,
		registry:     registry,
		metrics:      m,
		promReg:      promReg,
		rereplicator: rereplicator,
		heartbeat:    NewHeartbeatMonitor(registry, client, rereplicator, opts.Heartbeat, m, logger),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.server = transport.NewServer(c, transport.ServerOptions{
		Workers:      opts.Workers,
		IOTimeout:    opts.IOTimeout,
		MaxFrameSize: opts.MaxFrameSize,
	}, logger)
	return c
}

// Registry returns the coordinator's metadata registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Heartbeat returns the failure detector.
func (c *Coordinator) Heartbeat() *HeartbeatMonitor {
	return c.heartbeat
}

// Addr returns the bound request listener address.
func (c *Coordinator) Addr() net.Addr {
	return c.server.Addr()
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (c *Coordinator) AdminAddr() net.Addr {
	if c.admin == nil {
		return nil
	}
	return c.admin.Addr()
}

// Start begins serving requests, the failure detector and, if configured,
// the admin server.
func (c *Coordinator) Start() error {
	if err := c.server.Start(c.opts.Listen); err != nil {
		return err
	}

	if c.opts.AdminListen != "" {
		c.admin = admin.NewAdminServer(
			metrics.HandlerFor(c.promReg),
			func() any { return c.registry.Status() },
			func(ctx context.Context) any { return c.heartbeat.RunCycle(ctx) },
			c.logger,
		)
		if c.opts.Trace {
			rec, err := tracing.Start(tracing.DefaultBufferSize)
			if err != nil {
				c.logger.Warn().Err(err).Msg("runtime tracing unavailable")
			} else {
				c.tracer = rec
				c.admin.HandleTrace(rec)
			}
		}
		if err := c.admin.Start(c.opts.AdminListen); err != nil {
			c.stopTracer()
			_ = c.server.Stop()
			return err
		}
	}

	if !c.opts.DisableHeartbeat {
		c.heartbeat.Start()
	}

	c.started = true
	collector := metrics.NewCollector(c.observe)
	go func() {
		defer close(c.done)
		collector.Run(c.ctx, 5*time.Second)
	}()

	c.logger.Info().Str("addr", c.server.Addr().String()).Msg("coordinator started")
	return nil
}

// Stop shuts down every component and waits for in-flight requests.
func (c *Coordinator) Stop() error {
	c.cancel()
	if !c.started {
		return nil
	}
	// Also ends failure handling started by admin sweeps.
	c.heartbeat.Stop()
	err := c.server.Stop()
	if c.admin != nil {
		_ = c.admin.Stop()
	}
	c.stopTracer()
	<-c.done
	c.logger.Info().Msg("coordinator stopped")
	return err
}

func (c *Coordinator) stopTracer() {
	if c.tracer != nil {
		c.tracer.Stop()
	}
}

func (c *Coordinator) observe() {
	s := c.registry.Status()
	c.metrics.Observe(metrics.CoordinatorSnapshot{
		Nodes:           len(s.Nodes),
		Files:           s.Files,
		Chunks:          s.Chunks,
		UnderReplicated: s.UnderReplicated,
	})
}
