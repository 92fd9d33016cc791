package coord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/metrics"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HeartbeatConfig tunes the failure detector.
type HeartbeatConfig struct {
	Interval       time.Duration // Cycle length; no probe starts after it
	ProbeTimeout   time.Duration
	PeerSampleSize int
	MaxConcurrent  int
}

// CycleResult summarizes one heartbeat cycle.
type CycleResult struct {
	Probed  int      `json:"probed"`
	Skipped int      `json:"skipped"` // Not started before the cycle deadline
	Failed  []string `json:"failed"`
}

// HeartbeatMonitor probes every registered node once per interval. A node
// that errors, times out or answers anything but OK is removed and its
// chunks are re-replicated.
type HeartbeatMonitor struct {
	registry     *Registry
	client       NodeClient
	rereplicator *Rereplicator
	config       HeartbeatConfig
	metrics      *metrics.CoordinatorMetrics
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatMonitor creates a monitor. Call Start to run it periodically
// or RunCycle to run a single sweep.
func NewHeartbeatMonitor(registry *Registry, client NodeClient, rereplicator *Rereplicator, cfg HeartbeatConfig, m *metrics.CoordinatorMetrics, logger zerolog.Logger) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > cfg.Interval {
		cfg.ProbeTimeout = cfg.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HeartbeatMonitor{
		registry:     registry,
		client:       client,
		rereplicator: rereplicator,
		config:       cfg,
		metrics:      m,
		logger:       logger.With().Str("component", "heartbeat").Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start runs a cycle every interval in the background.
func (h *HeartbeatMonitor) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info().Dur("interval", h.config.Interval).Msg("heartbeat monitor started")
}

// Stop stops the background loop and waits for the running cycle to finish.
func (h *HeartbeatMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Info().Msg("heartbeat monitor stopped")
}

func (h *HeartbeatMonitor) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.RunCycle(h.ctx)
		}
	}
}

// RunCycle probes a snapshot of the registered nodes concurrently and
// handles every failure before returning. Probes that have not started by
// the end of the interval are skipped rather than counted as failures.
// Failure handling is bound to the monitor, not to ctx, so a sweep
// abandoned by its caller still re-replicates what it removed.
func (h *HeartbeatMonitor) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	deadline := start.Add(h.config.Interval)
	nodes := h.registry.Nodes()
	locations := make([]proto.ServerLocation, len(nodes))
	for i, n := range nodes {
		locations[i] = n.Location()
	}

	var (
		mu       sync.Mutex
		failed   []string
		probed   int
		skipped  int
		handlers sync.WaitGroup
	)
	var g errgroup.Group
	g.SetLimit(h.config.MaxConcurrent)
	for _, node := range locations {
		g.Go(func() error {
			if ctx.Err() != nil || time.Now().After(deadline) {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			peers := samplePeers(locations, node.ID, h.config.PeerSampleSize)

			probeCtx, probeCancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
			err := h.client.HealthCheck(probeCtx, node, peers)
			probeCancel()

			mu.Lock()
			probed++
			mu.Unlock()

			if err == nil {
				h.registry.Touch(node.ID)
				return nil
			}
			// Shutting down is not evidence that the node failed.
			if ctx.Err() != nil {
				return nil
			}

			h.logger.Warn().Err(err).Str("node", node.ID).Str("addr", node.Address()).Msg("health check failed")
			mu.Lock()
			failed = append(failed, node.ID)
			mu.Unlock()

			handlers.Add(1)
			go func() {
				defer handlers.Done()
				h.rereplicator.HandleNodeFailure(h.ctx, node.ID)
			}()
			return nil
		})
	}
	_ = g.Wait()
	handlers.Wait()

	sort.Strings(failed)
	h.metrics.HeartbeatCycles.Inc()
	h.metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())

	event := h.logger.Debug()
	if len(failed) > 0 || skipped > 0 {
		event = h.logger.Info()
	}
	event.Int("probed", probed).Int("skipped", skipped).Strs("failed", failed).Msg("heartbeat cycle complete")
	return CycleResult{Probed: probed, Skipped: skipped, Failed: failed}
}
