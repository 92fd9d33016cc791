package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrChunkLost means no surviving node holds the chunk.
	ErrChunkLost = errors.New("chunk lost")
	// ErrNoTarget means every live node already holds the chunk.
	ErrNoTarget = errors.New("no re-replication target")
)

// Rereplicator restores replicas of chunks hosted by failed nodes.
type Rereplicator struct {
	registry *Registry
	client   NodeClient
	limiter  *rate.Limiter
	timeout  time.Duration
	metrics  *metrics.CoordinatorMetrics
	logger   zerolog.Logger
}

// NewRereplicator creates a rereplicator that issues at most ratePerSec
// instructions per second, each bounded by timeout.
func NewRereplicator(registry *Registry, client NodeClient, ratePerSec float64, burst int, timeout time.Duration, m *metrics.CoordinatorMetrics, logger zerolog.Logger) *Rereplicator {
	return &Rereplicator{
		registry: registry,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With().Str("component", "rereplicator").Logger(),
	}
}

// HandleNodeFailure removes nodeID from the registry and re-replicates every
// chunk it hosted.
func (r *Rereplicator) HandleNodeFailure(ctx context.Context, nodeID string) {
	hosted, ok := r.registry.RemoveNode(nodeID)
	if !ok {
		return
	}
	r.metrics.NodeFailures.Inc()
	r.logger.Warn().Str("node", nodeID).Int("chunks", len(hosted)).Msg("node failed, removed from registry")

	for _, chunkID := range hosted {
		if ctx.Err() != nil {
			return
		}
		err := r.Rereplicate(ctx, chunkID)
		switch {
		case err == nil:
			r.metrics.Rereplications.WithLabelValues("success").Inc()
		case errors.Is(err, ErrChunkLost):
			r.metrics.Rereplications.WithLabelValues("lost").Inc()
			r.logger.Error().Str("chunk", chunkID).Msg("chunk lost: no surviving replica")
		case errors.Is(err, ErrNoTarget):
			r.metrics.Rereplications.WithLabelValues("no_target").Inc()
			r.logger.Warn().Str("chunk", chunkID).Msg("chunk under-replicated: no spare node")
		default:
			r.metrics.Rereplications.WithLabelValues("failure").Inc()
			r.logger.Warn().Err(err).Str("chunk", chunkID).Msg("re-replication failed")
		}
	}
}

// Rereplicate copies chunkID to one node that does not hold it. Targets are
// tried least loaded first and, for each target, every source in turn; the
// target joins the replica set only after a push succeeds.
func (r *Rereplicator) Rereplicate(ctx context.Context, chunkID string) error {
	sources, targets := r.registry.ReplicationPlan(chunkID)
	if len(sources) == 0 {
		return fmt.Errorf("%s: %w", chunkID, ErrChunkLost)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%s: %w", chunkID, ErrNoTarget)
	}

	var errs []error
	for _, target := range targets {
		for _, source := range sources {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("re-replicate %s: %w", chunkID, err)
			}

			pushCtx, cancel := context.WithTimeout(ctx, r.timeout)
			err := r.client.ReplicateChunk(pushCtx, source, chunkID, target)
			cancel()
			if err != nil {
				r.logger.Debug().Err(err).
					Str("chunk", chunkID).
					Str("source", source.ID).
					Str("target", target.ID).
					Msg("re-replication attempt failed")
				errs = append(errs, fmt.Errorf("%s -> %s: %w", source.ID, target.ID, err))
				continue
			}

			if _, err := r.registry.RecordReplica(chunkID, target.ID, nil); err != nil {
				// The target failed between the push and now; try the next one.
				errs = append(errs, fmt.Errorf("record %s on %s: %w", chunkID, target.ID, err))
				break
			}
			r.logger.Info().
				Str("chunk", chunkID).
				Str("source", source.ID).
				Str("target", target.ID).
				Msg("chunk re-replicated")
			return nil
		}
	}
	return fmt.Errorf("re-replicate %s: %w", chunkID, errors.Join(errs...))
}
