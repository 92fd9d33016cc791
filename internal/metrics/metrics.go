// Package metrics provides Prometheus metrics for the coordinator and storage nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide registry served by Handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// CoordinatorMetrics holds the coordinator's metrics.
type CoordinatorMetrics struct {
	Requests *prometheus.CounterVec // labels: type, status

	RegisteredNodes       prometheus.Gauge
	Files                 prometheus.Gauge
	Chunks                prometheus.Gauge
	UnderReplicatedChunks prometheus.Gauge // chunks with fewer than two holders

	HeartbeatCycles   prometheus.Counter
	HeartbeatDuration prometheus.Histogram
	NodeFailures      prometheus.Counter
	Rereplications    *prometheus.CounterVec // labels: result
}

// CoordinatorSnapshot is a point-in-time view of coordinator state.
type CoordinatorSnapshot struct {
	Nodes           int
	Files           int
	Chunks          int
	UnderReplicated int
}

// NewCoordinatorMetrics registers coordinator metrics with reg. A nil reg
// uses a private registry, which keeps several coordinators in one process
// from colliding.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &CoordinatorMetrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_coordinator_requests_total",
			Help: "Requests handled by the coordinator",
		}, []string{"type", "status"}),

		RegisteredNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_coordinator_registered_nodes",
			Help: "Storage nodes currently registered",
		}),
		Files: f.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_coordinator_files",
			Help: "Files with recorded chunk metadata",
		}),
		Chunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_coordinator_chunks",
			Help: "Chunks with at least one known location",
		}),
		UnderReplicatedChunks: f.NewGauge(prometheus.GaugeOpts{
			Name: "dfs_coordinator_under_replicated_chunks",
			Help: "Chunks held by fewer than two nodes",
		}),

		HeartbeatCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "dfs_coordinator_heartbeat_cycles_total",
			Help: "Completed heartbeat cycles",
		}),
		HeartbeatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dfs_coordinator_heartbeat_duration_seconds",
			Help:    "Time taken by one heartbeat cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		NodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dfs_coordinator_node_failures_total",
			Help: "Nodes removed after failing a health check",
		}),
		Rereplications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dfs_coordinator_rereplications_total",
			Help: "Re-replication attempts by result",
		}, []string{"result"}),
	}
}

// Observe copies a snapshot into the gauges.
func (m *CoordinatorMetrics) Observe(s CoordinatorSnapshot) {
	m.RegisteredNodes.Set(float64(s.Nodes))
	m.Files.Set(float64(s.Files))
	m.Chunks.Set(float64(s.Chunks))
	m.UnderReplicatedChunks.Set(float64(s.UnderReplicated))
}

// NodeMetrics holds a storage node's metrics.
type NodeMetrics struct {
	Requests *prometheus.CounterVec // labels: type, status

	ChunksStored prometheus.Gauge
	BytesStored  prometheus.Gauge
	KnownPeers   prometheus.Gauge

	BytesReceived prometheus.Counter
	BytesServed   prometheus.Counter
	FanOutPushes  *prometheus.CounterVec // labels: result
}

// NodeSnapshot is a point-in-time view of a node's store and peer sample.
type NodeSnapshot struct {
	Chunks int
	Bytes  int64
	Peers  int
}

// NewNodeMetrics registers node metrics labelled with nodeID. A nil reg uses
// a private registry.
func NewNodeMetrics(reg prometheus.Registerer, nodeID string) *NodeMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"node": nodeID}

	return &NodeMetrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "dfs_node_requests_total",
			Help:        "Requests handled by the storage node",
			ConstLabels: constLabels,
		}, []string{"type", "status"}),

		ChunksStored: f.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_node_chunks_stored",
			Help:        "Chunks held in the local store",
			ConstLabels: constLabels,
		}),
		BytesStored: f.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_node_bytes_stored",
			Help:        "Logical bytes held in the local store",
			ConstLabels: constLabels,
		}),
		KnownPeers: f.NewGauge(prometheus.GaugeOpts{
			Name:        "dfs_node_known_peers",
			Help:        "Peers in the most recent heartbeat sample",
			ConstLabels: constLabels,
		}),

		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "dfs_node_bytes_received_total",
			Help:        "Chunk bytes accepted for storage",
			ConstLabels: constLabels,
		}),
		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Name:        "dfs_node_bytes_served_total",
			Help:        "Chunk bytes returned to readers",
			ConstLabels: constLabels,
		}),
		FanOutPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "dfs_node_fanout_pushes_total",
			Help:        "Replica pushes to peers by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}
}

// Observe copies a snapshot into the gauges.
func (m *NodeMetrics) Observe(s NodeSnapshot) {
	m.ChunksStored.Set(float64(s.Chunks))
	m.BytesStored.Set(float64(s.Bytes))
	m.KnownPeers.Set(float64(s.Peers))
}
