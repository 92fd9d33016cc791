package coord

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// NodeRecord is the coordinator's view of a registered storage node.
type NodeRecord struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	ReplicaCount int       `json:"replica_count"` // Replicas ever recorded on this node
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	seq uint64
}

// Location returns the node's dialable identity.
func (n NodeRecord) Location() proto.ServerLocation {
	return proto.ServerLocation{Addr: n.Host, Port: n.Port, ID: n.ID}
}

type chunkRecord struct {
	size     int64 // -1 until reported
	replicas map[string]struct{}
}

type fileChunk struct {
	id   string
	size int64
}

// Registry holds all coordinator metadata: nodes, chunk replica sets, the
// per-node reverse index and file layouts. Methods return copies; nothing
// outside the registry can reach its maps.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*NodeRecord
	chunks map[string]*chunkRecord
	hosted map[string]map[string]struct{} // node id -> chunk ids
	files  map[string][]fileChunk
	seq    uint64
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:  make(map[string]*NodeRecord),
		chunks: make(map[string]*chunkRecord),
		hosted: make(map[string]map[string]struct{}),
		files:  make(map[string][]fileChunk),
		now:    time.Now,
	}
}

// RegisterNode adds a node or updates its address. It reports whether the
// node was new.
func (r *Registry) RegisterNode(id, host string, port int) (bool, error) {
	if id == "" || host == "" {
		return false, fmt.Errorf("%w: chunk_server_id and host are required", proto.ErrInvalidRequest)
	}
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("%w: invalid port %d", proto.ErrInvalidRequest, port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.nodes[id]; ok {
		existing.Host = host
		existing.Port = port
		existing.LastSeen = now
		return false, nil
	}

	r.seq++
	r.nodes[id] = &NodeRecord{
		ID:           id,
		Host:         host,
		Port:         port,
		RegisteredAt: now,
		LastSeen:     now,
		seq:          r.seq,
	}
	return true, nil
}

// Nodes returns all registered nodes in registration order.
func (r *Registry) Nodes() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodesLocked()
}

func (r *Registry) nodesLocked() []NodeRecord {
	out := make([]NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Node returns the record for id.
func (r *Registry) Node(id string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

// Touch records a successful health check.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastSeen = r.now()
	}
}

// RecordReplica adds nodeID to the replica set of chunkID. It reports
// whether the membership is new. Unknown nodes are rejected so a late report
// cannot put a failed node back into a replica set.
func (r *Registry) RecordReplica(chunkID, nodeID string, size *int64) (bool, error) {
	if chunkID == "" || nodeID == "" {
		return false, fmt.Errorf("%w: chunk_id and chunk_server_id are required", proto.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("node %s: %w", nodeID, proto.ErrNotFound)
	}

	chunk := r.chunkLocked(chunkID)
	if size != nil && *size >= 0 {
		chunk.size = *size
	}
	if _, ok := chunk.replicas[nodeID]; ok {
		return false, nil
	}

	chunk.replicas[nodeID] = struct{}{}
	hosted, ok := r.hosted[nodeID]
	if !ok {
		hosted = make(map[string]struct{})
		r.hosted[nodeID] = hosted
	}
	hosted[chunkID] = struct{}{}
	node.ReplicaCount++
	return true, nil
}

func (r *Registry) chunkLocked(chunkID string) *chunkRecord {
	chunk, ok := r.chunks[chunkID]
	if !ok {
		chunk = &chunkRecord{size: -1, replicas: make(map[string]struct{})}
		r.chunks[chunkID] = chunk
	}
	return chunk
}

// RegisterFile records the chunk layout of a file. Indices must be exactly
// 0..n-1 and a file id can be registered once.
func (r *Registry) RegisterFile(fileID string, metadata []proto.ChunkMetadata) error {
	if fileID == "" {
		return fmt.Errorf("%w: missing file_id", proto.ErrInvalidRequest)
	}

	layout := make([]fileChunk, len(metadata))
	seen := make([]bool, len(metadata))
	for _, m := range metadata {
		if m.ChunkID == "" {
			return fmt.Errorf("%w: chunk %d has no chunk_id", proto.ErrInvalidRequest, m.ChunkIndex)
		}
		if m.ChunkIndex < 0 || m.ChunkIndex >= len(metadata) {
			return fmt.Errorf("%w: chunk_index %d out of range for %d chunks", proto.ErrInvalidRequest, m.ChunkIndex, len(metadata))
		}
		if seen[m.ChunkIndex] {
			return fmt.Errorf("%w: duplicate chunk_index %d", proto.ErrInvalidRequest, m.ChunkIndex)
		}
		seen[m.ChunkIndex] = true
		layout[m.ChunkIndex] = fileChunk{id: m.ChunkID, size: m.ChunkSize}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[fileID]; exists {
		return fmt.Errorf("%w: file %s already registered", proto.ErrInvalidRequest, fileID)
	}
	r.files[fileID] = layout
	for _, c := range layout {
		chunk := r.chunkLocked(c.id)
		if chunk.size < 0 {
			chunk.size = c.size
		}
	}
	return nil
}

// FileLocations returns, in index order, each chunk of fileID with the
// nodes currently believed to hold it, sorted by node id. A chunk nobody
// holds is returned with no locations.
func (r *Registry) FileLocations(fileID string) ([]proto.ChunkLocations, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	layout, ok := r.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, proto.ErrNotFound)
	}

	out := make([]proto.ChunkLocations, len(layout))
	for i, c := range layout {
		loc := proto.ChunkLocations{ChunkID: c.id, Index: i, Size: c.size, Locations: []proto.ServerLocation{}}
		if chunk, ok := r.chunks[c.id]; ok {
			if chunk.size >= 0 {
				loc.Size = chunk.size
			}
			loc.Locations = r.holdersLocked(chunk)
		}
		out[i] = loc
	}
	return out, nil
}

func (r *Registry) holdersLocked(chunk *chunkRecord) []proto.ServerLocation {
	holders := make([]proto.ServerLocation, 0, len(chunk.replicas))
	for id := range chunk.replicas {
		if n, ok := r.nodes[id]; ok {
			holders = append(holders, n.Location())
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].ID < holders[j].ID })
	return holders
}

// Holders returns the ids of the nodes holding chunkID, sorted.
func (r *Registry) Holders(chunkID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunk, ok := r.chunks[chunkID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(chunk.replicas))
	for id := range chunk.replicas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveNode deletes a node and strips it from every replica set. It
// returns the chunks the node hosted, sorted.
func (r *Registry) RemoveNode(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return nil, false
	}
	delete(r.nodes, id)

	hosted := make([]string, 0, len(r.hosted[id]))
	for chunkID := range r.hosted[id] {
		if chunk, ok := r.chunks[chunkID]; ok {
			delete(chunk.replicas, id)
		}
		hosted = append(hosted, chunkID)
	}
	delete(r.hosted, id)

	sort.Strings(hosted)
	return hosted, true
}

// ReplicationPlan returns the sources and candidate targets for copying
// chunkID. Sources are current holders; targets are the other registered
// nodes, least loaded first.
func (r *Registry) ReplicationPlan(chunkID string) (sources, targets []proto.ServerLocation) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunk, ok := r.chunks[chunkID]
	if !ok {
		return nil, nil
	}
	sources = r.holdersLocked(chunk)

	candidates := make([]NodeRecord, 0, len(r.nodes))
	for id, n := range r.nodes {
		if _, holds := chunk.replicas[id]; !holds {
			candidates = append(candidates, *n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReplicaCount != candidates[j].ReplicaCount {
			return candidates[i].ReplicaCount < candidates[j].ReplicaCount
		}
		return candidates[i].seq < candidates[j].seq
	})
	for _, n := range candidates {
		targets = append(targets, n.Location())
	}
	return sources, targets
}

// Status is a point-in-time summary of the registry.
type Status struct {
	Nodes           []NodeRecord `json:"nodes"`
	Files           int          `json:"files"`
	Chunks          int          `json:"chunks"`
	UnderReplicated int          `json:"under_replicated"`
	Degraded        []string     `json:"degraded_chunks"`
}

// Status summarizes the registry. Degraded chunks have no known holder;
// under-replicated chunks have fewer than two.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		Nodes:    r.nodesLocked(),
		Files:    len(r.files),
		Chunks:   len(r.chunks),
		Degraded: []string{},
	}
	for id, chunk := range r.chunks {
		live := 0
		for nodeID := range chunk.replicas {
			if _, ok := r.nodes[nodeID]; ok {
				live++
			}
		}
		if live < 2 {
			s.UnderReplicated++
		}
		if live == 0 {
			s.Degraded = append(s.Degraded, id)
		}
	}
	sort.Strings(s.Degraded)
	return s
}
