package node

import (
	"sync"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// PeerSample caches the peer list relayed by the coordinator's last health
// check. A sample older than the TTL yields no peers, so fan-out stops
// targeting a membership view the coordinator has stopped refreshing.
type PeerSample struct {
	self string
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	peers     []proto.ServerLocation
	updatedAt time.Time
}

// NewPeerSample creates an empty sample for the node with id self.
func NewPeerSample(self string, ttl time.Duration) *PeerSample {
	return &PeerSample{self: self, ttl: ttl, now: time.Now}
}

// Replace swaps in a new sample, dropping entries for this node.
func (p *PeerSample) Replace(peers []proto.ServerLocation) {
	kept := make([]proto.ServerLocation, 0, len(peers))
	for _, peer := range peers {
		if peer.ID == p.self || peer.Addr == "" {
			continue
		}
		kept = append(kept, peer)
	}

	p.mu.Lock()
	p.peers = kept
	p.updatedAt = p.now()
	p.mu.Unlock()
}

// Targets returns up to n peers from a fresh sample.
func (p *PeerSample) Targets(n int) []proto.ServerLocation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if n <= 0 || p.updatedAt.IsZero() {
		return nil
	}
	if p.ttl > 0 && p.now().Sub(p.updatedAt) > p.ttl {
		return nil
	}
	if n > len(p.peers) {
		n = len(p.peers)
	}
	out := make([]proto.ServerLocation, n)
	copy(out, p.peers[:n])
	return out
}

// Len returns the size of the cached sample, fresh or not.
func (p *PeerSample) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// Age returns the time since the last update, or zero if none was received.
func (p *PeerSample) Age() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.updatedAt.IsZero() {
		return 0
	}
	return p.now().Sub(p.updatedAt)
}
