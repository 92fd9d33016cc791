package coord

import (
	"math/rand/v2"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// samplePeers picks up to k nodes other than self, uniformly at random.
func samplePeers(nodes []proto.ServerLocation, self string, k int) []proto.ServerLocation {
	if k <= 0 {
		return nil
	}
	others := make([]proto.ServerLocation, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != self {
			others = append(others, n)
		}
	}
	rand.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	if len(others) > k {
		others = others[:k]
	}
	return others
}
