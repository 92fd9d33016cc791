package node

import (
	"context"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"golang.org/x/sync/errgroup"
)

// fanOut pushes a freshly stored chunk to peers from the cached sample.
// Failures are logged and counted; the original uploader already has its
// answer.
func (n *Node) fanOut(chunkID string, data []byte) {
	targets := n.peers.Targets(n.opts.FanOut)
	if len(targets) == 0 {
		n.logger.Debug().Str("chunk", chunkID).Dur("sample_age", n.peers.Age()).Msg("no fresh peers for fan-out")
		return
	}

	var g errgroup.Group
	for _, peer := range targets {
		g.Go(func() error {
			err := n.push(n.ctx, peer.Address(), chunkID, data)
			if err != nil {
				n.metrics.FanOutPushes.WithLabelValues("failure").Inc()
				n.logger.Warn().Err(err).Str("chunk", chunkID).Str("peer", peer.ID).Msg("replica push failed")
				return err
			}
			n.metrics.FanOutPushes.WithLabelValues("success").Inc()
			return nil
		})
	}

	if err := g.Wait(); err == nil {
		n.logger.Debug().Str("chunk", chunkID).Int("peers", len(targets)).Msg("chunk fanned out")
	}
}

// push uploads data to addr without further fan-out, bounded by the I/O
// timeout.
func (n *Node) push(ctx context.Context, addr, chunkID string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.caller.IOTimeout)
	defer cancel()

	_, err := n.caller.Do(ctx, addr, &proto.Request{
		Type:      proto.UploadChunk,
		ChunkID:   chunkID,
		ChunkSize: proto.Size(int64(len(data))),
		ChunkData: data,
		Replicate: false,
	})
	return err
}
