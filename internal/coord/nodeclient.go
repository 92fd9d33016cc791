package coord

import (
	"context"
	"fmt"

	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// NodeClient is the coordinator's outbound channel to storage nodes.
type NodeClient interface {
	// HealthCheck probes node and hands it a fresh peer sample.
	HealthCheck(ctx context.Context, node proto.ServerLocation, peers []proto.ServerLocation) error
	// ReplicateChunk asks source to push chunkID to target and waits for
	// the outcome.
	ReplicateChunk(ctx context.Context, source proto.ServerLocation, chunkID string, target proto.ServerLocation) error
}

type transportNodeClient struct {
	caller *transport.Caller
}

// NewNodeClient returns a NodeClient that speaks the wire protocol.
func NewNodeClient(caller *transport.Caller) NodeClient {
	return &transportNodeClient{caller: caller}
}

func (c *transportNodeClient) HealthCheck(ctx context.Context, node proto.ServerLocation, peers []proto.ServerLocation) error {
	resp, err := c.caller.Do(ctx, node.Address(), &proto.Request{
		Type:               proto.HealthCheck,
		OtherActiveServers: peers,
	})
	if err != nil {
		return err
	}
	if resp.Status != proto.StatusOK {
		return fmt.Errorf("%w: health check answered %q", proto.ErrMalformedMessage, resp.Status)
	}
	return nil
}

func (c *transportNodeClient) ReplicateChunk(ctx context.Context, source proto.ServerLocation, chunkID string, target proto.ServerLocation) error {
	_, err := c.caller.Do(ctx, source.Address(), &proto.Request{
		Type:       proto.ReplicateChunk,
		ChunkID:    chunkID,
		TargetAddr: target.Addr,
		TargetPort: target.Port,
	})
	return err
}
