package node

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// Handle dispatches one request. Unknown request types drop the connection.
func (n *Node) Handle(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	var resp *proto.Response
	switch req.Type {
	case proto.UploadChunk:
		resp = n.handleUpload(req)
	case proto.DownloadChunk:
		resp = n.handleDownload(req)
	case proto.HealthCheck:
		resp = n.handleHealthCheck(req)
	case proto.ReplicateChunk:
		resp = n.handleReplicate(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", proto.ErrMalformedMessage, req.Type)
	}

	n.metrics.Requests.WithLabelValues(string(req.Type), resp.Status).Inc()
	return resp, nil
}

func (n *Node) handleUpload(req *proto.Request) *proto.Response {
	data, err := validateUpload(req)
	if err != nil {
		n.logger.Debug().Err(err).Str("chunk", req.ChunkID).Msg("rejecting upload")
		return proto.Fail(err)
	}

	if err := n.store.Put(req.ChunkID, data); err != nil {
		n.logger.Error().Err(err).Str("chunk", req.ChunkID).Msg("failed to store chunk")
		return proto.Fail(err)
	}
	n.metrics.BytesReceived.Add(float64(len(data)))

	n.logger.Debug().
		Str("chunk", req.ChunkID).
		Int("size", len(data)).
		Bool("replicate", req.Replicate).
		Msg("chunk stored")

	size := int64(len(data))
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.notifyStored(n.ctx, req.ChunkID, size); err != nil && n.ctx.Err() == nil {
			n.logger.Warn().Err(err).Str("chunk", req.ChunkID).Msg("failed to report stored chunk")
		}
	}()

	if req.Replicate {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.fanOut(req.ChunkID, data)
		}()
	}

	return proto.Success()
}

// validateUpload checks an UPLOAD_CHUNK request and returns its payload.
func validateUpload(req *proto.Request) ([]byte, error) {
	if err := ValidateChunkID(req.ChunkID); err != nil {
		return nil, err
	}
	if req.ChunkSize == nil {
		return nil, fmt.Errorf("%w: missing chunk_size", proto.ErrInvalidRequest)
	}
	size := *req.ChunkSize
	if size < 0 {
		return nil, fmt.Errorf("%w: negative chunk_size %d", proto.ErrInvalidRequest, size)
	}
	// An empty payload is omitted from the frame, so only a non-empty chunk
	// requires chunk_data.
	if req.ChunkData == nil && size > 0 {
		return nil, fmt.Errorf("%w: missing chunk_data", proto.ErrInvalidRequest)
	}
	if int64(len(req.ChunkData)) != size {
		return nil, fmt.Errorf("%w: chunk_size %d but %d bytes received", proto.ErrInconsistent, size, len(req.ChunkData))
	}
	if req.ChunkData == nil {
		return []byte{}, nil
	}
	return req.ChunkData, nil
}

func (n *Node) handleDownload(req *proto.Request) *proto.Response {
	if req.ChunkID == "" {
		return proto.Fail(fmt.Errorf("%w: missing chunk_id", proto.ErrInvalidRequest))
	}

	data, err := n.store.Get(req.ChunkID)
	if err != nil {
		n.logger.Debug().Err(err).Str("chunk", req.ChunkID).Msg("download failed")
		return proto.Fail(err)
	}
	n.metrics.BytesServed.Add(float64(len(data)))

	return &proto.Response{
		Status:    proto.StatusSuccess,
		ChunkID:   req.ChunkID,
		ChunkSize: int64(len(data)),
		ChunkData: data,
	}
}

func (n *Node) handleHealthCheck(req *proto.Request) *proto.Response {
	n.peers.Replace(req.OtherActiveServers)
	return proto.OK()
}

// handleReplicate pushes a locally held chunk to the node named in the
// request and reports the target's outcome.
func (n *Node) handleReplicate(ctx context.Context, req *proto.Request) *proto.Response {
	if req.ChunkID == "" || req.TargetAddr == "" || req.TargetPort == 0 {
		return proto.Fail(fmt.Errorf("%w: chunk_id, chnk_srv_addr and chnk_srv_port are required", proto.ErrInvalidRequest))
	}

	data, err := n.store.Get(req.ChunkID)
	if err != nil {
		return proto.Fail(err)
	}

	target := net.JoinHostPort(req.TargetAddr, strconv.Itoa(req.TargetPort))
	if err := n.push(ctx, target, req.ChunkID, data); err != nil {
		n.logger.Warn().Err(err).Str("chunk", req.ChunkID).Str("target", target).Msg("re-replication push failed")
		return proto.Fail(err)
	}

	n.logger.Info().Str("chunk", req.ChunkID).Str("target", target).Msg("chunk re-replicated")
	return proto.Success()
}
