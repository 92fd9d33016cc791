package coord

import (
	"context"
	"fmt"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/google/uuid"
)

// Handle dispatches one request. Unknown request types drop the connection.
func (c *Coordinator) Handle(_ context.Context, req *proto.Request) (*proto.Response, error) {
	var resp *proto.Response
	switch req.Type {
	case proto.RegisterChunkServer:
		resp = c.handleRegisterChunkServer(req)
	case proto.GetClientID:
		resp = &proto.Response{Status: proto.StatusSuccess, ClientID: uuid.NewString()}
	case proto.GetChunkServers:
		resp = c.handleGetChunkServers()
	case proto.RegisterNewFile:
		resp = c.handleRegisterNewFile(req)
	case proto.GetFileData:
		resp = c.handleGetFileData(req)
	case proto.ChunkUploadSuccess:
		resp = c.handleChunkUploadSuccess(req)
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", proto.ErrMalformedMessage, req.Type)
	}

	c.metrics.Requests.WithLabelValues(string(req.Type), resp.Status).Inc()
	return resp, nil
}

func (c *Coordinator) handleRegisterChunkServer(req *proto.Request) *proto.Response {
	created, err := c.registry.RegisterNode(req.ChunkServerID, req.Host, req.Port)
	if err != nil {
		return proto.Fail(err)
	}

	msg := "registered"
	if !created {
		msg = "re-registered"
	}
	c.logger.Info().
		Str("node", req.ChunkServerID).
		Str("host", req.Host).
		Int("port", req.Port).
		Bool("new", created).
		Msg("storage node registered")
	return &proto.Response{Status: proto.StatusSuccess, Message: fmt.Sprintf("%s %s", msg, req.ChunkServerID)}
}

func (c *Coordinator) handleGetChunkServers() *proto.Response {
	nodes := c.registry.Nodes()
	servers := make([]proto.ServerLocation, len(nodes))
	for i, n := range nodes {
		servers[i] = n.Location()
	}
	return &proto.Response{Status: proto.StatusSuccess, ChunkServers: servers}
}

func (c *Coordinator) handleRegisterNewFile(req *proto.Request) *proto.Response {
	if err := c.registry.RegisterFile(req.FileID, req.ChunkMetadata); err != nil {
		c.logger.Debug().Err(err).Str("file", req.FileID).Msg("file registration rejected")
		return proto.Fail(err)
	}
	c.logger.Info().Str("file", req.FileID).Int("chunks", len(req.ChunkMetadata)).Msg("file registered")
	return proto.Success()
}

func (c *Coordinator) handleGetFileData(req *proto.Request) *proto.Response {
	if req.FileID == "" {
		return proto.Fail(fmt.Errorf("%w: missing file_id", proto.ErrInvalidRequest))
	}
	chunks, err := c.registry.FileLocations(req.FileID)
	if err != nil {
		return proto.Fail(err)
	}
	return &proto.Response{Status: proto.StatusSuccess, FileID: req.FileID, Chunks: chunks}
}

func (c *Coordinator) handleChunkUploadSuccess(req *proto.Request) *proto.Response {
	added, err := c.registry.RecordReplica(req.ChunkID, req.ChunkServerID, req.ChunkSize)
	if err != nil {
		c.logger.Debug().Err(err).Str("chunk", req.ChunkID).Str("node", req.ChunkServerID).Msg("replica report rejected")
		return proto.Fail(err)
	}
	if added {
		c.logger.Debug().Str("chunk", req.ChunkID).Str("node", req.ChunkServerID).Msg("replica recorded")
	}
	return proto.Success()
}
