package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/retry"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// UploadResult describes a stored file.
type UploadResult struct {
	FileID string
	Size   int64
	Chunks []proto.ChunkMetadata
}

// NewChunkID returns a fresh chunk id within fileID.
func NewChunkID(fileID string) string {
	return fileID + "_" + uuid.NewString()
}

// UploadFile uploads the file at path under a new file id.
func (c *Client) UploadFile(ctx context.Context, path string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return c.Upload(ctx, f, "")
}

// Upload splits r into chunks, stores each chunk on a storage node and
// registers the file with the coordinator. An empty fileID gets a fresh
// UUID. Chunk i goes to node i mod n; a failed attempt moves on to the next
// node after a backoff. The file is registered only once every chunk has
// been stored.
func (c *Client) Upload(ctx context.Context, r io.Reader, fileID string) (*UploadResult, error) {
	if fileID == "" {
		fileID = uuid.NewString()
	}

	chunks, err := Split(r, c.opts.ChunkSize)
	if err != nil {
		return nil, err
	}

	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list storage nodes: %w", err)
	}
	if len(nodes) == 0 && len(chunks) > 0 {
		return nil, ErrNoNodes
	}

	start := time.Now()
	metas := make([]proto.ChunkMetadata, len(chunks))
	var size int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for _, chunk := range chunks {
		size += int64(len(chunk.Data))
		g.Go(func() error {
			meta, err := c.uploadChunk(gctx, nodes, NewChunkID(fileID), chunk)
			if err != nil {
				return err
			}
			metas[chunk.Index] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := c.coordinator(ctx, &proto.Request{
		Type:          proto.RegisterNewFile,
		FileID:        fileID,
		ChunkMetadata: metas,
	}); err != nil {
		return nil, fmt.Errorf("register file %s: %w", fileID, err)
	}

	if c.cache != nil {
		if err := c.cache.SaveFileMetadata(fileID, metas); err != nil {
			c.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to cache file metadata")
		}
	}

	c.logger.Info().
		Str("file_id", fileID).
		Int("chunks", len(chunks)).
		Int64("bytes", size).
		Dur("elapsed", time.Since(start)).
		Msg("file uploaded")
	return &UploadResult{FileID: fileID, Size: size, Chunks: metas}, nil
}

func (c *Client) uploadChunk(ctx context.Context, nodes []proto.ServerLocation, chunkID string, chunk Chunk) (proto.ChunkMetadata, error) {
	attempt := 0
	var stored proto.ServerLocation

	err := retry.Do(ctx, c.retryPolicy(), c.logger, "upload "+chunkID, func(ctx context.Context) error {
		target := nodes[(chunk.Index+attempt)%len(nodes)]
		attempt++

		_, err := c.caller.Do(ctx, target.Address(), &proto.Request{
			Type:      proto.UploadChunk,
			ChunkID:   chunkID,
			ChunkSize: proto.Size(int64(len(chunk.Data))),
			ChunkData: chunk.Data,
			Replicate: true,
		})
		if err != nil {
			return err
		}
		stored = target
		return nil
	})
	if err != nil {
		return proto.ChunkMetadata{}, fmt.Errorf("chunk %d: %w", chunk.Index, err)
	}

	c.logger.Debug().Str("chunk_id", chunkID).Str("node", stored.ID).Int("size", len(chunk.Data)).Msg("chunk stored")
	return proto.ChunkMetadata{
		ChunkID:       chunkID,
		ChunkIndex:    chunk.Index,
		ChunkServerID: stored.ID,
		ChunkSize:     int64(len(chunk.Data)),
	}, nil
}
