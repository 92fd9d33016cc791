package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"golang.org/x/sync/errgroup"
)

// ErrNoReplica is returned when no listed location could serve a chunk.
var ErrNoReplica = errors.New("no replica available")

// DownloadFile downloads fileID into path. The file is written to a temp
// file next to path and renamed into place once complete.
func (c *Client) DownloadFile(ctx context.Context, fileID, path string) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	n, err := c.Download(ctx, fileID, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", tmpPath, closeErr)
	}
	if err != nil {
		return n, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("rename to %s: %w", path, err)
	}
	return n, nil
}

// Download fetches every chunk of fileID and writes them to w in index
// order. Each chunk is tried on its listed locations in order until one
// returns data of the expected size.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	start := time.Now()
	locations, err := c.FileData(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("file %s: %w", fileID, err)
	}

	chunks := make([]Chunk, len(locations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for i, loc := range locations {
		g.Go(func() error {
			data, err := c.fetchChunk(gctx, loc)
			if err != nil {
				return err
			}
			chunks[i] = Chunk{Index: loc.Index, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n, err := Reassemble(w, chunks)
	if err != nil {
		return n, err
	}

	c.logger.Info().
		Str("file_id", fileID).
		Int("chunks", len(chunks)).
		Int64("bytes", n).
		Dur("elapsed", time.Since(start)).
		Msg("file downloaded")
	return n, nil
}

func (c *Client) fetchChunk(ctx context.Context, loc proto.ChunkLocations) ([]byte, error) {
	var errs []error
	for _, server := range loc.Locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.caller.Do(ctx, server.Address(), &proto.Request{
			Type:    proto.DownloadChunk,
			ChunkID: loc.ChunkID,
		})
		if err == nil && int64(len(resp.ChunkData)) != loc.Size {
			err = fmt.Errorf("%w: %s from %s has %d bytes, expected %d",
				proto.ErrInconsistent, loc.ChunkID, server.ID, len(resp.ChunkData), loc.Size)
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("chunk_id", loc.ChunkID).Str("node", server.ID).Msg("replica failed, trying next")
			errs = append(errs, err)
			continue
		}
		return resp.ChunkData, nil
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("chunk %d (%s): %w: no locations", loc.Index, loc.ChunkID, ErrNoReplica)
	}
	return nil, fmt.Errorf("chunk %d (%s): %w: %w", loc.Index, loc.ChunkID, ErrNoReplica, errors.Join(errs...))
}
