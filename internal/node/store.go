package node

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/klauspost/compress/zstd"
)

const (
	chunkSuffix      = ".chunk"
	compressedSuffix = ".zst"
)

// PathFunc maps a chunk to its file in the data directory. Chunks written
// compressed get compressedSuffix appended to the returned path.
type PathFunc func(dataDir, nodeID, chunkID string) string

// DefaultPath stores chunks as <data_dir>/<node_id>_<chunk_id>.chunk.
func DefaultPath(dataDir, nodeID, chunkID string) string {
	return filepath.Join(dataDir, nodeID+"_"+chunkID+chunkSuffix)
}

// StoreOptions tunes a Store.
type StoreOptions struct {
	Compress bool
	Path     PathFunc // DefaultPath when nil
}

// ChunkInfo describes a stored chunk.
type ChunkInfo struct {
	ID   string
	Size int64
}

type storedChunk struct {
	path       string
	size       int64
	compressed bool
}

// Store keeps chunk bytes on local disk, one file per chunk. A chunk becomes
// visible only after its file has been completely written and renamed into
// place.
type Store struct {
	dir      string
	nodeID   string
	path     PathFunc
	compress bool

	mu     sync.RWMutex
	chunks map[string]storedChunk

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// OpenStore creates dir if needed and indexes the chunk files this node
// already holds there.
func OpenStore(dir, nodeID string, opts StoreOptions) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if opts.Path == nil {
		opts.Path = DefaultPath
	}

	s := &Store{
		dir:      dir,
		nodeID:   nodeID,
		path:     opts.Path,
		compress: opts.Compress,
		chunks:   make(map[string]storedChunk),
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put stores data under chunkID, replacing any previous copy.
func (s *Store) Put(chunkID string, data []byte) error {
	if err := ValidateChunkID(chunkID); err != nil {
		return err
	}

	payload := data
	chunkPath := s.path(s.dir, s.nodeID, chunkID)
	if s.compress {
		payload = s.encode(data)
		chunkPath += compressedSuffix
	}

	if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(chunkPath), ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(payload); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}

	s.mu.Lock()
	prev, existed := s.chunks[chunkID]
	s.chunks[chunkID] = storedChunk{path: chunkPath, size: int64(len(data)), compressed: s.compress}
	s.mu.Unlock()

	// A chunk rewritten with a different compression setting leaves the old file behind.
	if existed && prev.path != chunkPath {
		_ = os.Remove(prev.path)
	}
	return nil
}

// Get returns the bytes stored under chunkID. Unknown chunks wrap
// proto.ErrNotFound.
func (s *Store) Get(chunkID string) ([]byte, error) {
	s.mu.RLock()
	c, ok := s.chunks[chunkID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", chunkID, proto.ErrNotFound)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %s file missing: %w", chunkID, proto.ErrNotFound)
		}
		return nil, fmt.Errorf("read chunk %s: %w", chunkID, err)
	}
	if c.compressed {
		data, err = s.decode(data)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk %s: %w", chunkID, err)
		}
	}
	return data, nil
}

// Has reports whether chunkID is stored.
func (s *Store) Has(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[chunkID]
	return ok
}

// List returns the stored chunks sorted by id.
func (s *Store) List() []ChunkInfo {
	s.mu.RLock()
	out := make([]ChunkInfo, 0, len(s.chunks))
	for id, c := range s.chunks {
		out = append(out, ChunkInfo{ID: id, Size: c.size})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the number of chunks and their total uncompressed size.
func (s *Store) Stats() (chunks int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks {
		bytes += c.size
	}
	return len(s.chunks), bytes
}

// rescan indexes files written by an earlier run. Only files whose names
// round-trip through the PathFunc are adopted; temp files are removed.
func (s *Store) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	prefix := s.nodeID + "_"
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".chunk-") && strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}

		compressed := strings.HasSuffix(name, compressedSuffix)
		base := strings.TrimSuffix(name, compressedSuffix)
		if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, chunkSuffix) {
			continue
		}
		chunkID := strings.TrimSuffix(strings.TrimPrefix(base, prefix), chunkSuffix)
		if ValidateChunkID(chunkID) != nil {
			continue
		}
		chunkPath := filepath.Join(s.dir, name)
		if s.path(s.dir, s.nodeID, chunkID) != filepath.Join(s.dir, base) {
			continue
		}

		size, err := s.logicalSize(chunkPath, compressed)
		if err != nil {
			return fmt.Errorf("index chunk %s: %w", chunkID, err)
		}
		s.chunks[chunkID] = storedChunk{path: chunkPath, size: size, compressed: compressed}
	}
	return nil
}

func (s *Store) logicalSize(path string, compressed bool) (int64, error) {
	if !compressed {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	plain, err := s.decode(data)
	if err != nil {
		return 0, err
	}
	return int64(len(plain)), nil
}

func (s *Store) encode(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

func (s *Store) decode(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}

// ValidateChunkID rejects ids that could escape the data directory or
// collide with store bookkeeping files.
func ValidateChunkID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty chunk id", proto.ErrInvalidRequest)
	}
	if len(id) > 200 {
		return fmt.Errorf("%w: chunk id too long", proto.ErrInvalidRequest)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: chunk id %q starts with a dot", proto.ErrInvalidRequest, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: chunk id %q contains %q", proto.ErrInvalidRequest, id, r)
		}
	}
	return nil
}
