package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

const clientIDFile = "client_id.txt"

// Cache is the client's local state directory: its persisted client id and
// the chunk metadata of files it uploaded.
type Cache struct {
	dir string
}

// OpenCache creates dir if needed.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// ClientID returns the persisted client id, or "" if none was saved.
func (c *Cache) ClientID() (string, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, clientIDFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read client id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveClientID persists id.
func (c *Cache) SaveClientID(id string) error {
	if err := os.WriteFile(filepath.Join(c.dir, clientIDFile), []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("write client id: %w", err)
	}
	return nil
}

// SaveFileMetadata records the chunk layout of an uploaded file.
func (c *Cache) SaveFileMetadata(fileID string, chunks []proto.ChunkMetadata) error {
	path, err := c.metadataPath(fileID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// LoadFileMetadata returns the chunk layout saved for fileID. A file this
// client never uploaded wraps proto.ErrNotFound.
func (c *Cache) LoadFileMetadata(fileID string) ([]proto.ChunkMetadata, error) {
	path, err := c.metadataPath(fileID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("metadata for %s: %w", fileID, proto.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var chunks []proto.ChunkMetadata
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", fileID, err)
	}
	return chunks, nil
}

func (c *Cache) metadataPath(fileID string) (string, error) {
	if fileID == "" || fileID != filepath.Base(fileID) || strings.HasPrefix(fileID, ".") {
		return "", fmt.Errorf("%w: unusable file id %q", proto.ErrInvalidRequest, fileID)
	}
	return filepath.Join(c.dir, fileID+"_metadata.json"), nil
}
