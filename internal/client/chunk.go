package client

import (
	"fmt"
	"io"
	"sort"
)

// Chunk is one fixed-size piece of a file.
type Chunk struct {
	Index int
	Data  []byte
}

// Split reads r to the end and cuts it into chunks of chunkSize bytes; the
// last chunk may be shorter. Empty input yields no chunks.
func Split(r io.Reader, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	var chunks []Chunk
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, Chunk{Index: len(chunks), Data: buf[:n]})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
}

// Reassemble writes chunks to w in index order. Indices must be exactly
// 0..n-1.
func Reassemble(w io.Writer, chunks []Chunk) (int64, error) {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var written int64
	for i, c := range ordered {
		if c.Index != i {
			return written, fmt.Errorf("chunk index %d missing or duplicated", i)
		}
		n, err := w.Write(c.Data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	return written, nil
}
