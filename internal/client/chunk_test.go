package client

import (
	"bytes"
	"testing"

	"github.com/adarschwarzbach/distributed-file-system/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int64
		want      []int
	}{
		{"empty", 0, 4, nil},
		{"smaller than a chunk", 3, 4, []int{3}},
		{"exact multiple", 8, 4, []int{4, 4}},
		{"short tail", 9, 4, []int{4, 4, 1}},
		{"one byte chunks", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testutil.RandomBytes(uint64(tt.size), tt.size)
			chunks, err := Split(bytes.NewReader(data), tt.chunkSize)
			require.NoError(t, err)

			var sizes []int
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				sizes = append(sizes, len(c.Data))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestSplit_InvalidChunkSize(t *testing.T) {
	_, err := Split(bytes.NewReader([]byte("x")), 0)
	assert.Error(t, err)
}

func TestReassemble_RoundTrip(t *testing.T) {
	data := testutil.RandomBytes(7, 1000)
	chunks, err := Split(bytes.NewReader(data), 64)
	require.NoError(t, err)

	// Order of arrival does not matter.
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}

	var buf bytes.Buffer
	n, err := Reassemble(&buf, chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, buf.Bytes())
}

func TestReassemble_Empty(t *testing.T) {
	chunks, err := Split(bytes.NewReader(nil), 64)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	var buf bytes.Buffer
	n, err := Reassemble(&buf, chunks)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
}

func TestReassemble_Gaps(t *testing.T) {
	var buf bytes.Buffer

	_, err := Reassemble(&buf, []Chunk{{Index: 0, Data: []byte("a")}, {Index: 2, Data: []byte("c")}})
	assert.Error(t, err)

	_, err = Reassemble(&buf, []Chunk{{Index: 0, Data: []byte("a")}, {Index: 0, Data: []byte("a")}})
	assert.Error(t, err)
}
