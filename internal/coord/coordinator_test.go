package coord

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	opts.DisableHeartbeat = true
	c := New(opts, zerolog.Nop())
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func send(t *testing.T, c *Coordinator, req *proto.Request) *proto.Response {
	t.Helper()
	resp, err := transport.NewCaller(2*time.Second).Call(context.Background(), c.Addr().String(), req)
	require.NoError(t, err)
	return resp
}

func TestCoordinator_RegisterAndListServers(t *testing.T) {
	c := startCoordinator(t, Options{})

	for i, id := range []string{"n1", "n2"} {
		resp := send(t, c, &proto.Request{Type: proto.RegisterChunkServer, ChunkServerID: id, Host: "127.0.0.1", Port: 6000 + i})
		require.Equal(t, proto.StatusSuccess, resp.Status)
		assert.Contains(t, resp.Message, id)
	}
	// Idempotent: a second registration does not add a node.
	resp := send(t, c, &proto.Request{Type: proto.RegisterChunkServer, ChunkServerID: "n1", Host: "127.0.0.1", Port: 6000})
	require.Equal(t, proto.StatusSuccess, resp.Status)

	resp = send(t, c, &proto.Request{Type: proto.GetChunkServers})
	require.Equal(t, proto.StatusSuccess, resp.Status)
	assert.Equal(t, []proto.ServerLocation{
		{Addr: "127.0.0.1", Port: 6000, ID: "n1"},
		{Addr: "127.0.0.1", Port: 6001, ID: "n2"},
	}, resp.ChunkServers)
}

func TestCoordinator_RegisterInvalid(t *testing.T) {
	c := startCoordinator(t, Options{})

	resp := send(t, c, &proto.Request{Type: proto.RegisterChunkServer, Host: "127.0.0.1", Port: 6000})
	assert.Equal(t, proto.StatusFailure, resp.Status)
	assert.Equal(t, proto.CodeInvalidRequest, resp.ErrorCode)
}

func TestCoordinator_GetClientID(t *testing.T) {
	c := startCoordinator(t, Options{})

	first := send(t, c, &proto.Request{Type: proto.GetClientID})
	second := send(t, c, &proto.Request{Type: proto.GetClientID})

	_, err := uuid.Parse(first.ClientID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ClientID, second.ClientID)
}

func TestCoordinator_FileLifecycle(t *testing.T) {
	c := startCoordinator(t, Options{})
	send(t, c, &proto.Request{Type: proto.RegisterChunkServer, ChunkServerID: "n1", Host: "127.0.0.1", Port: 6000})

	resp := send(t, c, &proto.Request{Type: proto.ChunkUploadSuccess, ChunkID: "f_0", ChunkServerID: "n1", ChunkSize: proto.Size(4)})
	require.Equal(t, proto.StatusSuccess, resp.Status)

	resp = send(t, c, &proto.Request{
		Type:   proto.RegisterNewFile,
		FileID: "f",
		ChunkMetadata: []proto.ChunkMetadata{
			{ChunkID: "f_0", ChunkIndex: 0, ChunkServerID: "n1", ChunkSize: 4},
			{ChunkID: "f_1", ChunkIndex: 1, ChunkServerID: "n1", ChunkSize: 2},
		},
	})
	require.Equal(t, proto.StatusSuccess, resp.Status)

	resp = send(t, c, &proto.Request{Type: proto.GetFileData, FileID: "f"})
	require.Equal(t, proto.StatusSuccess, resp.Status)
	assert.Equal(t, "f", resp.FileID)
	require.Len(t, resp.Chunks, 2)
	assert.Equal(t, []proto.ServerLocation{{Addr: "127.0.0.1", Port: 6000, ID: "n1"}}, resp.Chunks[0].Locations)
	assert.Empty(t, resp.Chunks[1].Locations)
	assert.Equal(t, int64(2), resp.Chunks[1].Size)

	// Write-once.
	resp = send(t, c, &proto.Request{Type: proto.RegisterNewFile, FileID: "f", ChunkMetadata: []proto.ChunkMetadata{{ChunkID: "x", ChunkIndex: 0}}})
	assert.Equal(t, proto.CodeInvalidRequest, resp.ErrorCode)
}

func TestCoordinator_GetFileDataUnknown(t *testing.T) {
	c := startCoordinator(t, Options{})

	resp := send(t, c, &proto.Request{Type: proto.GetFileData, FileID: "nope"})
	assert.Equal(t, proto.StatusFailure, resp.Status)
	assert.Equal(t, proto.CodeNotFound, resp.ErrorCode)

	resp = send(t, c, &proto.Request{Type: proto.GetFileData})
	assert.Equal(t, proto.CodeInvalidRequest, resp.ErrorCode)
}

func TestCoordinator_UploadSuccessFromUnknownNode(t *testing.T) {
	c := startCoordinator(t, Options{})

	resp := send(t, c, &proto.Request{Type: proto.ChunkUploadSuccess, ChunkID: "c", ChunkServerID: "ghost"})
	assert.Equal(t, proto.CodeNotFound, resp.ErrorCode)
}

func TestCoordinator_UnknownRequestDropped(t *testing.T) {
	c := startCoordinator(t, Options{})

	_, err := transport.NewCaller(time.Second).Call(context.Background(), c.Addr().String(), &proto.Request{Type: proto.UploadChunk})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
}

func TestCoordinator_AdminStatus(t *testing.T) {
	client := newFakeNodeClient()
	c := startCoordinator(t, Options{AdminListen: "127.0.0.1:0", NodeClient: client})
	send(t, c, &proto.Request{Type: proto.RegisterChunkServer, ChunkServerID: "n1", Host: "127.0.0.1", Port: 6000})
	send(t, c, &proto.Request{Type: proto.RegisterChunkServer, ChunkServerID: "n2", Host: "127.0.0.1", Port: 6001})
	send(t, c, &proto.Request{Type: proto.ChunkUploadSuccess, ChunkID: "c", ChunkServerID: "n2"})

	base := "http://" + c.AdminAddr().String()

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.Len(t, status.Nodes, 2)
	assert.Equal(t, 1, status.Chunks)

	// An on-demand sweep removes the unreachable node.
	client.setDown("n2")
	resp, err = http.Post(base+"/api/heartbeat", "application/json", nil)
	require.NoError(t, err)
	var result CycleResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	_ = resp.Body.Close()
	assert.Equal(t, []string{"n2"}, result.Failed)

	_, ok := c.Registry().Node("n2")
	assert.False(t, ok)
	// n2 was the sole holder, so the chunk has no location left.
	assert.Empty(t, c.Registry().Holders("c"))
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	c := New(Options{Listen: "127.0.0.1:0"}, zerolog.Nop())
	assert.NoError(t, c.Stop())
}

func TestCoordinator_TraceSnapshot(t *testing.T) {
	c := startCoordinator(t, Options{AdminListen: "127.0.0.1:0", Trace: true})

	resp, err := http.Get("http://" + c.AdminAddr().String() + "/debug/trace")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
}
