package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/retry"
	"github.com/adarschwarzbach/distributed-file-system/internal/transport"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/adarschwarzbach/distributed-file-system/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator records registrations and stored-chunk reports.
type fakeCoordinator struct {
	mu            sync.Mutex
	nodes         map[string]proto.ServerLocation
	stored        map[string][]string // chunk -> reporting nodes
	registrations int
	forget        bool // answer not_found to the next stored-chunk report
}

func startFakeCoordinator(t *testing.T) (*fakeCoordinator, string) {
	t.Helper()
	fc := &fakeCoordinator{
		nodes:  make(map[string]proto.ServerLocation),
		stored: make(map[string][]string),
	}
	srv := transport.NewServer(transport.HandlerFunc(fc.handle), transport.ServerOptions{}, zerolog.Nop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop() })
	return fc, srv.Addr().String()
}

func (fc *fakeCoordinator) handle(_ context.Context, req *proto.Request) (*proto.Response, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch req.Type {
	case proto.RegisterChunkServer:
		fc.registrations++
		fc.nodes[req.ChunkServerID] = proto.ServerLocation{Addr: req.Host, Port: req.Port, ID: req.ChunkServerID}
		return &proto.Response{Status: proto.StatusSuccess, Message: "registered"}, nil
	case proto.ChunkUploadSuccess:
		if fc.forget {
			fc.forget = false
			delete(fc.nodes, req.ChunkServerID)
			return proto.Fail(fmt.Errorf("node %s: %w", req.ChunkServerID, proto.ErrNotFound)), nil
		}
		fc.stored[req.ChunkID] = append(fc.stored[req.ChunkID], req.ChunkServerID)
		return proto.Success(), nil
	default:
		return nil, fmt.Errorf("%w: %s", proto.ErrMalformedMessage, req.Type)
	}
}

func (fc *fakeCoordinator) holders(chunkID string) []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.stored[chunkID]...)
}

func (fc *fakeCoordinator) registrationCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.registrations
}

func testOptions(coordinator, dataDir, id string) Options {
	return Options{
		ID:            id,
		DataDir:       dataDir,
		Listen:        "127.0.0.1:0",
		AdvertiseHost: "127.0.0.1",
		Coordinator:   coordinator,
		IOTimeout:     2 * time.Second,
		FanOut:        2,
		PeerSampleTTL: time.Minute,
		RegisterRetry: retry.Policy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	}
}

func startNode(t *testing.T, opts Options) *Node {
	t.Helper()
	n, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	select {
	case <-n.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not register")
	}
	return n
}

func call(t *testing.T, n *Node, req *proto.Request) *proto.Response {
	t.Helper()
	resp, err := transport.NewCaller(2*time.Second).Call(context.Background(), n.Addr().String(), req)
	require.NoError(t, err)
	return resp
}

func upload(chunkID string, data []byte, replicate bool) *proto.Request {
	return &proto.Request{
		Type:      proto.UploadChunk,
		ChunkID:   chunkID,
		ChunkSize: proto.Size(int64(len(data))),
		ChunkData: data,
		Replicate: replicate,
	}
}

func TestNode_RegistersWithCoordinator(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	fc.mu.Lock()
	loc, ok := fc.nodes["node-1"]
	fc.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, n.Location(), loc)
	assert.Equal(t, "127.0.0.1", loc.Addr)
	assert.NotZero(t, loc.Port)
}

func TestNode_RegistrationRetriesUntilCoordinatorUp(t *testing.T) {
	port := testutil.FreePort(t)
	coordAddr := fmt.Sprintf("127.0.0.1:%d", port)

	n, err := New(testOptions(coordAddr, t.TempDir(), "node-1"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer func() { _ = n.Stop() }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-n.Registered():
		t.Fatal("registered without a coordinator")
	default:
	}

	fc := &fakeCoordinator{nodes: map[string]proto.ServerLocation{}, stored: map[string][]string{}}
	srv := transport.NewServer(transport.HandlerFunc(fc.handle), transport.ServerOptions{}, zerolog.Nop())
	require.NoError(t, srv.Start(coordAddr))
	defer func() { _ = srv.Stop() }()

	select {
	case <-n.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not register after coordinator came up")
	}
}

func TestNode_UploadThenDownload(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	data := testutil.RandomBytes(1, 64*1024)
	resp := call(t, n, upload("file_c0", data, false))
	require.Equal(t, proto.StatusSuccess, resp.Status)

	resp = call(t, n, &proto.Request{Type: proto.DownloadChunk, ChunkID: "file_c0"})
	require.Equal(t, proto.StatusSuccess, resp.Status)
	assert.Equal(t, "file_c0", resp.ChunkID)
	assert.Equal(t, int64(len(data)), resp.ChunkSize)
	assert.Equal(t, data, resp.ChunkData)

	require.Eventually(t, func() bool {
		return len(fc.holders("file_c0")) == 1
	}, 2*time.Second, 10*time.Millisecond, "coordinator should be told about the stored chunk")
	assert.Equal(t, []string{"node-1"}, fc.holders("file_c0"))
}

func TestNode_UploadValidation(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	tests := []struct {
		name string
		req  *proto.Request
	}{
		{"missing chunk id", &proto.Request{Type: proto.UploadChunk, ChunkSize: proto.Size(1), ChunkData: []byte("x")}},
		{"missing size", &proto.Request{Type: proto.UploadChunk, ChunkID: "c", ChunkData: []byte("x")}},
		{"missing data", &proto.Request{Type: proto.UploadChunk, ChunkID: "c", ChunkSize: proto.Size(3)}},
		{"size mismatch", &proto.Request{Type: proto.UploadChunk, ChunkID: "c", ChunkSize: proto.Size(5), ChunkData: []byte("abc")}},
		{"path traversal", upload("../../etc/passwd", []byte("x"), false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, n, tt.req)
			assert.Equal(t, proto.StatusFailure, resp.Status)
			assert.Equal(t, proto.CodeInvalidRequest, resp.ErrorCode)
		})
	}
	assert.Empty(t, n.Store().List(), "rejected uploads must not be stored")
}

func TestNode_SizeMismatchIsInconsistent(t *testing.T) {
	_, err := validateUpload(&proto.Request{ChunkID: "c", ChunkSize: proto.Size(5), ChunkData: []byte("abc")})
	assert.ErrorIs(t, err, proto.ErrInconsistent)
	assert.ErrorIs(t, err, proto.ErrInvalidRequest)
}

func TestNode_DownloadUnknownIsNotFound(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	resp := call(t, n, &proto.Request{Type: proto.DownloadChunk, ChunkID: "nope"})
	assert.Equal(t, proto.StatusFailure, resp.Status)
	assert.Equal(t, proto.CodeNotFound, resp.ErrorCode)
	assert.Empty(t, resp.ChunkData)
	assert.ErrorIs(t, resp.Err(), proto.ErrNotFound)
}

func TestNode_HealthCheckUpdatesPeerSample(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	resp := call(t, n, &proto.Request{
		Type: proto.HealthCheck,
		OtherActiveServers: []proto.ServerLocation{
			{Addr: "127.0.0.1", Port: 1, ID: "node-2"},
			{Addr: "127.0.0.1", Port: 2, ID: "node-1"},
		},
	})
	assert.Equal(t, proto.StatusOK, resp.Status)
	assert.Equal(t, []proto.ServerLocation{{Addr: "127.0.0.1", Port: 1, ID: "node-2"}}, n.peers.Targets(2))
}

func TestNode_UnknownRequestDropped(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	_, err := transport.NewCaller(time.Second).Call(context.Background(), n.Addr().String(), &proto.Request{Type: proto.GetFileData})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
}

func TestNode_FanOutToPeers(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	primary := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))
	peerA := startNode(t, testOptions(coordAddr, t.TempDir(), "node-2"))
	peerB := startNode(t, testOptions(coordAddr, t.TempDir(), "node-3"))

	// Give each node the others as its sample; only the primary's matters.
	call(t, primary, &proto.Request{Type: proto.HealthCheck, OtherActiveServers: []proto.ServerLocation{peerA.Location(), peerB.Location()}})
	call(t, peerA, &proto.Request{Type: proto.HealthCheck, OtherActiveServers: []proto.ServerLocation{primary.Location(), peerB.Location()}})
	call(t, peerB, &proto.Request{Type: proto.HealthCheck, OtherActiveServers: []proto.ServerLocation{primary.Location(), peerA.Location()}})

	data := []byte("replicate me")
	resp := call(t, primary, upload("file_c0", data, true))
	require.Equal(t, proto.StatusSuccess, resp.Status)

	require.Eventually(t, func() bool {
		return peerA.Store().Has("file_c0") && peerB.Store().Has("file_c0")
	}, 3*time.Second, 10*time.Millisecond)

	for _, peer := range []*Node{peerA, peerB} {
		got, err := peer.Store().Get("file_c0")
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	require.Eventually(t, func() bool {
		return len(fc.holders("file_c0")) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"node-1", "node-2", "node-3"}, fc.holders("file_c0"))

	// Replica pushes carry replicate=false, so nothing is reported twice.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fc.holders("file_c0"), 3)
}

func TestNode_FanOutSkippedWithoutFreshSample(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	opts := testOptions(coordAddr, t.TempDir(), "node-1")
	opts.PeerSampleTTL = 10 * time.Millisecond
	primary := startNode(t, opts)
	peer := startNode(t, testOptions(coordAddr, t.TempDir(), "node-2"))

	call(t, primary, &proto.Request{Type: proto.HealthCheck, OtherActiveServers: []proto.ServerLocation{peer.Location()}})
	time.Sleep(30 * time.Millisecond)

	resp := call(t, primary, upload("file_c0", []byte("data"), true))
	require.Equal(t, proto.StatusSuccess, resp.Status)

	require.Eventually(t, func() bool { return len(fc.holders("file_c0")) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, peer.Store().Has("file_c0"))
}

func TestNode_FanOutFailureDoesNotAffectUploader(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	dead := proto.ServerLocation{Addr: "127.0.0.1", Port: testutil.FreePort(t), ID: "node-dead"}
	call(t, n, &proto.Request{Type: proto.HealthCheck, OtherActiveServers: []proto.ServerLocation{dead}})

	resp := call(t, n, upload("file_c0", []byte("data"), true))
	assert.Equal(t, proto.StatusSuccess, resp.Status)
}

func TestNode_ReplicateChunk(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	source := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))
	target := startNode(t, testOptions(coordAddr, t.TempDir(), "node-2"))

	require.NoError(t, source.Store().Put("file_c0", []byte("payload")))

	resp := call(t, source, &proto.Request{
		Type:       proto.ReplicateChunk,
		ChunkID:    "file_c0",
		TargetAddr: target.Location().Addr,
		TargetPort: target.Location().Port,
	})
	require.Equal(t, proto.StatusSuccess, resp.Status)

	got, err := target.Store().Get("file_c0")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.Eventually(t, func() bool {
		for _, h := range fc.holders("file_c0") {
			if h == "node-2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ReplicateFailures(t *testing.T) {
	_, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))

	resp := call(t, n, &proto.Request{Type: proto.ReplicateChunk, ChunkID: "missing", TargetAddr: "127.0.0.1", TargetPort: 1})
	assert.Equal(t, proto.CodeNotFound, resp.ErrorCode)

	resp = call(t, n, &proto.Request{Type: proto.ReplicateChunk, ChunkID: "missing"})
	assert.Equal(t, proto.CodeInvalidRequest, resp.ErrorCode)

	require.NoError(t, n.Store().Put("file_c0", []byte("payload")))
	resp = call(t, n, &proto.Request{Type: proto.ReplicateChunk, ChunkID: "file_c0", TargetAddr: "127.0.0.1", TargetPort: testutil.FreePort(t)})
	assert.Equal(t, proto.StatusFailure, resp.Status)
	assert.Equal(t, proto.CodeInternal, resp.ErrorCode)
}

func TestNode_RestartAnnouncesStoredChunks(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	dataDir := t.TempDir()

	first, err := New(testOptions(coordAddr, dataDir, ""), zerolog.Nop())
	require.NoError(t, err)
	id := first.ID()
	require.NoError(t, first.Store().Put("file_c0", []byte("kept")))
	require.NoError(t, first.Store().Put("file_c1", []byte("also kept")))

	// A second process over the same directory keeps the id and the chunks.
	n := startNode(t, testOptions(coordAddr, dataDir, ""))
	assert.Equal(t, id, n.ID())

	require.Eventually(t, func() bool {
		return len(fc.holders("file_c0")) == 1 && len(fc.holders("file_c1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{id}, fc.holders("file_c0"))

	resp := call(t, n, &proto.Request{Type: proto.DownloadChunk, ChunkID: "file_c1"})
	assert.Equal(t, []byte("also kept"), resp.ChunkData)
}

func TestNode_RejoinsWhenCoordinatorForgetsIt(t *testing.T) {
	fc, coordAddr := startFakeCoordinator(t)
	n := startNode(t, testOptions(coordAddr, t.TempDir(), "node-1"))
	require.Equal(t, 1, fc.registrationCount())

	fc.mu.Lock()
	fc.forget = true
	fc.mu.Unlock()

	call(t, n, upload("file_c0", []byte("data"), false))

	require.Eventually(t, func() bool { return fc.registrationCount() == 2 }, 3*time.Second, 10*time.Millisecond)
	// After rejoining, the chunk is announced again.
	require.Eventually(t, func() bool { return len(fc.holders("file_c0")) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestResolveNodeID(t *testing.T) {
	dir := t.TempDir()

	id, err := resolveNodeID(dir, "explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)

	generated, err := resolveNodeID(dir, "")
	require.NoError(t, err)
	assert.Len(t, generated, 36)

	again, err := resolveNodeID(dir, "")
	require.NoError(t, err)
	assert.Equal(t, generated, again)

	data, err := os.ReadFile(filepath.Join(dir, nodeIDFile))
	require.NoError(t, err)
	assert.Equal(t, generated, strings.TrimSpace(string(data)))
}
