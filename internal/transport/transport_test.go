package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/wire"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, h Handler, opts ServerOptions) string {
	t.Helper()
	srv := NewServer(h, opts, zerolog.Nop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv.Addr().String()
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, req *proto.Request) (*proto.Response, error) {
		switch req.Type {
		case proto.DownloadChunk:
			return &proto.Response{Status: proto.StatusSuccess, ChunkID: req.ChunkID}, nil
		case proto.HealthCheck:
			return proto.OK(), nil
		default:
			return nil, fmt.Errorf("%w: unknown request type %q", proto.ErrMalformedMessage, req.Type)
		}
	})
}

func TestCall_RoundTrip(t *testing.T) {
	addr := startServer(t, echoHandler(), ServerOptions{})
	caller := NewCaller(2 * time.Second)

	resp, err := caller.Call(context.Background(), addr, &proto.Request{Type: proto.DownloadChunk, ChunkID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusSuccess, resp.Status)
	assert.Equal(t, "c1", resp.ChunkID)
}

func TestCall_UnknownTypeDropsConnection(t *testing.T) {
	addr := startServer(t, echoHandler(), ServerOptions{})
	caller := NewCaller(2 * time.Second)

	_, err := caller.Call(context.Background(), addr, &proto.Request{Type: "NOPE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrUnreachable)
}

func TestServer_MalformedRequestGetsNoResponse(t *testing.T) {
	addr := startServer(t, echoHandler(), ServerOptions{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("this is not json\n\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wire.ReadFrame(bufio.NewReader(conn), 0)
	assert.Error(t, err, "server must close without replying")
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be closed, not left hanging")
	}
}

func TestServer_MissingRequestTypeDropped(t *testing.T) {
	var called atomic.Bool
	h := HandlerFunc(func(context.Context, *proto.Request) (*proto.Response, error) {
		called.Store(true)
		return proto.OK(), nil
	})
	addr := startServer(t, h, ServerOptions{})

	_, err := NewCaller(time.Second).Call(context.Background(), addr, &proto.Request{ChunkID: "x"})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
	assert.False(t, called.Load())
}

func TestServer_PanicIsContained(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, req *proto.Request) (*proto.Response, error) {
		if req.ChunkID == "boom" {
			panic("handler exploded")
		}
		return proto.OK(), nil
	})
	addr := startServer(t, h, ServerOptions{})
	caller := NewCaller(2 * time.Second)

	_, err := caller.Call(context.Background(), addr, &proto.Request{Type: proto.HealthCheck, ChunkID: "boom"})
	assert.Error(t, err)

	resp, err := caller.Call(context.Background(), addr, &proto.Request{Type: proto.HealthCheck})
	require.NoError(t, err, "server must keep serving after a panic")
	assert.Equal(t, proto.StatusOK, resp.Status)
}

func TestCall_DialFailureIsUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = NewCaller(time.Second).Call(context.Background(), addr, &proto.Request{Type: proto.HealthCheck})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
}

func TestCall_TimeoutIsUnreachable(t *testing.T) {
	// A listener that accepts but never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
		}
	}()

	start := time.Now()
	_, err = NewCaller(200*time.Millisecond).Call(context.Background(), l.Addr().String(), &proto.Request{Type: proto.HealthCheck})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCall_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(context.Context, *proto.Request) (*proto.Response, error) {
		<-release
		return proto.OK(), nil
	})
	addr := startServer(t, h, ServerOptions{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewCaller(10*time.Second).Call(ctx, addr, &proto.Request{Type: proto.HealthCheck})
	assert.ErrorIs(t, err, proto.ErrUnreachable)
}

func TestServer_WorkerPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	h := HandlerFunc(func(context.Context, *proto.Request) (*proto.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return proto.OK(), nil
	})
	addr := startServer(t, h, ServerOptions{Workers: 2})
	caller := NewCaller(5 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := caller.Call(context.Background(), addr, &proto.Request{Type: proto.HealthCheck})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDo_FailureResponse(t *testing.T) {
	h := HandlerFunc(func(context.Context, *proto.Request) (*proto.Response, error) {
		return proto.Fail(fmt.Errorf("chunk x: %w", proto.ErrNotFound)), nil
	})
	addr := startServer(t, h, ServerOptions{})

	resp, err := NewCaller(time.Second).Do(context.Background(), addr, &proto.Request{Type: proto.DownloadChunk, ChunkID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrNotFound)
	require.NotNil(t, resp)
	assert.Equal(t, proto.CodeNotFound, resp.ErrorCode)
}
