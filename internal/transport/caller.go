package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/wire"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
)

// Caller sends one request per connection and waits for the response.
type Caller struct {
	DialTimeout  time.Duration
	IOTimeout    time.Duration
	MaxFrameSize int
}

// NewCaller creates a caller whose exchanges are bounded by ioTimeout.
func NewCaller(ioTimeout time.Duration) *Caller {
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	dialTimeout := DefaultDialTimeout
	if ioTimeout < dialTimeout {
		dialTimeout = ioTimeout
	}
	return &Caller{
		DialTimeout:  dialTimeout,
		IOTimeout:    ioTimeout,
		MaxFrameSize: wire.DefaultMaxFrameSize,
	}
}

// Call sends req to addr and returns the decoded response. Connection,
// timeout and stream errors wrap proto.ErrUnreachable; an undecodable reply
// wraps proto.ErrMalformedMessage. A FAILURE response is returned as a
// response, not an error; use Response.Err to classify it.
func (c *Caller) Call(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", proto.ErrUnreachable, addr, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Unblock reads and writes as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("%w: send %s to %s: %v", proto.ErrUnreachable, req.Type, addr, err)
	}

	var resp proto.Response
	if err := wire.ReadMessage(bufio.NewReader(conn), &resp, c.MaxFrameSize); err != nil {
		if errors.Is(err, proto.ErrMalformedMessage) {
			return nil, fmt.Errorf("%s reply from %s: %w", req.Type, addr, err)
		}
		return nil, fmt.Errorf("%w: %s reply from %s: %v", proto.ErrUnreachable, req.Type, addr, err)
	}

	return &resp, nil
}

// Do is Call followed by Response.Err, for callers that only care whether
// the remote side reported success.
func (c *Caller) Do(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error) {
	resp, err := c.Call(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, fmt.Errorf("%s at %s: %w", req.Type, addr, err)
	}
	return resp, nil
}
