// Package transport carries framed requests over TCP: a server that runs each
// connection on a bounded worker pool, and a caller for outbound requests with
// bounded timeouts.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adarschwarzbach/distributed-file-system/internal/wire"
	"github.com/adarschwarzbach/distributed-file-system/pkg/proto"
	"github.com/rs/zerolog"
)

// Defaults for servers and callers.
const (
	DefaultWorkers     = 10
	DefaultIOTimeout   = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

// Handler serves one request. A nil error with a nil response closes the
// connection without replying. A non-nil error is logged and the connection
// is closed without a response; handlers turn expected failures into FAILURE
// responses themselves.
type Handler interface {
	Handle(ctx context.Context, req *proto.Request) (*proto.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *proto.Request) (*proto.Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	return f(ctx, req)
}

// ServerOptions tunes a Server. Zero values select the defaults.
type ServerOptions struct {
	Workers      int
	IOTimeout    time.Duration
	MaxFrameSize int
}

// Server accepts connections and serves exactly one request per connection.
type Server struct {
	handler  Handler
	opts     ServerOptions
	logger   zerolog.Logger
	listener net.Listener
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewServer creates a server for handler.
func NewServer(handler Handler, opts ServerOptions, logger zerolog.Logger) *Server {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		opts:    opts,
		logger:  logger,
		slots:   make(chan struct{}, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens on addr and begins accepting connections in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Int("workers", s.opts.Workers).Msg("listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		// Wait for a free worker before accepting so a saturated pool pushes
		// back into the kernel's accept queue.
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.slots
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection is the error boundary for one connection: nothing raised
// while serving it escapes this function.
func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("remote", remote).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.opts.IOTimeout))

	var req proto.Request
	if err := wire.ReadMessage(bufio.NewReader(conn), &req, s.opts.MaxFrameSize); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.logger.Warn().Err(err).Str("remote", remote).Msg("dropping connection: unreadable request")
		return
	}
	if req.Type == "" {
		s.logger.Warn().Str("remote", remote).Msg("dropping connection: missing request_type")
		return
	}

	resp, err := s.handler.Handle(s.ctx, &req)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("remote", remote).
			Str("request_type", string(req.Type)).
			Msg("dropping connection")
		return
	}
	if resp == nil {
		return
	}

	// Handlers may have spent most of the deadline on outbound work.
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	if err := wire.WriteMessage(conn, resp); err != nil {
		s.logger.Debug().Err(err).
			Str("remote", remote).
			Str("request_type", string(req.Type)).
			Msg("failed to write response")
	}
}
