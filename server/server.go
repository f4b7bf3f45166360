// Package server implements the server side of a call: method registration,
// the accept loop, per-connection dispatch, and graceful shutdown.
//
// Connection processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → read Header → look up method → Middleware Chain → dispatch
//	    → unary / client streaming:  decode args → handler → write Result → close
//	    → server streaming / bidi:   decode args → handler → write ack → drain goroutine → close
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/transport"
)

var (
	ErrServerClosed    = errors.New("server: closed")
	ErrShutdownTimeout = errors.New("server: timeout waiting for in-flight calls to finish")
)

// Server dispatches calls to registered methods. Methods are registered
// before Serve; the dispatch table is read-only afterwards.
type Server struct {
	methods         map[string]*methodInfo
	codec           codec.Codec
	maxFrameSize    int
	logger          *zap.Logger
	shutdownTimeout time.Duration
	middlewares     []middleware.Middleware
	handler         middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	mu       sync.Mutex
	listener *transport.Listener
	started  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup // in-flight connections and drain tasks

	// ctx is the parent of every handler context. It is cancelled when
	// Shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Server)

// WithCodec sets the payload codec. Clients must use the same one.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// WithMaxFrameSize bounds frames in both directions. Non-positive means
// protocol.DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight calls once its
// context is done.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		methods:         make(map[string]*methodInfo),
		codec:           codec.Default,
		logger:          zap.L(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("rpc.server")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Use registers a middleware. Middlewares run in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		panic("rpc: Use called after Serve")
	}
	s.middlewares = append(s.middlewares, mw)
}

// Methods returns the registered method names and their shapes.
func (s *Server) Methods() map[string]message.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]message.Shape, len(s.methods))
	for name, m := range s.methods {
		out[name] = m.shape
	}
	return out
}

func (s *Server) register(name string, shape message.Shape, serve serveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		panic(fmt.Sprintf("rpc: method %q registered after Serve", name))
	}
	if name == "" {
		panic("rpc: empty method name")
	}
	if _, dup := s.methods[name]; dup {
		panic(fmt.Sprintf("rpc: method %q already registered", name))
	}
	s.methods[name] = &methodInfo{name: name, shape: shape, serve: serve}
}

// Serve accepts connections on ln until Shutdown. Each connection carries
// exactly one call. Serve returns nil after Shutdown, or the accept error.
func (s *Server) Serve(ln *transport.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.listener = ln
	// Chain(A, B, C)(dispatch) → A(B(C(dispatch))), built once.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.started.Store(true)
	s.logger.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Int("methods", len(s.methods)))
	s.mu.Unlock()

	for {
		conn, peer, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is not a failure.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		// Shutdown flips the flag under mu, so every Add either happens
		// before its Wait or sees the flag.
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			conn.Abort()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn, peer)
	}
}

// ListenAndServe binds address and serves on it.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := transport.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Run serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln *transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ln)
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown(s.shutdownTimeout)
	})
	return g.Wait()
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight calls,
// including output streams still being drained. If they do not finish
// within timeout, their contexts are cancelled and ErrShutdownTimeout is
// returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	// Set the flag before closing the listener so Serve sees it when
	// Accept fails.
	s.mu.Lock()
	already := s.shutdown.Swap(true)
	ln := s.listener
	s.mu.Unlock()

	var err error
	if !already && ln != nil {
		s.logger.Info("shutting down", zap.Stringer("addr", ln.Addr()))
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-time.After(timeout):
		s.cancel()
		return multierr.Append(err, ErrShutdownTimeout)
	}
}

type callKey struct{}

// handleConn runs one call: AwaitHeader, then dispatch through the
// middleware chain. A connection that does not start with a valid header
// for a registered method is aborted without a response.
func (s *Server) handleConn(conn *transport.Conn, peer net.Addr) {
	defer s.wg.Done()

	rd, wr := conn.Split()
	c := &call{
		srv:    s,
		conn:   conn,
		rd:     rd,
		wr:     wr,
		reader: protocol.NewReader(rd, s.codec, s.maxFrameSize),
		writer: protocol.NewWriter(wr, s.codec, s.maxFrameSize),
		logger: s.logger.With(zap.Stringer("peer", peer)),
	}

	if err := c.reader.ReadMessage(&c.header); err != nil {
		if errors.Is(err, io.EOF) {
			c.logger.Debug("aborting call", zap.Error(protocol.ErrMissingHeader))
		} else {
			c.logger.Warn("read header failed", zap.Error(err))
		}
		conn.Abort()
		return
	}

	m, ok := s.methods[c.header.Method]
	if !ok {
		c.logger.Warn("aborting call",
			zap.String("method", c.header.Method),
			zap.Error(&protocol.ProtocolError{Op: "await header", Err: protocol.ErrUnknownMethod}),
		)
		conn.Abort()
		return
	}
	c.method = m

	if c.header.Metadata == nil {
		c.header.Metadata = message.Metadata{}
	}
	callID := c.header.Metadata.Get(message.MetadataCallID)
	if callID != "" {
		c.logger = c.logger.With(zap.String("call_id", callID))
	}
	info := &middleware.CallInfo{
		Method:   m.name,
		Shape:    m.shape,
		Peer:     peer,
		CallID:   callID,
		Metadata: c.header.Metadata,
	}

	ctx, cancel := context.WithCancel(context.WithValue(s.ctx, callKey{}, c))
	c.cancel = cancel
	if !m.shape.StreamsInput() {
		c.watchPeer()
	}
	err := s.handler(ctx, info)
	if !c.responded {
		if err != nil {
			// Rejected before the method ran. The envelope decodes both as
			// a unary result and as an ack.
			c.respond(message.Failure[message.Unit, message.NoError](err.Error()))
		}
		c.finish()
	}
}

// dispatch is the innermost HandlerFunc, wrapped by the middleware chain.
func (s *Server) dispatch(ctx context.Context, info *middleware.CallInfo) error {
	c, ok := ctx.Value(callKey{}).(*call)
	if !ok {
		return fmt.Errorf("rpc: no call for method %q in context", info.Method)
	}
	return c.method.serve(ctx, c)
}
