// Package client implements the client side of a call.
//
// Every call opens its own connection:
//
//	Dial → write Header → [sender goroutine: Result[I, EC]... → half-close]
//	     → read Result[R, E]                      (unary, client streaming)
//	     → read ack Result[Unit, E] → Stream[O]   (server streaming, bidi)
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/stream"
	"stream-rpc/transport"
)

// Client calls methods on one server address. It holds no connections and
// is safe for concurrent use.
type Client struct {
	network        string
	addr           string
	codec          codec.Codec
	maxFrameSize   int
	dialTimeout    time.Duration
	logger         *zap.Logger
	propagator     propagation.TextMapPropagator
	tracerProvider trace.TracerProvider
	metadata       message.Metadata
}

type Option func(*Client)

// WithCodec sets the payload codec. The server must use the same one.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) {
		cl.codec = c
	}
}

// WithMaxFrameSize bounds frames in both directions. Non-positive means
// protocol.DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(cl *Client) {
		cl.maxFrameSize = n
	}
}

// WithDialTimeout bounds connection setup. Zero means only the call's
// context bounds it.
func WithDialTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.dialTimeout = d
	}
}

func WithNetwork(network string) Option {
	return func(cl *Client) {
		cl.network = network
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithPropagator sets how the trace context is written into the header.
// The default is the otel global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(cl *Client) {
		cl.propagator = p
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cl *Client) {
		cl.tracerProvider = tp
	}
}

// WithMetadata adds a key/value sent in the header of every call.
func WithMetadata(key, value string) Option {
	return func(cl *Client) {
		if cl.metadata == nil {
			cl.metadata = make(message.Metadata)
		}
		cl.metadata.Set(key, value)
	}
}

func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		network: "tcp",
		addr:    addr,
		codec:   codec.Default,
		logger:  zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.logger = c.logger.Named("rpc.client")
	return c
}

func (c *Client) Addr() string {
	return c.addr
}

// call is the client side of one connection.
type call struct {
	conn   *transport.Conn
	rd     *transport.ReadHalf
	wr     *transport.WriteHalf
	reader *protocol.Reader
	writer *protocol.Writer
	logger *zap.Logger
	span   trace.Span
	ctx    context.Context
	stop   func() bool
}

// open dials the server and writes the header. The returned call aborts its
// connection when ctx is done.
func (c *Client) open(ctx context.Context, method string, shape message.Shape, args any) (*call, error) {
	payload, err := c.codec.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode arguments of %q: %w", method, err)
	}

	callID := uuid.NewString()
	ctx, span := c.tracerProvider.Tracer("stream-rpc").Start(ctx, "stream_rpc/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "stream_rpc"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.stream_rpc.shape", shape.String()),
			attribute.String("rpc.stream_rpc.call_id", callID),
		),
	)

	md := c.metadata.Clone()
	md.Set(message.MetadataCallID, callID)
	c.propagator.Inject(ctx, md)

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, err := transport.Dial(dialCtx, c.network, c.addr)
	if err != nil {
		err = fmt.Errorf("rpc: dial %s: %w", c.addr, err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	rd, wr := conn.Split()
	cl := &call{
		conn:   conn,
		rd:     rd,
		wr:     wr,
		reader: protocol.NewReader(rd, c.codec, c.maxFrameSize),
		writer: protocol.NewWriter(wr, c.codec, c.maxFrameSize),
		logger: c.logger.With(zap.String("method", method), zap.String("call_id", callID)),
		span:   span,
		ctx:    ctx,
	}
	cl.stop = context.AfterFunc(ctx, func() {
		conn.Abort()
	})

	header := message.Header{Method: method, Args: payload, Metadata: md}
	if err := cl.writer.WriteMessage(header); err != nil {
		err = cl.transportErr(err)
		cl.record(err)
		cl.close()
		return nil, err
	}
	return cl, nil
}

// closeWrite half-closes the connection: the server sees the end of the
// input while the response can still be read. Calls without streamed input
// keep the write side open, so the server reads end-of-stream only when the
// client has gone.
func (cl *call) closeWrite() {
	if err := cl.wr.Close(); err != nil {
		cl.logger.Debug("half-close failed", zap.Error(err))
	}
}

// record marks the call's span as failed. End of stream is not a failure.
func (cl *call) record(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		cl.span.RecordError(err)
		cl.span.SetStatus(codes.Error, err.Error())
	}
}

// close aborts the connection and ends the call's span.
func (cl *call) close() error {
	cl.stop()
	cl.span.End()
	return cl.conn.Abort()
}

// transportErr reports the context's error instead of the read or write
// failure caused by aborting the connection on cancellation.
func (cl *call) transportErr(err error) error {
	if cl.ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return context.Cause(cl.ctx)
	}
	return err
}

// send starts the sender task. It owns the write half: one Ok frame per
// item, an item error as the final frame, then a half-close. Failures are
// logged only; the caller learns the outcome from the response.
func send[I, EC any](cl *call, in iter.Seq2[I, error]) {
	go func() {
		defer cl.closeWrite()
		if in == nil {
			return
		}
		for v, err := range in {
			if werr := cl.writer.WriteMessage(message.ToResult[I, EC](v, err)); werr != nil {
				cl.logger.Warn("send input failed", zap.Error(werr))
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// readResult reads the single response frame of a unary or client
// streaming call.
func readResult[R, E any](cl *call) (R, error) {
	var res message.Result[R, E]
	if err := cl.reader.ReadMessage(&res); err != nil {
		var zero R
		if errors.Is(err, io.EOF) {
			err = &protocol.ProtocolError{Op: "read response", Err: protocol.ErrUnexpectedEOF}
		}
		return zero, cl.transportErr(err)
	}
	return res.Unwrap()
}

// readStream reads the ack and, when it is OK, returns the rest of the
// connection as a stream. The stream owns the connection.
func readStream[E, ES, O any](cl *call) (*stream.Stream[O], error) {
	var ack message.Result[message.Unit, E]
	if err := cl.reader.ReadMessage(&ack); err != nil {
		if errors.Is(err, io.EOF) {
			err = &protocol.ProtocolError{Op: "read ack", Err: protocol.ErrUnexpectedEOF}
		}
		err = cl.transportErr(err)
		cl.record(err)
		cl.close()
		return nil, err
	}
	if _, err := ack.Unwrap(); err != nil {
		cl.record(err)
		cl.close()
		return nil, err
	}

	return stream.New(func() (O, error) {
		var res message.Result[O, ES]
		if err := cl.reader.ReadMessage(&res); err != nil {
			var zero O
			err = cl.transportErr(err)
			cl.record(err)
			return zero, err
		}
		v, err := res.Unwrap()
		cl.record(err)
		return v, err
	}, cl.close), nil
}

// Call invokes a unary method. A BadRequest from the server is returned as
// a *message.Error[E]; use message.AsBadRequest to inspect it.
//
// Type parameters that cannot be inferred come first:
//
//	sum, err := client.Call[AddError, int](ctx, c, "add", AddArgs{A: 1, B: 2})
func Call[E, R, P any](ctx context.Context, c *Client, method string, args P) (R, error) {
	cl, err := c.open(ctx, method, message.Unary, args)
	if err != nil {
		var zero R
		return zero, err
	}
	v, err := readResult[R, E](cl)
	cl.record(err)
	cl.close()
	return v, err
}

// CallClientStream invokes a client streaming method, sending in while
// waiting for the single result. An error yielded by in is sent to the
// server as a BadRequest[EC] when it is an EC, an Unexpected otherwise, and
// ends the input.
func CallClientStream[E, EC, R, P, I any](ctx context.Context, c *Client, method string, args P, in iter.Seq2[I, error]) (R, error) {
	cl, err := c.open(ctx, method, message.ClientStreaming, args)
	if err != nil {
		var zero R
		return zero, err
	}
	send[I, EC](cl, in)
	v, err := readResult[R, E](cl)
	cl.record(err)
	cl.close()
	return v, err
}

// CallServerStream invokes a server streaming method. A failed ack is
// returned as the error and no stream is created. The caller must drain or
// Close the stream.
func CallServerStream[E, ES, O, P any](ctx context.Context, c *Client, method string, args P) (*stream.Stream[O], error) {
	cl, err := c.open(ctx, method, message.ServerStreaming, args)
	if err != nil {
		return nil, err
	}
	return readStream[E, ES, O](cl)
}

// CallBidi invokes a bidirectional streaming method. in is sent by a
// background task while the returned stream is read.
func CallBidi[E, EC, ES, O, P, I any](ctx context.Context, c *Client, method string, args P, in iter.Seq2[I, error]) (*stream.Stream[O], error) {
	cl, err := c.open(ctx, method, message.Bidi, args)
	if err != nil {
		return nil, err
	}
	send[I, EC](cl, in)
	return readStream[E, ES, O](cl)
}
