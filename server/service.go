package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/stream"
	"stream-rpc/transport"
)

// serveFunc runs one call of a registered method. It owns c: it either
// closes the connection itself or hands it to a drain task that does.
type serveFunc func(ctx context.Context, c *call) error

type methodInfo struct {
	name  string
	shape message.Shape
	serve serveFunc
}

// call is the server side of one connection.
type call struct {
	srv    *Server
	conn   *transport.Conn
	rd     *transport.ReadHalf
	wr     *transport.WriteHalf
	reader *protocol.Reader
	writer *protocol.Writer
	header message.Header
	method *methodInfo
	logger *zap.Logger

	responded  bool
	cancel     context.CancelFunc
	finished   atomic.Bool
	finishOnce sync.Once
}

// respond writes one frame. Write failures are logged, not returned: the
// peer has gone and nobody else is waiting for the outcome.
func (c *call) respond(v any) bool {
	c.responded = true
	return c.write(v)
}

func (c *call) write(v any) bool {
	if err := c.writer.WriteMessage(v); err != nil {
		c.logger.Warn("write response failed", zap.String("method", c.header.Method), zap.Error(err))
		return false
	}
	return true
}

// finish ends the call: the handler context is cancelled, the write side
// is half-closed so the client reads a clean end-of-stream, and the
// connection is released.
func (c *call) finish() {
	c.finishOnce.Do(func() {
		c.finished.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if err := multierr.Combine(c.wr.Close(), c.rd.Close()); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	})
}

// watchPeer cancels the handler context once the client goes away. Calls
// without streamed input send nothing after the header, so the read half only
// returns when the client has closed its side or broken the protocol.
func (c *call) watchPeer() {
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		_, err := c.reader.Next()
		c.cancel()
		if c.finished.Load() {
			return
		}
		switch {
		case err == nil:
			c.logger.Warn("unexpected frame after header", zap.String("method", c.header.Method))
		case errors.Is(err, io.EOF):
			c.logger.Debug("client closed the call", zap.String("method", c.header.Method))
		default:
			c.logger.Debug("client connection lost", zap.String("method", c.header.Method), zap.Error(err))
		}
	}()
}

// peerLost reports whether an input stream error means the client connection
// is gone. A clean end, an error item sent by the client, and an undecodable
// item only end the input.
func peerLost(err error) bool {
	if errors.Is(err, io.EOF) {
		return false
	}
	var fe *protocol.FrameError
	if errors.As(err, &fe) && fe.Op == "unmarshal" {
		return false
	}
	var item interface{ Status() message.Status }
	return !errors.As(err, &item)
}

// drain hands the write half to a background task that writes the output
// stream and then closes the connection. Shutdown waits for it.
func drain[O, ES any](c *call, out iter.Seq2[O, error]) {
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		defer c.finish()

		n := 0
		for v, err := range out {
			if !c.write(message.ToResult[O, ES](v, err)) {
				return
			}
			if err != nil {
				c.logger.Debug("output stream failed", zap.Int("items", n), zap.Error(err))
				return
			}
			n++
		}
		c.logger.Debug("output stream drained", zap.Int("items", n))
	}()
}

func decodeArgs[P any](c *call) (P, error) {
	var args P
	if len(c.header.Args) == 0 {
		return args, nil
	}
	if err := c.srv.codec.Unmarshal(c.header.Args, &args); err != nil {
		return args, fmt.Errorf("decode arguments of %q: %w", c.header.Method, err)
	}
	return args, nil
}

// input exposes the remaining client frames as a stream of Result[I, EC].
// Closing it releases the read half only; the response can still be written.
// Losing the connection mid-input cancels the handler context.
func input[I, EC any](c *call) *stream.Stream[I] {
	in := stream.Framed[I, EC](c.reader, c.rd.Close)
	return stream.New(func() (I, error) {
		v, err := in.Recv()
		if err != nil && peerLost(err) {
			c.logger.Debug("client connection lost", zap.String("method", c.header.Method), zap.Error(err))
			c.cancel()
		}
		return v, err
	}, in.Close)
}

// Unary registers a method that takes its arguments and returns one result.
// A non-nil error from h becomes a BadRequest when it is (or wraps) an
// error of type E or a *message.Error[E], and an Unexpected otherwise.
func Unary[E, P, R any](s *Server, name string, h func(ctx context.Context, args P) (R, error)) {
	s.register(name, message.Unary, func(ctx context.Context, c *call) error {
		defer c.finish()
		args, err := decodeArgs[P](c)
		if err != nil {
			c.respond(message.Failure[R, E](err.Error()))
			return err
		}
		v, err := h(ctx, args)
		c.respond(message.ToResult[R, E](v, err))
		return err
	})
}

// ClientStream registers a method that consumes a stream of items of type I
// and returns one result. An item error sent by the client arrives as a
// terminal *message.Error[EC] from in.
func ClientStream[E, EC, P, I, R any](s *Server, name string, h func(ctx context.Context, args P, in *stream.Stream[I]) (R, error)) {
	s.register(name, message.ClientStreaming, func(ctx context.Context, c *call) error {
		defer c.finish()
		args, err := decodeArgs[P](c)
		if err != nil {
			c.respond(message.Failure[R, E](err.Error()))
			return err
		}
		in := input[I, EC](c)
		defer in.Close()
		v, err := h(ctx, args, in)
		c.respond(message.ToResult[R, E](v, err))
		return err
	})
}

// ServerStream registers a method that returns a stream of items of type O.
// An error returned by h itself is sent as a failed ack and no stream
// follows; an error yielded by the sequence ends the stream.
func ServerStream[E, ES, P, O any](s *Server, name string, h func(ctx context.Context, args P) (iter.Seq2[O, error], error)) {
	s.register(name, message.ServerStreaming, func(ctx context.Context, c *call) error {
		args, err := decodeArgs[P](c)
		if err != nil {
			c.respond(message.Failure[message.Unit, E](err.Error()))
			c.finish()
			return err
		}
		out, err := h(ctx, args)
		return startStream[E, ES](c, out, err)
	})
}

// Bidi registers a method that consumes a stream of items of type I and
// returns a stream of items of type O. Both may flow at the same time.
func Bidi[E, EC, ES, P, I, O any](s *Server, name string, h func(ctx context.Context, args P, in *stream.Stream[I]) (iter.Seq2[O, error], error)) {
	s.register(name, message.Bidi, func(ctx context.Context, c *call) error {
		args, err := decodeArgs[P](c)
		if err != nil {
			c.respond(message.Failure[message.Unit, E](err.Error()))
			c.finish()
			return err
		}
		out, err := h(ctx, args, input[I, EC](c))
		return startStream[E, ES](c, out, err)
	})
}

// startStream writes the ack and starts draining out.
func startStream[E, ES, O any](c *call, out iter.Seq2[O, error], err error) error {
	if err == nil && out == nil {
		err = message.Unexpectedf[E]("method %q returned no stream", c.header.Method)
	}
	if err != nil {
		c.respond(message.ToResult[message.Unit, E](message.Unit{}, err))
		c.finish()
		return err
	}
	if !c.respond(message.OK[message.Unit, E](message.Unit{})) {
		c.finish()
		return nil
	}
	drain[O, ES](c, out)
	return nil
}
