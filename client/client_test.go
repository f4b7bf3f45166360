package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/server"
	"stream-rpc/stream"
	"stream-rpc/transport"
)

// ---- service used by the tests ----

type Foo struct {
	Foo string `json:"foo"`
}

type Bar struct {
	Bar string `json:"bar"`
}

type ManyArgs struct {
	Foo Foo `json:"foo"`
	Bar Bar `json:"bar"`
}

type DivideArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type DivideError struct {
	Reason string `json:"reason"`
}

func (e DivideError) Error() string {
	return e.Reason
}

var (
	manyArguments atomic.Bool
	noArguments   atomic.Bool
	oneArgument   atomic.Bool
)

type none = message.NoError

// register installs the test service. Handlers that wait for cancellation
// report it on cancelled.
func register(svr *server.Server, cancelled chan<- string) {
	server.Unary[none](svr, "many_arguments", func(ctx context.Context, args ManyArgs) (message.Unit, error) {
		if args.Foo.Foo != "foo" || args.Bar.Bar != "bar" {
			return message.Unit{}, fmt.Errorf("unexpected arguments %+v", args)
		}
		manyArguments.Store(true)
		return message.Unit{}, nil
	})
	server.Unary[none](svr, "no_arguments", func(ctx context.Context, _ message.Unit) (message.Unit, error) {
		noArguments.Store(true)
		return message.Unit{}, nil
	})
	server.Unary[none](svr, "one_argument", func(ctx context.Context, foo Foo) (message.Unit, error) {
		oneArgument.Store(foo.Foo == "foo")
		return message.Unit{}, nil
	})
	server.Unary[none](svr, "return_one", func(ctx context.Context, _ message.Unit) (Foo, error) {
		return Foo{Foo: "return one"}, nil
	})
	server.Unary[none](svr, "return_error", func(ctx context.Context, _ message.Unit) (Foo, error) {
		return Foo{}, errors.New("return error")
	})
	server.Unary[DivideError](svr, "divide", func(ctx context.Context, args DivideArgs) (int, error) {
		if args.B == 0 {
			return 0, DivideError{Reason: "division by zero"}
		}
		return args.A / args.B, nil
	})
	server.Unary[none](svr, "block", func(ctx context.Context, _ message.Unit) (message.Unit, error) {
		<-ctx.Done()
		cancelled <- "block"
		return message.Unit{}, ctx.Err()
	})

	server.ClientStream[none, none](svr, "client_streaming", func(ctx context.Context, _ message.Unit, in *stream.Stream[Foo]) (Bar, error) {
		var acc strings.Builder
		for foo, err := range in.All() {
			if err != nil {
				return Bar{}, err
			}
			acc.WriteString(foo.Foo)
		}
		return Bar{Bar: acc.String()}, nil
	})
	server.ClientStream[none, none](svr, "one_arg_client_streaming", func(ctx context.Context, bar Bar, in *stream.Stream[Foo]) (Bar, error) {
		if _, err := stream.Collect(in); err != nil {
			return Bar{}, err
		}
		return bar, nil
	})

	server.ServerStream[none, none](svr, "server_streaming", func(ctx context.Context, _ message.Unit) (iter.Seq2[Bar, error], error) {
		return stream.FromSlice([]Bar{{Bar: "a"}, {Bar: "b"}, {Bar: "c"}}), nil
	})
	server.ServerStream[none, none](svr, "server_streaming_return_error", func(ctx context.Context, _ message.Unit) (iter.Seq2[Bar, error], error) {
		return nil, errors.New("return error")
	})
	server.ServerStream[none, none](svr, "server_streaming_error", func(ctx context.Context, _ message.Unit) (iter.Seq2[Bar, error], error) {
		return stream.Fail(errors.New("server stream error"), Bar{Bar: "a"}, Bar{Bar: "b"}), nil
	})
	server.ServerStream[none, none](svr, "server_streaming_block", func(ctx context.Context, _ message.Unit) (iter.Seq2[Bar, error], error) {
		return func(yield func(Bar, error) bool) {
			if !yield(Bar{Bar: "a"}, nil) {
				return
			}
			<-ctx.Done()
			cancelled <- "server_streaming_block"
		}, nil
	})

	server.Bidi[none, none, none](svr, "upper", func(ctx context.Context, _ message.Unit, in *stream.Stream[string]) (iter.Seq2[string, error], error) {
		return func(yield func(string, error) bool) {
			for s, err := range in.All() {
				if err != nil {
					yield("", err)
					return
				}
				if !yield(strings.ToUpper(s), nil) {
					return
				}
			}
		}, nil
	})
}

type testEnv struct {
	svr       *server.Server
	client    *Client
	cancelled chan string
}

// serve starts a server on a kernel-chosen port and returns a client for it.
func serve(t testing.TB, svrOpts []server.Option, clientOpts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{cancelled: make(chan string, 4)}

	opts := append([]server.Option{server.WithLogger(zaptest.NewLogger(t))}, svrOpts...)
	env.svr = server.NewServer(opts...)
	register(env.svr, env.cancelled)

	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go env.svr.Serve(ln)
	t.Cleanup(func() {
		if err := env.svr.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})

	opts2 := append([]Option{WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel)))}, clientOpts...)
	env.client = NewClient(fmt.Sprintf("127.0.0.1:%d", ln.Port()), opts2...)
	return env
}

// expectCancelled waits for the named handler to observe cancellation.
func (env *testEnv) expectCancelled(t *testing.T, method string) {
	t.Helper()
	select {
	case got := <-env.cancelled:
		if got != method {
			t.Fatalf("expect %s to be cancelled, got %s", method, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler of %s was not cancelled after the client left", method)
	}
}

func ctxT(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fooStream(items ...string) iter.Seq2[Foo, error] {
	foos := make([]Foo, len(items))
	for i, s := range items {
		foos[i] = Foo{Foo: s}
	}
	return stream.FromSlice(foos)
}

// ---- unary ----

func TestOneArgument(t *testing.T) {
	env := serve(t, nil)
	oneArgument.Store(false)
	if _, err := Call[none, message.Unit](ctxT(t), env.client, "one_argument", Foo{Foo: "foo"}); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !oneArgument.Load() {
		t.Fatalf("expect one_argument to run with foo")
	}
}

func TestNoArguments(t *testing.T) {
	env := serve(t, nil)
	noArguments.Store(false)
	if _, err := Call[none, message.Unit](ctxT(t), env.client, "no_arguments", message.Unit{}); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !noArguments.Load() {
		t.Fatalf("expect no_arguments to run")
	}
}

func TestManyArguments(t *testing.T) {
	env := serve(t, nil)
	manyArguments.Store(false)
	args := ManyArgs{Foo: Foo{Foo: "foo"}, Bar: Bar{Bar: "bar"}}
	if _, err := Call[none, message.Unit](ctxT(t), env.client, "many_arguments", args); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !manyArguments.Load() {
		t.Fatalf("expect many_arguments to run")
	}
}

func TestReturnOne(t *testing.T) {
	env := serve(t, nil)
	got, err := Call[none, Foo](ctxT(t), env.client, "return_one", message.Unit{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != (Foo{Foo: "return one"}) {
		t.Fatalf("expect return one, got %+v", got)
	}
}

func TestReturnError(t *testing.T) {
	env := serve(t, nil)
	_, err := Call[none, Foo](ctxT(t), env.client, "return_error", message.Unit{})
	if err == nil {
		t.Fatalf("expect error")
	}
	if err.Error() != "internal server error: return error" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if text, ok := message.UnexpectedText(err); !ok || text != "return error" {
		t.Fatalf("expect Unexpected(return error), got %v", err)
	}
}

func TestBadRequest(t *testing.T) {
	env := serve(t, nil)
	got, err := Call[DivideError, int](ctxT(t), env.client, "divide", DivideArgs{A: 7, B: 2})
	if err != nil || got != 3 {
		t.Fatalf("expect 3, got %d, %v", got, err)
	}

	_, err = Call[DivideError, int](ctxT(t), env.client, "divide", DivideArgs{A: 1})
	var de DivideError
	if !errors.As(err, &de) || de.Reason != "division by zero" {
		t.Fatalf("expect DivideError, got %v", err)
	}
	if _, ok := message.AsBadRequest[DivideError](err); !ok {
		t.Fatalf("expect a BadRequest, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := serve(t, nil)
	_, err := Call[none, Foo](ctxT(t), env.client, "missing", message.Unit{})
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expect a protocol error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := serve(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := Call[none, message.Unit](ctx, env.client, "block", message.Unit{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation took too long")
	}
	env.expectCancelled(t, "block")
}

func TestDialError(t *testing.T) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr, WithDialTimeout(time.Second))
	if _, err := Call[none, Foo](ctxT(t), c, "return_one", message.Unit{}); err == nil {
		t.Fatalf("expect a dial error")
	}
}

// ---- client streaming ----

func TestClientStreaming(t *testing.T) {
	env := serve(t, nil)
	got, err := CallClientStream[none, none, Bar](ctxT(t), env.client, "client_streaming", message.Unit{}, fooStream("1", "2", "3"))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != (Bar{Bar: "123"}) {
		t.Fatalf("expect 123, got %+v", got)
	}
}

func TestClientStreamingEmpty(t *testing.T) {
	env := serve(t, nil)
	got, err := CallClientStream[none, none, Bar](ctxT(t), env.client, "client_streaming", message.Unit{}, fooStream())
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != (Bar{}) {
		t.Fatalf("expect an empty bar, got %+v", got)
	}
}

func TestClientStreamingErr(t *testing.T) {
	env := serve(t, nil)
	in := stream.Fail(errors.New("client stream error"), Foo{Foo: "1"}, Foo{Foo: "2"}, Foo{Foo: "3"})
	_, err := CallClientStream[none, none, Bar](ctxT(t), env.client, "client_streaming", message.Unit{}, in)
	if text, ok := message.UnexpectedText(err); !ok || text != "client stream error" {
		t.Fatalf("expect Unexpected(client stream error), got %v", err)
	}
}

func TestOneArgClientStreaming(t *testing.T) {
	env := serve(t, nil)
	got, err := CallClientStream[none, none, Bar](ctxT(t), env.client, "one_arg_client_streaming", Bar{Bar: "bar"}, fooStream("1", "2", "3"))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != (Bar{Bar: "bar"}) {
		t.Fatalf("expect bar, got %+v", got)
	}
}

// ---- server streaming ----

func TestServerStreaming(t *testing.T) {
	env := serve(t, nil)
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming", message.Unit{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	got, err := stream.Collect(s)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	want := []Bar{{Bar: "a"}, {Bar: "b"}, {Bar: "c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestServerStreamingReturnError(t *testing.T) {
	env := serve(t, nil)
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming_return_error", message.Unit{})
	if s != nil {
		t.Fatalf("expect no stream after a failed ack")
	}
	if text, ok := message.UnexpectedText(err); !ok || text != "return error" {
		t.Fatalf("expect Unexpected(return error), got %v", err)
	}
}

func TestServerStreamingError(t *testing.T) {
	env := serve(t, nil)
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming_error", message.Unit{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	var items []Bar
	var errs []error
	for v, err := range s.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, v)
	}
	if diff := cmp.Diff([]Bar{{Bar: "a"}, {Bar: "b"}}, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if len(errs) != 1 {
		t.Fatalf("expect exactly one error, got %v", errs)
	}
	if text, ok := message.UnexpectedText(errs[0]); !ok || text != "server stream error" {
		t.Fatalf("expect Unexpected(server stream error), got %v", errs[0])
	}
}

func TestServerStreamingEarlyClose(t *testing.T) {
	env := serve(t, nil)
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming", message.Unit{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if v, err := s.Recv(); err != nil || v.Bar != "a" {
		t.Fatalf("expect a, got %+v, %v", v, err)
	}
	s.Close()
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expect io.EOF after Close, got %v", err)
	}
}

func TestServerStreamingCloseCancelsHandler(t *testing.T) {
	env := serve(t, nil)
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming_block", message.Unit{})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if v, err := s.Recv(); err != nil || v.Bar != "a" {
		t.Fatalf("expect a, got %+v, %v", v, err)
	}
	s.Close()
	env.expectCancelled(t, "server_streaming_block")
}

// ---- bidi ----

func TestBidiInterleaved(t *testing.T) {
	env := serve(t, nil)

	words := make(chan string)
	in := func(yield func(string, error) bool) {
		for w := range words {
			if !yield(w, nil) {
				return
			}
		}
	}
	s, err := CallBidi[none, none, none, string](ctxT(t), env.client, "upper", message.Unit{}, iter.Seq2[string, error](in))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	// Each reply arrives before the next word is sent.
	for _, w := range []string{"a", "b", "c"} {
		words <- w
		got, err := s.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if got != strings.ToUpper(w) {
			t.Fatalf("expect %s, got %s", strings.ToUpper(w), got)
		}
	}
	close(words)

	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expect io.EOF after the input ends, got %v", err)
	}
}

func TestBidiInputError(t *testing.T) {
	env := serve(t, nil)
	in := stream.Fail(errors.New("bad word"), "x")
	s, err := CallBidi[none, none, none, string](ctxT(t), env.client, "upper", message.Unit{}, in)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	got, err := stream.Collect(s)
	if diff := cmp.Diff([]string{"X"}, got); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if text, ok := message.UnexpectedText(err); !ok || text != "bad word" {
		t.Fatalf("expect Unexpected(bad word), got %v", err)
	}
}

// ---- ambient ----

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "json+zstd", "msgpack+zstd"} {
		t.Run(name, func(t *testing.T) {
			c, err := codec.ByName(name, 0)
			if err != nil {
				t.Fatalf("ByName failed: %v", err)
			}
			env := serve(t, []server.Option{server.WithCodec(c)}, WithCodec(c))

			got, err := CallClientStream[none, none, Bar](ctxT(t), env.client, "client_streaming", message.Unit{}, fooStream("x", "y"))
			if err != nil || got.Bar != "xy" {
				t.Fatalf("expect xy, got %+v, %v", got, err)
			}
			_, err = Call[DivideError, int](ctxT(t), env.client, "divide", DivideArgs{A: 1})
			if _, ok := message.AsBadRequest[DivideError](err); !ok {
				t.Fatalf("expect a BadRequest, got %v", err)
			}
		})
	}
}

func TestMiddlewareRejection(t *testing.T) {
	env := serve(t, []server.Option{server.WithMiddleware(middleware.RateLimitMiddleware(0.001, 1))})

	if _, err := Call[none, Foo](ctxT(t), env.client, "return_one", message.Unit{}); err != nil {
		t.Fatalf("first call should pass, got %v", err)
	}

	_, err := Call[none, Foo](ctxT(t), env.client, "return_one", message.Unit{})
	if text, ok := message.UnexpectedText(err); !ok || text != middleware.ErrRateLimited.Error() {
		t.Fatalf("expect a rate limit failure, got %v", err)
	}

	// Streaming calls see the rejection in place of the ack.
	s, err := CallServerStream[none, none, Bar](ctxT(t), env.client, "server_streaming", message.Unit{})
	if s != nil || err == nil {
		t.Fatalf("expect a rejected ack, got %v", err)
	}
}

func TestCallMetadata(t *testing.T) {
	var seen atomic.Value
	capture := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *middleware.CallInfo) error {
			seen.Store(call)
			return next(ctx, call)
		}
	}
	env := serve(t, []server.Option{server.WithMiddleware(capture)}, WithMetadata("tenant", "acme"))

	if _, err := Call[none, Foo](ctxT(t), env.client, "return_one", message.Unit{}); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	call := seen.Load().(*middleware.CallInfo)
	if _, err := uuid.Parse(call.CallID); err != nil {
		t.Fatalf("expect a uuid call id, got %q", call.CallID)
	}
	if call.Metadata.Get("tenant") != "acme" {
		t.Fatalf("expect tenant metadata, got %v", call.Metadata)
	}
	if call.Method != "return_one" || call.Shape != message.Unary {
		t.Fatalf("unexpected call info %+v", call)
	}
}

func TestTracePropagation(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prop := propagation.TraceContext{}

	env := serve(t,
		[]server.Option{server.WithMiddleware(middleware.TracingMiddleware(middleware.TracingConfig{TracerProvider: tp, Propagator: prop}))},
		WithTracerProvider(tp), WithPropagator(prop),
	)
	if _, err := Call[none, Foo](ctxT(t), env.client, "return_one", message.Unit{}); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	// Wait for the server side of the call to end.
	if err := env.svr.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	var clientSpan, serverSpan sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		switch s.SpanKind() {
		case trace.SpanKindClient:
			clientSpan = s
		case trace.SpanKindServer:
			serverSpan = s
		}
	}
	if clientSpan == nil || serverSpan == nil {
		t.Fatalf("expect a client and a server span, got %d spans", len(spans.Ended()))
	}
	if serverSpan.Parent().SpanID() != clientSpan.SpanContext().SpanID() {
		t.Fatalf("server span is not a child of the client span")
	}
}
