// Package middleware wraps the server's dispatch of a call.
//
// A middleware runs after the header has been read and before the method
// handler is invoked. Returning an error without calling next rejects the
// call; the server then answers with an Unexpected envelope.
package middleware

import (
	"context"
	"net"

	"stream-rpc/message"
)

// CallInfo describes the call being dispatched.
type CallInfo struct {
	Method   string
	Shape    message.Shape
	Peer     net.Addr
	CallID   string
	Metadata message.Metadata
}

// HandlerFunc dispatches one call. For streaming shapes it returns once the
// ack has been written; the output stream is drained afterwards.
type HandlerFunc func(ctx context.Context, call *CallInfo) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(A, B, C)(h) is A(B(C(h))):
// A runs first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
