// Package stream provides the lazy, ordered, one-shot sequences used for
// streaming arguments and streaming results.
package stream

import (
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"stream-rpc/message"
	"stream-rpc/protocol"
)

// Stream yields items until the underlying source ends (io.EOF) or fails.
// A failure is the last thing a stream produces: after it, Recv returns io.EOF.
//
// A Stream has a single consumer. Close may be called from any goroutine, and
// closing a stream backed by a connection closes that connection so the peer
// observes end-of-stream instead of hanging.
type Stream[T any] struct {
	next func() (T, error)

	done      atomic.Bool
	closeOnce sync.Once
	closer    func() error
	closeErr  error
}

// New builds a stream from a pull function. next returns io.EOF at the end.
// closer may be nil.
func New[T any](next func() (T, error), closer func() error) *Stream[T] {
	return &Stream[T]{next: next, closer: closer}
}

// Framed reads each remaining frame of r as a Result[T, E]. OK results are
// items, a failed result is returned as a terminal *message.Error[E], and a
// malformed frame is a terminal error. closer runs once the stream is done.
func Framed[T, E any](r *protocol.Reader, closer func() error) *Stream[T] {
	return New(func() (T, error) {
		var res message.Result[T, E]
		if err := r.ReadMessage(&res); err != nil {
			var zero T
			return zero, err
		}
		return res.Unwrap()
	}, closer)
}

// Recv returns the next item, or io.EOF once the stream has ended.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if s.done.Load() {
		return zero, io.EOF
	}

	v, err := s.next()
	if err != nil {
		if s.done.Swap(true) {
			// Closed while waiting; the read error is the close itself.
			return zero, io.EOF
		}
		s.Close()
		return zero, err
	}
	return v, nil
}

// All ranges over the stream. A failure is yielded as the final pair.
// Breaking out of the loop early closes the stream.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(v, err) {
				s.Close()
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Close stops the stream and releases its source.
func (s *Stream[T]) Close() error {
	s.done.Store(true)
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Collect drains s and returns its items, or the error that ended it.
func Collect[T any](s *Stream[T]) ([]T, error) {
	var items []T
	for v, err := range s.All() {
		if err != nil {
			return items, err
		}
		items = append(items, v)
	}
	return items, nil
}

// FromSlice returns a sequence yielding items in order.
func FromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range items {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Fail returns a sequence yielding items in order, then err.
func Fail[T any](err error, items ...T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range items {
			if !yield(v, nil) {
				return
			}
		}
		var zero T
		yield(zero, err)
	}
}
