package protocol

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMissingHeader = errors.New("connection closed before header")
	ErrUnknownMethod = errors.New("unknown method")
	ErrUnexpectedEOF = fmt.Errorf("unexpected end of stream: %w", io.ErrUnexpectedEOF)
)

// FrameError reports a malformed, oversized, or undecodable frame.
// It is fatal to the connection.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return "frame " + e.Op + ": " + e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a peer that broke the call sequence: no header, an
// unknown method, or a stream that ended where a frame was required.
// It is fatal to the connection.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
