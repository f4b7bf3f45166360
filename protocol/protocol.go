// Package protocol implements the length-prefixed frame codec.
//
// TCP is a byte stream, so every message is prefixed with its length. The
// receiver reads the 4-byte prefix first, then exactly that many payload bytes.
// The payload is opaque here; the codec package gives it meaning.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────┐
//	│ length  │   payload ...     │
//	│ u32 LE  │   length bytes    │
//	└─────────┴───────────────────┘
//
// The length is little-endian. Both peers must agree on it; there is no magic
// number or version byte on the wire.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"stream-rpc/codec"
)

const (
	PrefixSize = 4

	// DefaultMaxFrameSize bounds the payload of a single frame when no
	// other ceiling is configured.
	DefaultMaxFrameSize = 16 << 20
)

// frameLimit resolves a configured ceiling: non-positive means the default,
// and nothing can exceed what the u32 prefix can express.
func frameLimit(maxFrameSize int) uint64 {
	if maxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	if uint64(maxFrameSize) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint64(maxFrameSize)
}

type decodeState int

const (
	stateReadHeader decodeState = iota // need PrefixSize bytes
	stateReadBody                      // need length more bytes
)

// Decoder splits a byte buffer into frames.
//
// It is a two-state machine: ReadHeader consumes the prefix and moves to
// ReadBody{length}; ReadBody consumes the payload and moves back. Feeding the
// same bytes in any chunking yields the same frames.
type Decoder struct {
	MaxFrameSize int

	state  decodeState
	length int
}

// Decode consumes at most one frame from buf.
// It returns a nil payload and a nil error when buf does not hold a complete
// frame yet; it never blocks. An empty frame is returned as a non-nil empty slice.
func (d *Decoder) Decode(buf *bytes.Buffer) ([]byte, error) {
	if d.state == stateReadHeader {
		if buf.Len() < PrefixSize {
			return nil, nil
		}
		n := binary.LittleEndian.Uint32(buf.Next(PrefixSize))
		if limit := frameLimit(d.MaxFrameSize); uint64(n) > limit {
			return nil, &FrameError{Op: "decode", Err: fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, limit)}
		}
		d.length = int(n)
		d.state = stateReadBody
	}

	if buf.Len() < d.length {
		buf.Grow(d.length - buf.Len())
		return nil, nil
	}

	payload := make([]byte, d.length)
	copy(payload, buf.Next(d.length))
	d.state = stateReadHeader
	d.length = 0
	return payload, nil
}

// Pending reports whether the decoder is in the middle of a frame.
func (d *Decoder) Pending() bool {
	return d.state != stateReadHeader
}

// Encode writes a complete frame (prefix + payload) to w in a single Write,
// so that a frame is never interleaved with anything else on w.
func Encode(w io.Writer, payload []byte, maxFrameSize int) error {
	if limit := frameLimit(maxFrameSize); uint64(len(payload)) > limit {
		return &FrameError{Op: "encode", Err: fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), limit)}
	}

	buf := make([]byte, PrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:PrefixSize], uint32(len(payload)))
	copy(buf[PrefixSize:], payload)

	_, err := w.Write(buf)
	return err
}

// Writer encodes values with a codec and writes them as frames.
// It is not safe for concurrent use; a write half has exactly one owner.
type Writer struct {
	w            io.Writer
	codec        codec.Codec
	maxFrameSize int
}

func NewWriter(w io.Writer, c codec.Codec, maxFrameSize int) *Writer {
	return &Writer{w: w, codec: c, maxFrameSize: maxFrameSize}
}

func (w *Writer) WriteMessage(v any) error {
	payload, err := w.codec.Marshal(v)
	if err != nil {
		return &FrameError{Op: "marshal", Err: err}
	}
	return Encode(w.w, payload, w.maxFrameSize)
}

// Reader reads frames from a byte stream and decodes them with a codec.
type Reader struct {
	r      io.Reader
	codec  codec.Codec
	dec    Decoder
	buf    bytes.Buffer
	chunk  []byte
	err    error // sticky read error, including io.EOF
	broken error // sticky frame error; nothing after it can be trusted
}

func NewReader(r io.Reader, c codec.Codec, maxFrameSize int) *Reader {
	return &Reader{
		r:     r,
		codec: c,
		dec:   Decoder{MaxFrameSize: maxFrameSize},
		chunk: make([]byte, 4<<10),
	}
}

// Next returns the payload of the next complete frame.
// It returns io.EOF when the stream ends on a frame boundary, and a
// *ProtocolError wrapping ErrUnexpectedEOF when it ends inside a frame.
func (r *Reader) Next() ([]byte, error) {
	if r.broken != nil {
		return nil, r.broken
	}
	for {
		payload, err := r.dec.Decode(&r.buf)
		if err != nil {
			r.broken = err
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}

		if r.err != nil {
			if r.err == io.EOF && (r.dec.Pending() || r.buf.Len() > 0) {
				return nil, &ProtocolError{Op: "read frame", Err: ErrUnexpectedEOF}
			}
			return nil, r.err
		}

		n, err := r.r.Read(r.chunk)
		r.buf.Write(r.chunk[:n])
		if err != nil {
			r.err = err
		}
	}
}

// ReadMessage reads the next frame and decodes it into v.
func (r *Reader) ReadMessage(v any) error {
	payload, err := r.Next()
	if err != nil {
		return err
	}
	if err := r.codec.Unmarshal(payload, v); err != nil {
		return &FrameError{Op: "unmarshal", Err: err}
	}
	return nil
}
