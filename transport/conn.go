// Package transport owns the TCP connections that carry calls.
//
// A call and a connection are 1:1. To let argument frames and response frames
// flow at the same time, a connection is split into two halves, each owned by
// exactly one goroutine:
//
//	sender goroutine ──WriteHalf──┐
//	                              ├── one TCP conn ── peer
//	reader goroutine ──ReadHalf───┘
//
// Closing the WriteHalf half-closes the socket (FIN), so the peer reads a clean
// end-of-stream while its own responses can still flow back. The connection is
// fully closed once both halves have been released, or immediately by Abort.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Conn is one accepted or dialed connection.
type Conn struct {
	conn      net.Conn
	halves    atomic.Int32 // halves not yet released
	closeOnce sync.Once
	closeErr  error
}

// Wrap takes ownership of c.
func Wrap(c net.Conn) *Conn {
	t := &Conn{conn: c}
	t.halves.Store(2)
	return t
}

// Dial opens a connection to address. The context bounds the dial only.
func Dial(ctx context.Context, network, address string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// Split returns the two halves of the connection. It must be called once.
func (c *Conn) Split() (*ReadHalf, *WriteHalf) {
	return &ReadHalf{conn: c}, &WriteHalf{conn: c}
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Abort closes the connection at once, regardless of its halves. Blocked
// reads and writes on either half return an error; the peer observes a closed
// connection.
func (c *Conn) Abort() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) release() error {
	if c.halves.Add(-1) == 0 {
		return c.Abort()
	}
	return nil
}

// ReadHalf is the inbound side of a connection.
type ReadHalf struct {
	conn *Conn
	once sync.Once
}

func (r *ReadHalf) Read(p []byte) (int, error) {
	return r.conn.conn.Read(p)
}

// Close releases the read side. It never blocks.
func (r *ReadHalf) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.release()
	})
	return err
}

// Conn returns the connection this half belongs to.
func (r *ReadHalf) Conn() *Conn {
	return r.conn
}

// WriteHalf is the outbound side of a connection.
type WriteHalf struct {
	conn *Conn
	once sync.Once
}

func (w *WriteHalf) Write(p []byte) (int, error) {
	return w.conn.conn.Write(p)
}

// Close signals end-of-stream to the peer and releases the write side.
func (w *WriteHalf) Close() error {
	var err error
	w.once.Do(func() {
		if cw, ok := w.conn.conn.(interface{ CloseWrite() error }); ok {
			err = cw.CloseWrite()
		}
		err = multierr.Append(err, w.conn.release())
	})
	return err
}

// Conn returns the connection this half belongs to.
func (w *WriteHalf) Conn() *Conn {
	return w.conn
}
