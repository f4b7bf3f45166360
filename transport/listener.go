package transport

import (
	"net"
)

// Listener accepts connections for a server. It is owned by the accept loop.
type Listener struct {
	ln net.Listener
}

// Listen binds address. Use port 0 to let the kernel choose; Port reports
// the result.
func Listen(network, address string) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// NewListener wraps an existing listener.
func NewListener(ln net.Listener) *Listener {
	return &Listener{ln: ln}
}

// Accept waits for the next connection. Ownership of the returned Conn
// passes to the caller.
func (l *Listener) Accept() (*Conn, net.Addr, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, nil, err
	}
	return Wrap(c), c.RemoteAddr(), nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port returns the bound TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
