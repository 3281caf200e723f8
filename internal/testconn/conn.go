// Package testconn provides a net.Conn that replays canned peer bytes.
package testconn

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// New returns a Conn that reads data and then blocks until closed.
// Everything written to it is kept and available from Written.
func New(data []byte) *Conn {
	return &Conn{
		data: bytes.NewReader(data),
		done: make(chan struct{}),
	}
}

// Conn is a replaying net.Conn.
type Conn struct {
	data *bytes.Reader

	mu      sync.Mutex
	written bytes.Buffer

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.data.Len() > 0 {
		return c.data.Read(b)
	}
	<-c.done
	return 0, io.EOF
}

func (c *Conn) Write(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(b)
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5672}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5672}
}

func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
