// Package loopback provides an in-memory Link implementation backed by
// net.Pipe, used by framer/engine/codec tests in place of a real serial
// port. The deadline-driven read/cancel shape mirrors the teacher
// pack's virtual CAN bus (net.Conn with SetReadDeadline for timeouts).
package loopback

import (
	"net"
	"sync"
	"time"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link"
)

// Pair returns two connected Links, each the other's peer — writes on
// one are readable on the other, exactly like a real UART loopback.
func Pair() (link.Link, link.Link) {
	a, b := net.Pipe()
	return &Loopback{conn: a}, &Loopback{conn: b}
}

// Loopback is a Link wrapping a net.Conn (typically one half of
// net.Pipe()). It is safe to call CancelRecv from a different
// goroutine than the one blocked in Recv.
type Loopback struct {
	conn      net.Conn
	mu        sync.Mutex
	timeout   time.Duration
	closed    bool
	cancelled bool
}

func (l *Loopback) Send(buf []byte) error {
	_, err := l.conn.Write(buf)
	return err
}

func (l *Loopback) Recv(buf []byte) (int, error) {
	l.mu.Lock()
	timeout := l.timeout
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, link.ErrClosed
	}
	if timeout > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = l.conn.SetReadDeadline(time.Time{})
	}
	n, err := l.conn.Read(buf)
	if err == nil {
		return n, nil
	}
	l.mu.Lock()
	wasCancelled := l.cancelled
	l.cancelled = false
	l.mu.Unlock()
	if wasCancelled {
		return 0, link.ErrCancelled
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return 0, nil
	}
	return n, link.ErrClosed
}

func (l *Loopback) SetTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = d
}

// CancelRecv unblocks a pending Recv by setting a deadline in the past;
// the next Recv return is reported as ErrCancelled rather than a plain
// timeout. Safe to call from another goroutine.
func (l *Loopback) CancelRecv() {
	l.mu.Lock()
	l.cancelled = true
	l.mu.Unlock()
	_ = l.conn.SetReadDeadline(time.Now().Add(-time.Second))
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.conn.Close()
}
