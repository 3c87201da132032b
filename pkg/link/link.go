// Package link defines the byte-stream transport contract used by the
// SSDTP framer. A Link is a blocking, cancellable byte pipe: exactly
// one owner (the RMAP engine's receive loop) reads from it, while
// cancellation may be triggered from any other goroutine.
package link

import (
	"errors"
	"time"
)

// ErrCancelled is returned by Recv when CancelRecv unblocked it.
var ErrCancelled = errors.New("link: receive cancelled")

// ErrClosed is returned by Recv/Send after Close.
var ErrClosed = errors.New("link: closed")

// Link is a blocking byte-stream transport. Implementations must allow
// CancelRecv to be called from a goroutine other than the one blocked
// in Recv.
type Link interface {
	// Send writes the entirety of buf or returns an error.
	Send(buf []byte) error
	// Recv reads at least one byte into buf and returns the count
	// read. It may return (0, nil) on timeout, by which the caller
	// (the framer) is expected to retry. It returns ErrCancelled if
	// unblocked by CancelRecv, and ErrClosed if the link is closed.
	Recv(buf []byte) (int, error)
	// SetTimeout bounds how long a single Recv call blocks before
	// returning (0, nil).
	SetTimeout(d time.Duration)
	// CancelRecv causes a current or next Recv call to return
	// promptly with ErrCancelled. Safe to call concurrently with Recv.
	CancelRecv()
	// Close releases the underlying transport. Idempotent.
	Close() error
}

// RecvFull loops over Recv until exactly len(buf) bytes have been read,
// or an error (including cancellation/close) occurs. Recv calls that
// return (0, nil) — a plain timeout — are retried transparently; this
// is the "header reads that return 0 bytes... loop again" behaviour
// required by the SSDTP framer.
func RecvFull(l Link, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := l.Recv(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}
