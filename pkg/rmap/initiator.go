package rmap

import (
	"errors"
	"fmt"
	"time"
)

// Initiator-level errors (spec.md §4.F).
var (
	ErrTimeout             = errors.New("rmap: transaction timed out")
	ErrReadReplyTooLarge   = errors.New("rmap: read reply payload larger than requested")
	ErrUnexpectedWriteReply = errors.New("rmap: write reply carried unexpected data")
)

// ReplyStatusError wraps a non-zero reply status so callers can
// recognise the failure by status code.
type ReplyStatusError struct {
	Status Status
}

func (e *ReplyStatusError) Error() string {
	return fmt.Sprintf("rmap: reply status %s", e.Status)
}

// DefaultTimeout is used when a caller passes zero.
const DefaultTimeout = 1000 * time.Millisecond

// Initiator is a thin per-caller wrapper around Engine offering
// blocking read/write primitives with timeout and cancellation,
// grounded on the teacher pack's SDOClient.ReadRaw/WriteRaw (spec.md
// §4.F), reworked from a sleep-poll loop into a channel select so a
// reply delivered by the engine's receive loop wakes the caller
// immediately instead of on the next poll tick.
type Initiator struct {
	engine *Engine
	target Target
}

// NewInitiator returns an Initiator issuing transactions against
// target through engine.
func NewInitiator(engine *Engine, target Target) *Initiator {
	return &Initiator{engine: engine, target: target}
}

// Read performs an RMAP read of n bytes at addr, blocking up to
// timeout (DefaultTimeout if zero) for the reply, and copies the
// payload into buf (which must have length >= n).
func (in *Initiator) Read(addr uint32, n uint32, buf []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmd := NewReadCommand(in.target, 0, addr, n)
	id, w, err := in.engine.Initiate(cmd)
	if err != nil {
		return err
	}

	reply, err := in.awaitReply(id, w, timeout)
	if err != nil {
		return err
	}
	if reply.Status != StatusSuccess {
		return &ReplyStatusError{Status: reply.Status}
	}
	if uint32(len(reply.Data)) > uint32(len(buf)) {
		return ErrReadReplyTooLarge
	}
	copy(buf, reply.Data)
	return nil
}

// Write performs an RMAP write of data at addr, blocking up to
// timeout for the reply if one was requested (reply=true).
func (in *Initiator) Write(addr uint32, data []byte, timeout time.Duration, verify, reply, increment bool) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmd := NewWriteCommand(in.target, 0, addr, data, verify, reply, increment)
	id, w, err := in.engine.Initiate(cmd)
	if err != nil {
		return err
	}
	if w == nil {
		// No reply was requested; the engine already released the id.
		return nil
	}

	got, err := in.awaitReply(id, w, timeout)
	if err != nil {
		return err
	}
	if got.Status != StatusSuccess {
		return &ReplyStatusError{Status: got.Status}
	}
	if len(got.Data) != 0 {
		return ErrUnexpectedWriteReply
	}
	return nil
}

// awaitReply blocks on w's reply slot, handling the spurious case
// where Shutdown delivers a nil reply (distinct from a genuine
// timeout) and releasing the transaction id on timeout.
func (in *Initiator) awaitReply(id uint16, w *waiter, timeout time.Duration) (*Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-w.reply:
			if reply == nil {
				return nil, ErrShutdown
			}
			return reply, nil
		case <-timer.C:
			in.engine.Cancel(id)
			return nil, ErrTimeout
		}
	}
}
