package rmap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/ssdtp"
)

// Engine-level errors.
var (
	ErrShutdown                     = errors.New("rmap: engine shut down")
	ErrTooManyConcurrentTransactions = errors.New("rmap: transaction id space exhausted")
	ErrUnexpectedReply               = errors.New("rmap: reply did not match any pending transaction")
)

// waiter is the small struct an initiator hands to Engine.Initiate: a
// one-shot slot for the reply plus a done signal. It plays the role
// the design notes call "a condition variable and a slot for the
// reply" — in Go a buffered channel is the idiomatic equivalent, and
// it has the added benefit of composing with select/context timeouts.
type waiter struct {
	reply chan *Packet
}

func newWaiter() *waiter {
	return &waiter{reply: make(chan *Packet, 1)}
}

// Counters are the monotonic, read-only counters spec.md §4.E
// requires the engine to expose.
type Counters struct {
	DiscardedReceivedCommands uint64
	ErroneousReceivedCommands uint64
	DiscardedMalformedPackets uint64
	ErroneousReplies          uint64
	TransactionsAborted       uint64
	TransactionIDExhausted    uint64
}

// Engine owns one framer and multiplexes RMAP request/reply
// transactions across it. It is grounded on the teacher pack's
// NodeProcessor lifecycle (pkg/node/controller.go: context +
// WaitGroup + explicit Stop) generalised from a single CAN bus
// listener to an arbitrary number of concurrently outstanding RMAP
// transactions.
type Engine struct {
	framer *ssdtp.Framer

	mu             sync.Mutex
	freeIDs        []uint16
	pending        map[uint16]*waiter
	stopped        bool // receive loop has exited (disconnect or Shutdown)
	shutdownCalled bool // Shutdown itself has run to completion once

	wg sync.WaitGroup

	discardedReceivedCommands uint64
	erroneousReceivedCommands uint64
	discardedMalformedPackets uint64
	erroneousReplies          uint64
	transactionsAborted       uint64
	transactionIDExhausted    uint64
}

// NewEngine constructs an Engine over framer with a full 16-bit
// transaction-id space and starts its receive loop.
func NewEngine(framer *ssdtp.Framer) *Engine {
	e := &Engine{
		framer:  framer,
		pending: make(map[uint16]*waiter),
	}
	e.freeIDs = make([]uint16, 0, 65536)
	for i := 0; i < 65536; i++ {
		e.freeIDs = append(e.freeIDs, uint16(i))
	}
	e.wg.Add(1)
	go e.receiveLoop()
	return e
}

func (e *Engine) allocateID() (uint16, *waiter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return 0, nil, ErrShutdown
	}
	if len(e.freeIDs) == 0 {
		e.transactionIDExhausted++
		return 0, nil, ErrTooManyConcurrentTransactions
	}
	id := e.freeIDs[0]
	e.freeIDs = e.freeIDs[1:]
	w := newWaiter()
	e.pending[id] = w
	return id, w, nil
}

// releaseID returns id to the tail of the free-id FIFO. Appending to
// the tail (rather than reusing the most-recently-freed id first)
// keeps recently-used ids out of circulation longest, so a reply that
// arrives late for a cancelled/timed-out transaction is far less
// likely to be misattributed to a new transaction reusing the same id.
func (e *Engine) releaseID(id uint16) {
	e.mu.Lock()
	delete(e.pending, id)
	e.freeIDs = append(e.freeIDs, id)
	e.mu.Unlock()
}

// Initiate allocates a transaction id, serialises cmd with it,
// registers a waiter if a reply is requested, and sends the packet.
// If no reply is requested the id is released immediately after send.
func (e *Engine) Initiate(cmd *Packet) (uint16, *waiter, error) {
	id, w, err := e.allocateID()
	if err != nil {
		return 0, nil, err
	}
	cmd.TransactionID = id

	buf := cmd.Serialize()
	eop := ssdtp.EOPNormal
	if err := e.framer.Send(buf, eop); err != nil {
		e.releaseID(id)
		return 0, nil, fmt.Errorf("rmap: send command: %w", err)
	}

	if !cmd.ReplyRequested() {
		e.releaseID(id)
		return id, nil, nil
	}
	return id, w, nil
}

// Cancel removes a pending transaction (used on caller timeout). A
// reply that later arrives for this id is counted as unexpected and
// dropped rather than misdelivered.
func (e *Engine) Cancel(id uint16) {
	e.mu.Lock()
	_, existed := e.pending[id]
	delete(e.pending, id)
	if existed {
		e.transactionsAborted++
		e.freeIDs = append(e.freeIDs, id)
	}
	e.mu.Unlock()
}

// Counters returns a snapshot of the engine's monotonic counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counters{
		DiscardedReceivedCommands: atomic.LoadUint64(&e.discardedReceivedCommands),
		ErroneousReceivedCommands: atomic.LoadUint64(&e.erroneousReceivedCommands),
		DiscardedMalformedPackets: atomic.LoadUint64(&e.discardedMalformedPackets),
		ErroneousReplies:          atomic.LoadUint64(&e.erroneousReplies),
		TransactionsAborted:       e.transactionsAborted,
		TransactionIDExhausted:    e.transactionIDExhausted,
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		buf, _, err := e.framer.Recv()
		if err != nil {
			e.mu.Lock()
			stopped := e.stopped
			e.stopped = true
			e.mu.Unlock()
			if stopped {
				return
			}
			log.WithError(err).Warn("rmap: framer recv error, receive loop exiting")
			return
		}

		pkt, err := Parse(buf)
		if err != nil {
			atomic.AddUint64(&e.discardedMalformedPackets, 1)
			log.WithError(err).Debug("rmap: discarding malformed packet")
			continue
		}

		if pkt.IsCommand() {
			atomic.AddUint64(&e.discardedReceivedCommands, 1)
			// A command that itself asks this initiator-only engine
			// for a reply is a protocol violation by the sender, not
			// just an unexpected-but-harmless echo: count it
			// separately from the general discard above.
			if pkt.ReplyRequested() {
				atomic.AddUint64(&e.erroneousReceivedCommands, 1)
			}
			continue
		}

		e.mu.Lock()
		w, ok := e.pending[pkt.TransactionID]
		if ok {
			delete(e.pending, pkt.TransactionID)
			e.freeIDs = append(e.freeIDs, pkt.TransactionID)
		}
		e.mu.Unlock()

		if !ok {
			atomic.AddUint64(&e.erroneousReplies, 1)
			continue
		}
		w.reply <- pkt
	}
}

// Shutdown cancels the underlying link's blocked receive, closes it,
// and wakes every pending waiter with ErrShutdown, then joins the
// receive loop. It is idempotent: a second call is a no-op. Shutdown
// is guarded by shutdownCalled rather than the receive loop's own
// stopped flag, so a call that follows an implicit stop (e.g. the
// link disconnected on its own, which already set stopped) still runs
// to completion once, instead of an unrelated disconnect silently
// suppressing the caller's explicit cleanup.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdownCalled {
		e.mu.Unlock()
		return
	}
	e.shutdownCalled = true
	e.stopped = true
	pending := e.pending
	e.pending = make(map[uint16]*waiter)
	e.mu.Unlock()

	// Cancel the blocked Recv explicitly (spec.md §4.E: "Shutdown
	// therefore must cancel the link receive and join the thread" —
	// closing alone is not sufficient if the receive loop is blocked
	// in framer.Recv()).
	e.framer.CancelRecv()
	e.framer.Close()
	for _, w := range pending {
		select {
		case w.reply <- nil:
		default:
		}
	}
	e.wg.Wait()
}
