package decoder

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/registers"
)

// MaxChunkBytes bounds a single bulk RMAP read of the event FIFO
// window, per spec.md §4.H ("bulk RMAP reads... in chunks of up to
// ~64 KiB").
const MaxChunkBytes = 64 * 1024

// FIFOReader is the producer side of the decoder pipeline: it polls
// the FIFO data-count register and issues bulk reads of the event
// FIFO memory window, handing each chunk to a Decoder. Grounded on the
// teacher pack's pkg/node.NodeProcessor periodic-ticker shape
// (context + WaitGroup + select on ctx.Done), generalised from SYNC/
// PDO processing to an RMAP poll-and-drain loop.
type FIFOReader struct {
	accessor    *registers.Accessor
	decoder     *Decoder
	bufPool     *pool.BufferPool
	dataCountAddr uint32
	fifoAddr    uint32
	pollEvery   time.Duration

	wg sync.WaitGroup
}

// NewFIFOReader returns a FIFOReader polling dataCountAddr (the
// event-FIFO word-count register) and draining fifoAddr (the FIFO
// memory window) into decoder, at the given poll interval.
func NewFIFOReader(accessor *registers.Accessor, decoder *Decoder, bufPool *pool.BufferPool, dataCountAddr, fifoAddr uint32, pollEvery time.Duration) *FIFOReader {
	if pollEvery <= 0 {
		pollEvery = 10 * time.Millisecond
	}
	return &FIFOReader{
		accessor:      accessor,
		decoder:       decoder,
		bufPool:       bufPool,
		dataCountAddr: dataCountAddr,
		fifoAddr:      fifoAddr,
		pollEvery:     pollEvery,
	}
}

// Start runs the poll loop until ctx is cancelled.
func (r *FIFOReader) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Wait blocks until the poll loop has exited.
func (r *FIFOReader) Wait() {
	r.wg.Wait()
}

func (r *FIFOReader) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce()
		}
	}
}

// drainOnce reads the FIFO data-count register; if it reports zero
// words available, it returns immediately without issuing any bulk-read
// transaction (spec.md §8 boundary behaviour).
func (r *FIFOReader) drainOnce() {
	words, err := r.accessor.Read16(r.dataCountAddr)
	if err != nil {
		log.WithError(err).Debug("decoder: fifo data-count read failed")
		return
	}
	if words == 0 {
		return
	}

	remaining := int(words) * 2
	for remaining > 0 {
		n := remaining
		if n > MaxChunkBytes {
			n = MaxChunkBytes
		}
		buf := r.bufPool.Get()
		if len(buf) < n {
			// bufPool is sized for one chunk; shrink the request to
			// what it can actually hold rather than growing it.
			n = len(buf)
		}
		if err := r.accessor.Read(r.fifoAddr, uint32(n), buf); err != nil {
			r.bufPool.Put(buf)
			log.WithError(err).Warn("decoder: fifo bulk read failed")
			return
		}
		r.decoder.Enqueue(buf, n)
		remaining -= n
	}
}
