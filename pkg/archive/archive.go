// Package archive defines the contract spec.md §6 leaves external: the
// writer that consumes decoded event lists and periodic GPS snapshots.
// SPEC_FULL.md §6 scopes a full FITS/ROOT writer out but still requires
// the contract and a reference in-memory implementation for tests and
// a CLI dry-run mode.
package archive

import (
	"sync"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
)

// Snapshot is a periodic GPS time correlation record, per spec.md §6:
// the FPGA's 48-bit time-tag counter paired with the host's own clock
// and the raw GPS ASCII sentence tail.
type Snapshot struct {
	FPGATimeTag uint64
	UnixTime    uint32
	GPSASCII    [14]byte
}

// Writer consumes decoded event lists and GPS snapshots. Implementations
// must return every event (and the list itself) to the pools that
// produced them once finished, per spec.md §6 ("must return them to
// the pool when done") — the decoder does not do this automatically,
// since only the writer knows when it is safe to recycle.
type Writer interface {
	WriteEventList(list *pool.EventList) error
	WriteGPSSnapshot(snap Snapshot) error
}

// PoolReturner lets a Writer hand events/lists back to the pipeline's
// pools after it's done with them. MemoryWriter and any real archive
// writer should embed or call this.
type PoolReturner struct {
	EventPool     *pool.EventPool
	EventListPool *pool.EventListPool
}

// Return gives every event in list, and list itself, back to the pools.
func (r PoolReturner) Return(list *pool.EventList) {
	for _, ev := range list.Events {
		r.EventPool.Put(ev)
	}
	r.EventListPool.Put(list)
}

// MemoryWriter is a reference Writer that keeps everything in slices.
// It is not a FITS/ROOT writer (that remains out of scope, spec.md
// §1) — it exists so tests and a CLI -dry-run mode have something
// concrete to drive against the Writer contract.
type MemoryWriter struct {
	PoolReturner

	mu        sync.Mutex
	Events    []pool.Event
	Snapshots []Snapshot
}

// NewMemoryWriter returns a MemoryWriter that recycles borrowed
// instances through the given pools once it has copied their data out.
func NewMemoryWriter(eventPool *pool.EventPool, eventListPool *pool.EventListPool) *MemoryWriter {
	return &MemoryWriter{PoolReturner: PoolReturner{EventPool: eventPool, EventListPool: eventListPool}}
}

// WriteEventList copies every event's fields (including a fresh
// waveform slice, since the pool will reuse the backing array) and
// returns the borrowed instances to their pools.
func (w *MemoryWriter) WriteEventList(list *pool.EventList) error {
	w.mu.Lock()
	for _, ev := range list.Events {
		copied := *ev
		copied.Waveform = append([]uint16(nil), ev.Waveform...)
		w.Events = append(w.Events, copied)
	}
	w.mu.Unlock()

	w.Return(list)
	return nil
}

// WriteGPSSnapshot appends snap to the in-memory log.
func (w *MemoryWriter) WriteGPSSnapshot(snap Snapshot) error {
	w.mu.Lock()
	w.Snapshots = append(w.Snapshots, snap)
	w.mu.Unlock()
	return nil
}
