// Package pool implements the three bounded-growth free-lists the
// decoder pipeline borrows from: raw byte buffers, events, and event
// lists. Each is a mutex-guarded stack that hands out a recycled
// instance when one is available and allocates a fresh one otherwise;
// returned instances are always accepted, so the pools grow to the
// high-water mark of concurrent in-flight borrows and then stay there.
//
// This is deliberately not sync.Pool: sync.Pool may drop any entry at
// the next GC, which would defeat the point on the decoder's hot path
// (a dropped waveform slab just means another 1024*2-byte allocation
// at the next event). The mutex+slice shape mirrors the teacher pack's
// internal/fifo.Fifo — a small buffered structure guarded by a single
// mutex rather than built from channels or sync.Pool.
package pool

import "sync"

// BufferPool hands out byte slices sized to one SSDTP body.
type BufferPool struct {
	mu    sync.Mutex
	free  [][]byte
	size  int
}

// NewBufferPool returns a pool producing buffers of the given size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{size: size}
}

// Get returns a recycled buffer, or allocates a new one if none is
// free. The returned slice always has length p.size.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf
	}
	return make([]byte, p.size)
}

// Put returns buf to the pool for reuse.
func (p *BufferPool) Put(buf []byte) {
	p.mu.Lock()
	p.free = append(p.free, buf[:p.size])
	p.mu.Unlock()
}

// MaxWaveformSamples bounds a single event's waveform per spec.md §3.
const MaxWaveformSamples = 1024

// Event is a decoded event-packet record (spec.md §3).
type Event struct {
	Channel          uint8
	TimeTag          uint64
	TriggerCount     uint16
	PHAMax           uint16
	PHAMaxTime       uint16
	PHAMin           uint16
	PHAFirst         uint16
	PHALast          uint16
	MaxDerivative    uint16
	Baseline         uint16
	Waveform         []uint16
}

// Reset clears an Event's fields so it is ready to be reused for the
// next borrow. The waveform backing array (pre-allocated to
// MaxWaveformSamples) is kept and just re-sliced to zero length.
func (e *Event) Reset() {
	*e = Event{Waveform: e.Waveform[:0]}
}

// EventPool hands out Event records with a pre-allocated
// MaxWaveformSamples-capacity waveform slab, eliminating per-event
// heap churn on the decode hot path.
type EventPool struct {
	mu   sync.Mutex
	free []*Event
}

// NewEventPool returns an empty EventPool.
func NewEventPool() *EventPool {
	return &EventPool{}
}

// Get returns a recycled, reset Event, or allocates a new one.
func (p *EventPool) Get() *Event {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		e := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return e
	}
	p.mu.Unlock()
	return &Event{Waveform: make([]uint16, 0, MaxWaveformSamples)}
}

// Put returns ev to the pool after resetting it.
func (p *EventPool) Put(ev *Event) {
	ev.Reset()
	p.mu.Lock()
	p.free = append(p.free, ev)
	p.mu.Unlock()
}

// EventList is a batch of events published together by the decoder:
// spec.md §4.H only emits a list once it holds at least one event.
type EventList struct {
	Events []*Event
}

// Reset clears an EventList so it is ready to be reused.
func (l *EventList) Reset() {
	l.Events = l.Events[:0]
}

// EventListPool hands out EventList containers.
type EventListPool struct {
	mu   sync.Mutex
	free []*EventList
}

// NewEventListPool returns an empty EventListPool.
func NewEventListPool() *EventListPool {
	return &EventListPool{}
}

// Get returns a recycled, reset EventList, or allocates a new one.
func (p *EventListPool) Get() *EventList {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		l := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return l
	}
	p.mu.Unlock()
	return &EventList{}
}

// Put returns l to the pool after resetting it. The caller must have
// already returned every Event in l.Events to an EventPool, if
// applicable, before calling Put — EventListPool does not cascade.
func (p *EventListPool) Put(l *EventList) {
	l.Reset()
	p.mu.Lock()
	p.free = append(p.free, l)
	p.mu.Unlock()
}
