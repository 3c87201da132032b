// Package decoder implements the event-packet decoder pipeline
// (spec.md §4.H): a state machine over a stream of big-endian u16
// words, read off the event FIFO memory window by an RMAP producer,
// that emits typed Event records through the pooled object pipeline in
// pkg/pool.
//
// The byte-to-word staging problem ("input must contain an even
// number of bytes... odd tail") is solved by internal/ringbuffer,
// itself a word-aware generalisation of the teacher pack's
// internal/fifo.Fifo AltBegin/AltRead/AltFinish speculative-read idiom
// (here: TakeUint16BE refuses to consume a dangling single byte, which
// simply waits for the next chunk to complete the word — resolving
// spec.md §9 open question 2 instead of asserting).
package decoder

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/internal/ringbuffer"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
)

// state names mirror spec.md §4.H exactly.
type state int

const (
	stateFlagFFF0 state = iota
	stateChRealtimeH
	stateRealtimeM
	stateRealtimeL
	stateReserved
	stateTriggerCount
	statePhaMax
	statePhaMaxTime
	statePhaMin
	statePhaFirst
	statePhaLast
	stateMaxDerivative
	stateBaseline
	statePhaList
)

const startMarker = 0xFFF0
const waveformTerminator = 0xFFFF

// ringSize bounds how many raw bytes may be buffered between the
// producer and the state machine; it just needs to comfortably exceed
// one producer chunk (see MaxChunkBytes in fifo_reader.go).
const ringSize = 256 * 1024

// desyncLogLimit is how many consecutive start-marker mismatches are
// logged before the decoder goes quiet about further ones, per
// spec.md §4.H ("rate-limited after 5 occurrences").
const desyncLogLimit = 5

// MaxQueuedLists is the default high-water mark on the output queue
// (spec.md §9 open question 3): past it, the oldest unpublished list
// is dropped rather than letting memory grow without bound.
const MaxQueuedLists = 256

// chunk is one producer-borrowed buffer plus how much of it is valid.
type chunk struct {
	buf []byte
	n   int
}

// Decoder is the event-decoder pipeline's consumer thread: it waits
// for input chunks, feeds them through the word-aligned state machine,
// and publishes completed EventLists.
type Decoder struct {
	bufPool       *pool.BufferPool
	eventPool     *pool.EventPool
	eventListPool *pool.EventListPool

	inMu   sync.Mutex
	inCond *sync.Cond
	inputQ []chunk

	outMu             sync.Mutex
	outCond           *sync.Cond
	outputQ           []*pool.EventList
	maxQueuedLists    int
	droppedEventLists uint64

	pauseDecoding    int32
	stopDecodeThread int32

	wg sync.WaitGroup

	ring        *ringbuffer.Ring
	st          state
	desyncCount int

	ch, timeH                                         uint8
	timeM, timeL, triggerCount, phaMax, phaMaxTime     uint16
	phaMin, phaFirst, phaLast, maxDerivative, baseline uint16
	waveform                                           []uint16
	currentList                                        *pool.EventList
}

// New constructs a Decoder using the given pools. maxQueuedLists <= 0
// selects MaxQueuedLists.
func New(bufPool *pool.BufferPool, eventPool *pool.EventPool, eventListPool *pool.EventListPool, maxQueuedLists int) *Decoder {
	if maxQueuedLists <= 0 {
		maxQueuedLists = MaxQueuedLists
	}
	d := &Decoder{
		bufPool:        bufPool,
		eventPool:      eventPool,
		eventListPool:  eventListPool,
		maxQueuedLists: maxQueuedLists,
		ring:           ringbuffer.New(ringSize),
	}
	d.inCond = sync.NewCond(&d.inMu)
	d.outCond = sync.NewCond(&d.outMu)
	return d
}

// Start launches the decoder's consumer goroutine.
func (d *Decoder) Start() {
	d.wg.Add(1)
	go d.run()
}

// Shutdown sets the stop flag, wakes the consumer goroutine, and joins
// it.
func (d *Decoder) Shutdown() {
	atomic.StoreInt32(&d.stopDecodeThread, 1)
	d.inMu.Lock()
	d.inCond.Broadcast()
	d.inMu.Unlock()
	d.wg.Wait()
}

// Pause enables or disables pause_decoding: while paused, input chunks
// are still drained (so pool buffers keep flowing back) but no events
// are emitted.
func (d *Decoder) Pause(paused bool) {
	if paused {
		atomic.StoreInt32(&d.pauseDecoding, 1)
	} else {
		atomic.StoreInt32(&d.pauseDecoding, 0)
	}
}

// Enqueue hands one producer-borrowed buffer (buf[:n] valid) to the
// decoder. The decoder returns it to bufPool once consumed.
func (d *Decoder) Enqueue(buf []byte, n int) {
	d.inMu.Lock()
	d.inputQ = append(d.inputQ, chunk{buf: buf, n: n})
	d.inCond.Signal()
	d.inMu.Unlock()
}

// PopEventList blocks until a completed EventList is available or the
// decoder has been shut down (in which case ok is false). The caller
// owns the returned list and must return it (and its events) to the
// pools when done, per spec.md §6's archive-writer contract.
func (d *Decoder) PopEventList() (list *pool.EventList, ok bool) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	for len(d.outputQ) == 0 {
		if atomic.LoadInt32(&d.stopDecodeThread) != 0 {
			return nil, false
		}
		d.outCond.Wait()
	}
	list = d.outputQ[0]
	d.outputQ = d.outputQ[1:]
	return list, true
}

// DroppedEventLists returns how many unpublished lists have been
// dropped under backpressure (spec.md §9 open question 3).
func (d *Decoder) DroppedEventLists() uint64 {
	return atomic.LoadUint64(&d.droppedEventLists)
}

// QueueDepths returns the current input (unconsumed chunks) and output
// (undelivered event lists) queue lengths, for periodic metrics
// sampling.
func (d *Decoder) QueueDepths() (input, output int) {
	d.inMu.Lock()
	input = len(d.inputQ)
	d.inMu.Unlock()

	d.outMu.Lock()
	output = len(d.outputQ)
	d.outMu.Unlock()
	return input, output
}

// Reset clears both queues and the decoder's in-flight state,
// returning any borrowed-but-unpublished event/list to their pools.
func (d *Decoder) Reset() {
	d.inMu.Lock()
	for _, c := range d.inputQ {
		d.bufPool.Put(c.buf)
	}
	d.inputQ = nil
	d.inMu.Unlock()

	d.outMu.Lock()
	for _, l := range d.outputQ {
		for _, ev := range l.Events {
			d.eventPool.Put(ev)
		}
		d.eventListPool.Put(l)
	}
	d.outputQ = nil
	d.outMu.Unlock()

	d.ring.Reset()
	d.st = stateFlagFFF0
	d.desyncCount = 0
	if d.currentList != nil {
		for _, ev := range d.currentList.Events {
			d.eventPool.Put(ev)
		}
		d.eventListPool.Put(d.currentList)
		d.currentList = nil
	}
}

func (d *Decoder) run() {
	defer d.wg.Done()
	for {
		d.inMu.Lock()
		for len(d.inputQ) == 0 && atomic.LoadInt32(&d.stopDecodeThread) == 0 {
			d.inCond.Wait()
		}
		if len(d.inputQ) == 0 {
			d.inMu.Unlock()
			return
		}
		batch := d.inputQ
		d.inputQ = nil
		d.inMu.Unlock()

		paused := atomic.LoadInt32(&d.pauseDecoding) != 0
		for _, c := range batch {
			if !paused {
				d.consume(c.buf[:c.n])
			}
			d.bufPool.Put(c.buf)
		}

		if d.currentList != nil && len(d.currentList.Events) > 0 {
			d.publish(d.currentList)
			d.currentList = nil
		}
	}
}

// publish pushes list onto the output queue, dropping the oldest
// queued list if the high-water mark is exceeded (spec.md §9 open
// question 3).
func (d *Decoder) publish(list *pool.EventList) {
	d.outMu.Lock()
	if len(d.outputQ) >= d.maxQueuedLists {
		oldest := d.outputQ[0]
		d.outputQ = d.outputQ[1:]
		d.outMu.Unlock()

		for _, ev := range oldest.Events {
			d.eventPool.Put(ev)
		}
		d.eventListPool.Put(oldest)
		atomic.AddUint64(&d.droppedEventLists, 1)

		d.outMu.Lock()
	}
	d.outputQ = append(d.outputQ, list)
	d.outCond.Signal()
	d.outMu.Unlock()
}

// consume feeds raw bytes into the reassembly ring and drains it two
// bytes at a time through the state machine.
func (d *Decoder) consume(raw []byte) {
	d.ring.Write(raw)
	for {
		word, ok := d.ring.TakeUint16BE()
		if !ok {
			return
		}
		d.step(word)
	}
}

func (d *Decoder) step(word uint16) {
	switch d.st {
	case stateFlagFFF0:
		if word != startMarker {
			d.desyncCount++
			if d.desyncCount <= desyncLogLimit {
				log.WithField("word", word).Warn("decoder: start marker mismatch, discarding word")
			}
			return
		}
		d.desyncCount = 0
		d.st = stateChRealtimeH

	case stateChRealtimeH:
		d.ch = uint8(word >> 8)
		d.timeH = uint8(word)
		d.st = stateRealtimeM

	case stateRealtimeM:
		d.timeM = word
		d.st = stateRealtimeL

	case stateRealtimeL:
		d.timeL = word
		d.st = stateReserved

	case stateReserved:
		d.st = stateTriggerCount

	case stateTriggerCount:
		d.triggerCount = word
		d.st = statePhaMax

	case statePhaMax:
		d.phaMax = word
		d.st = statePhaMaxTime

	case statePhaMaxTime:
		d.phaMaxTime = word
		d.st = statePhaMin

	case statePhaMin:
		d.phaMin = word
		d.st = statePhaFirst

	case statePhaFirst:
		d.phaFirst = word
		d.st = statePhaLast

	case statePhaLast:
		d.phaLast = word
		d.st = stateMaxDerivative

	case stateMaxDerivative:
		d.maxDerivative = word
		d.st = stateBaseline

	case stateBaseline:
		d.baseline = word
		d.waveform = d.waveform[:0]
		d.st = statePhaList

	case statePhaList:
		if word == waveformTerminator {
			d.emitEvent()
			d.st = stateFlagFFF0
			return
		}
		if len(d.waveform) >= pool.MaxWaveformSamples {
			log.WithField("channel", d.ch).Warn("decoder: waveform exceeds max sample count, discarding partial event")
			d.st = stateFlagFFF0
			return
		}
		d.waveform = append(d.waveform, word)
	}
}

func (d *Decoder) emitEvent() {
	ev := d.eventPool.Get()
	ev.Channel = d.ch
	ev.TimeTag = uint64(d.timeH)<<32 | uint64(d.timeM)<<16 | uint64(d.timeL)
	ev.TriggerCount = d.triggerCount
	ev.PHAMax = d.phaMax
	ev.PHAMaxTime = d.phaMaxTime
	ev.PHAMin = d.phaMin
	ev.PHAFirst = d.phaFirst
	ev.PHALast = d.phaLast
	ev.MaxDerivative = d.maxDerivative
	ev.Baseline = d.baseline
	ev.Waveform = append(ev.Waveform[:0], d.waveform...)

	if d.currentList == nil {
		d.currentList = d.eventListPool.Get()
	}
	d.currentList.Events = append(d.currentList.Events, ev)
}
