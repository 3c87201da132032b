// Package registers is the typed register-access façade: 16/32/48-bit
// reads/writes assembled from RMAP transactions, with the fixed
// retry/backoff discipline spec.md §4.G requires, plus the hardware
// semaphore lock used to serialise acquisition-start/stop sequences
// with the FPGA.
//
// The accessor shape (one small typed method per width, all funnelling
// through a shared client) is grounded on the teacher pack's
// NodeConfigurator (pkg/config/configurator.go and its
// general.go/heartbeat.go/pdo.go siblings), which layers
// ReadUint8/16/32 helpers over a single SDOClient the same way these
// layer over a single rmap.Initiator.
package registers

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/rmap"
)

// MaxRetries bounds how many attempts an accessor makes on a timed-out
// transaction: after MaxRetries consecutive timeouts the error
// propagates (spec.md §4.G).
const MaxRetries = 5

// RetryBackoff is the fixed pause between retries.
const RetryBackoff = 20 * time.Millisecond

// ErrRegisterAccessFailed wraps the final error after MaxRetries
// consecutive timeouts.
var ErrRegisterAccessFailed = errors.New("registers: access failed after retries")

// Accessor performs typed register reads/writes against one RMAP
// target, retrying transparently on timeout.
type Accessor struct {
	initiator *rmap.Initiator
	timeout   time.Duration
	onRetry   func()
}

// NewAccessor returns an Accessor issuing transactions with the given
// per-attempt timeout (rmap.DefaultTimeout if zero).
func NewAccessor(initiator *rmap.Initiator, timeout time.Duration) *Accessor {
	if timeout <= 0 {
		timeout = rmap.DefaultTimeout
	}
	return &Accessor{initiator: initiator, timeout: timeout}
}

// OnRetry registers a callback invoked once per retried (timed-out)
// transaction, so a caller can surface a retry counter (e.g. through
// pkg/metrics) without this package depending on Prometheus directly.
func (a *Accessor) OnRetry(fn func()) {
	a.onRetry = fn
}

func (a *Accessor) readRetry(addr uint32, buf []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err := a.initiator.Read(addr, uint32(len(buf)), buf, a.timeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rmap.ErrTimeout) {
			return err
		}
		lastErr = err
		if attempt+1 == MaxRetries {
			break
		}
		if a.onRetry != nil {
			a.onRetry()
		}
		log.WithField("address", addr).WithField("attempt", attempt+1).Debug("registers: read timed out, retrying")
		time.Sleep(RetryBackoff)
	}
	return errFinal(lastErr)
}

func (a *Accessor) writeRetry(addr uint32, data []byte, verify, reply, increment bool) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err := a.initiator.Write(addr, data, a.timeout, verify, reply, increment)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rmap.ErrTimeout) {
			return err
		}
		lastErr = err
		if attempt+1 == MaxRetries {
			break
		}
		if a.onRetry != nil {
			a.onRetry()
		}
		log.WithField("address", addr).WithField("attempt", attempt+1).Debug("registers: write timed out, retrying")
		time.Sleep(RetryBackoff)
	}
	return errFinal(lastErr)
}

func errFinal(err error) error {
	if err == nil {
		return ErrRegisterAccessFailed
	}
	return errors.Join(ErrRegisterAccessFailed, err)
}

// Read16 reads a 16-bit register.
func (a *Accessor) Read16(addr uint32) (uint16, error) {
	buf := make([]byte, 2)
	if err := a.readRetry(addr, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// Read32 reads a 32-bit register assembled from two 16-bit words: the
// first word read is the least-significant half, per spec.md §4.G.
func (a *Accessor) Read32(addr uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := a.readRetry(addr, buf); err != nil {
		return 0, err
	}
	lower := uint32(buf[0])<<8 | uint32(buf[1])
	upper := uint32(buf[2])<<8 | uint32(buf[3])
	return (upper << 16) | lower, nil
}

// Read48 reads a 48-bit register assembled from three 16-bit words in
// ascending significance, little-endian in 16-bit chunks.
func (a *Accessor) Read48(addr uint32) (uint64, error) {
	buf := make([]byte, 6)
	if err := a.readRetry(addr, buf); err != nil {
		return 0, err
	}
	w0 := uint64(buf[0])<<8 | uint64(buf[1])
	w1 := uint64(buf[2])<<8 | uint64(buf[3])
	w2 := uint64(buf[4])<<8 | uint64(buf[5])
	return w0 | (w1 << 16) | (w2 << 32), nil
}

// Read performs a bulk read of n bytes into buf.
func (a *Accessor) Read(addr uint32, n uint32, buf []byte) error {
	return a.readRetry(addr, buf[:n])
}

// Write16 writes a 16-bit register.
func (a *Accessor) Write16(addr uint32, value uint16) error {
	data := []byte{byte(value >> 8), byte(value)}
	return a.writeRetry(addr, data, true, true, true)
}

// Write32 writes a 32-bit register as two 16-bit words, lower word
// first, matching Read32's assembly order.
func (a *Accessor) Write32(addr uint32, value uint32) error {
	lower := uint16(value & 0xFFFF)
	upper := uint16(value >> 16)
	data := []byte{byte(lower >> 8), byte(lower), byte(upper >> 8), byte(upper)}
	return a.writeRetry(addr, data, true, true, true)
}

// ErrSemaphoreTimeout is returned by SemaphoreRegister.Acquire when
// ctx expires before the lock is won. This resolves spec.md §9 open
// question 1: the original acquisition loop had no deadline.
var ErrSemaphoreTimeout = errors.New("registers: semaphore acquisition timed out")

// semaphoreRequestValue and semaphoreReleaseValue mirror the FPGA-side contract
// for the hardware mutex register (spec.md §4.G): writing 0xFFFF
// requests the lock; a non-zero readback means won, zero means lost;
// writing 0x0000 releases.
const (
	semaphoreRequestValue = 0xFFFF
	semaphoreReleaseValue = 0x0000
)

// pollInterval is the busy-wait sleep between semaphore readback
// attempts (spec.md §5: "busy-wait with 10 ms sleeps").
const pollInterval = 10 * time.Millisecond

// SemaphoreRegister wraps a single hardware-semaphore register
// address as a cross-host mutex with the FPGA. Unlike the original
// design, Acquire takes a context so the caller can bound how long it
// spins.
type SemaphoreRegister struct {
	accessor *Accessor
	addr     uint32
}

// NewSemaphoreRegister returns a SemaphoreRegister bound to addr.
func NewSemaphoreRegister(accessor *Accessor, addr uint32) *SemaphoreRegister {
	return &SemaphoreRegister{accessor: accessor, addr: addr}
}

// Acquire requests the lock and spins, sleeping pollInterval between
// attempts, until it is won or ctx is done. The request is re-asserted
// on every attempt (not just the first) so a request that arrived
// while another holder had the latch is retried rather than left
// waiting on a single, possibly-missed, grant.
func (s *SemaphoreRegister) Acquire(ctx context.Context) error {
	for {
		if err := s.accessor.Write16(s.addr, semaphoreRequestValue); err != nil {
			return err
		}
		value, err := s.accessor.Read16(s.addr)
		if err != nil {
			return err
		}
		if value != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrSemaphoreTimeout
		case <-time.After(pollInterval):
		}
	}
}

// Release writes zero and spins until the readback confirms release.
func (s *SemaphoreRegister) Release(ctx context.Context) error {
	for {
		if err := s.accessor.Write16(s.addr, semaphoreReleaseValue); err != nil {
			return err
		}
		value, err := s.accessor.Read16(s.addr)
		if err != nil {
			return err
		}
		if value == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrSemaphoreTimeout
		case <-time.After(pollInterval):
		}
	}
}

// Lock ties Acquire/Release to a scoped region, RAII-style: call Lock,
// then always defer the returned release func.
func (s *SemaphoreRegister) Lock(ctx context.Context) (func(), error) {
	if err := s.Acquire(ctx); err != nil {
		return func() {}, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Release(releaseCtx); err != nil {
			log.WithError(err).Warn("registers: semaphore release failed")
		}
	}, nil
}
