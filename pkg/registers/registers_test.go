package registers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link/loopback"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/rmap"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/ssdtp"
)

// sharedRegs is an in-memory register file one or more fakeTargets can
// serve, used to simulate several initiators talking to the same FPGA.
type sharedRegs struct {
	mu   sync.Mutex
	regs map[uint32][]byte
}

func newSharedRegs() *sharedRegs {
	return &sharedRegs{regs: make(map[uint32][]byte)}
}

func (s *sharedRegs) set(addr uint32, data []byte) {
	s.mu.Lock()
	s.regs[addr] = append([]byte(nil), data...)
	s.mu.Unlock()
}

// fakeTarget is a minimal RMAP target backed by an in-memory register
// file, grounded on the same shape pkg/rmap/engine_test.go uses.
type fakeTarget struct {
	framer *ssdtp.Framer
	regs   *sharedRegs
}

func newFakeTarget(framer *ssdtp.Framer, regs *sharedRegs) *fakeTarget {
	return &fakeTarget{framer: framer, regs: regs}
}

func (ft *fakeTarget) run() {
	for {
		buf, _, err := ft.framer.Recv()
		if err != nil {
			return
		}
		cmd, err := rmap.Parse(buf)
		if err != nil {
			continue
		}
		ft.regs.mu.Lock()
		var reply *rmap.Packet
		if cmd.IsWrite() {
			ft.regs.regs[cmd.Address] = append([]byte(nil), cmd.Data...)
			if cmd.ReplyRequested() {
				reply = rmap.NewReply(cmd, rmap.StatusSuccess, nil)
			}
		} else {
			data := ft.regs.regs[cmd.Address]
			if data == nil {
				data = make([]byte, cmd.DataLength)
			}
			reply = rmap.NewReply(cmd, rmap.StatusSuccess, data)
		}
		ft.regs.mu.Unlock()
		if reply != nil {
			_ = ft.framer.Send(reply.Serialize(), ssdtp.EOPNormal)
		}
	}
}

func newTestAccessorOn(t *testing.T, regs *sharedRegs) *Accessor {
	t.Helper()
	a, b := loopback.Pair()
	clientFramer := ssdtp.New(a)
	targetFramer := ssdtp.New(b)
	ft := newFakeTarget(targetFramer, regs)
	go ft.run()

	engine := rmap.NewEngine(clientFramer)
	t.Cleanup(engine.Shutdown)
	initiator := rmap.NewInitiator(engine, rmap.Target{
		TargetLogicalAddress:    rmap.DefaultTargetLogicalAddress,
		InitiatorLogicalAddress: rmap.DefaultTargetLogicalAddress,
		Key:                     rmap.DefaultKey,
	})
	return NewAccessor(initiator, 200*time.Millisecond)
}

func newTestAccessor(t *testing.T) (*Accessor, *sharedRegs) {
	t.Helper()
	regs := newSharedRegs()
	return newTestAccessorOn(t, regs), regs
}

func TestAccessorWrite16ReadBack(t *testing.T) {
	accessor, _ := newTestAccessor(t)
	require.NoError(t, accessor.Write16(0x01010116, 0x03E8))
	got, err := accessor.Read16(0x01010116)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x03E8), got)
}

func TestAccessorRead32ByteOrder(t *testing.T) {
	accessor, ft := newTestAccessor(t)
	// Lower word first in memory, per spec.md §4.G.
	ft.set(0x0101000c, []byte{0x00, 0x02, 0x00, 0x01})
	got, err := accessor.Read32(0x0101000c)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00010002), got)
}

func TestAccessorRead48ByteOrder(t *testing.T) {
	accessor, ft := newTestAccessor(t)
	ft.set(0x0101000c, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03})
	got, err := accessor.Read48(0x0101000c)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0003_0002_0001), got)
}

func TestSemaphoreAcquireRelease(t *testing.T) {
	accessor, _ := newTestAccessor(t)
	sem := NewSemaphoreRegister(accessor, 0x01010004)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Release(ctx))
}

func TestSemaphoreLockScoped(t *testing.T) {
	accessor, _ := newTestAccessor(t)
	sem := NewSemaphoreRegister(accessor, 0x01010004)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := sem.Lock(ctx)
	require.NoError(t, err)
	unlock()
}

// atomicSemTarget is a fakeTarget variant that arbitrates one specific
// address (the hardware semaphore) as a test-and-set latch instead of
// plain last-writer-wins storage (spec.md §8 scenario 6). The grant
// decision happens when a 0xFFFF request is WRITTEN (atomically
// test-and-set against the shared `held` flag); the following READ
// just relays that connection's own outcome. This matches
// SemaphoreRegister.Acquire/Release, which re-assert the request/
// release on every poll iteration rather than writing once.
type atomicSemTarget struct {
	framer    *ssdtp.Framer
	regs      *sharedRegs
	semAddr   uint32
	latch     *sync.Mutex
	held      *bool
	lastValue uint16
}

func (ft *atomicSemTarget) run() {
	for {
		buf, _, err := ft.framer.Recv()
		if err != nil {
			return
		}
		cmd, err := rmap.Parse(buf)
		if err != nil {
			continue
		}
		var reply *rmap.Packet
		switch {
		case cmd.IsWrite() && cmd.Address == ft.semAddr:
			value := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
			ft.latch.Lock()
			if value == 0 {
				*ft.held = false
				ft.lastValue = 0x0000
			} else if *ft.held {
				ft.lastValue = 0x0000
			} else {
				*ft.held = true
				ft.lastValue = 0xFFFF
			}
			ft.latch.Unlock()
			if cmd.ReplyRequested() {
				reply = rmap.NewReply(cmd, rmap.StatusSuccess, nil)
			}
		case cmd.IsWrite():
			ft.regs.set(cmd.Address, cmd.Data)
			if cmd.ReplyRequested() {
				reply = rmap.NewReply(cmd, rmap.StatusSuccess, nil)
			}
		case cmd.Address == ft.semAddr:
			ft.latch.Lock()
			v := ft.lastValue
			ft.latch.Unlock()
			reply = rmap.NewReply(cmd, rmap.StatusSuccess, []byte{byte(v >> 8), byte(v)})
		default:
			ft.regs.mu.Lock()
			data := ft.regs.regs[cmd.Address]
			ft.regs.mu.Unlock()
			if data == nil {
				data = make([]byte, cmd.DataLength)
			}
			reply = rmap.NewReply(cmd, rmap.StatusSuccess, data)
		}
		if reply != nil {
			_ = ft.framer.Send(reply.Serialize(), ssdtp.EOPNormal)
		}
	}
}

func newAtomicSemAccessor(t *testing.T, regs *sharedRegs, semAddr uint32, latch *sync.Mutex, held *bool) *Accessor {
	t.Helper()
	a, b := loopback.Pair()
	clientFramer := ssdtp.New(a)
	targetFramer := ssdtp.New(b)
	ft := &atomicSemTarget{framer: targetFramer, regs: regs, semAddr: semAddr, latch: latch, held: held}
	go ft.run()

	engine := rmap.NewEngine(clientFramer)
	t.Cleanup(engine.Shutdown)
	initiator := rmap.NewInitiator(engine, rmap.Target{
		TargetLogicalAddress:    rmap.DefaultTargetLogicalAddress,
		InitiatorLogicalAddress: rmap.DefaultTargetLogicalAddress,
		Key:                     rmap.DefaultKey,
	})
	return NewAccessor(initiator, 200*time.Millisecond)
}

func TestSemaphoreContentionSerializesAcquisition(t *testing.T) {
	const semAddr = 0x01010004
	regs := newSharedRegs()
	var latch sync.Mutex
	held := false

	a1 := newAtomicSemAccessor(t, regs, semAddr, &latch, &held)
	a2 := newAtomicSemAccessor(t, regs, semAddr, &latch, &held)
	sem1 := NewSemaphoreRegister(a1, semAddr)
	sem2 := NewSemaphoreRegister(a2, semAddr)

	var mu sync.Mutex
	var active, maxActive int
	region := func(sem *SemaphoreRegister) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := sem.Acquire(ctx); err != nil {
			t.Errorf("acquire failed: %v", err)
			return
		}
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		_ = sem.Release(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); region(sem1) }()
	go func() { defer wg.Done(); region(sem2) }()
	wg.Wait()

	assert.LessOrEqual(t, maxActive, 1, "at most one holder should be inside the critical region at a time")
}
