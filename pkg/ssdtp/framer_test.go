package ssdtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link/loopback"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	payload := []byte{0x01, 0x02, 0x03, 0x04}

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var kind EOPKind
	var recvErr error
	go func() {
		defer wg.Done()
		got, kind, recvErr = fb.Recv()
	}()

	require.NoError(t, fa.Send(payload, EOPNormal))
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, payload, got)
	assert.Equal(t, EOPNormal, kind)
}

func TestSendRecvErrorEnd(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var kind EOPKind
	go func() {
		defer wg.Done()
		_, kind, _ = fb.Recv()
	}()

	require.NoError(t, fa.Send([]byte{0xFF}, EOPError))
	wg.Wait()
	assert.Equal(t, EOPError, kind)
}

func TestFragmentedReassembly(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var recvErr error
	go func() {
		defer wg.Done()
		got, _, recvErr = fb.Recv()
	}()

	// Manually emit two fragment frames followed by a terminating EOP
	// frame, bypassing Framer.Send's single-frame behaviour.
	sendFragment(t, a, flagDataFragment, []byte{0xAA, 0xBB})
	sendFragment(t, a, flagDataFragment, []byte{0xCC, 0xDD})
	sendFragment(t, a, flagDataEOP, []byte{0xEE})

	wg.Wait()
	require.NoError(t, recvErr)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, got)
}

func TestOversizedFragmentRejected(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, _, recvErr = fb.Recv()
	}()

	var header [headerSize]byte
	header[0] = flagDataEOP
	putUint80BE(header[2:12], MaxFragmentBody+1)
	require.NoError(t, a.Send(header[:]))

	wg.Wait()
	assert.ErrorIs(t, recvErr, ErrOversizedFragment)
}

func TestUnknownFlagIsReportedAsError(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, _, recvErr = fb.Recv()
	}()

	var header [headerSize]byte
	header[0] = 0x77
	putUint80BE(header[2:12], 0)
	require.NoError(t, a.Send(header[:]))

	wg.Wait()
	assert.Error(t, recvErr)
}

func TestTimecodeHandlerInvoked(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	gotCode := make(chan uint8, 1)
	fb.SetTimecodeHandler(func(flag uint8, code uint8, reserved uint8) {
		gotCode <- code
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fb.Recv()
	}()

	require.NoError(t, fa.SendTimecode(false, 0x2A, 0x00))
	require.NoError(t, fa.Send([]byte{0x01}, EOPNormal))

	wg.Wait()
	select {
	case c := <-gotCode:
		assert.Equal(t, uint8(0x2A), c)
	case <-time.After(time.Second):
		t.Fatal("timecode handler was never invoked")
	}
}

func TestCancelRecvUnblocksWithoutClosing(t *testing.T) {
	a, b := loopback.Pair()
	fa := New(a)
	fb := New(b)
	defer fa.Close()
	defer fb.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := fb.Recv()
		done <- err
	}()

	// Give Recv time to actually block in the header read before
	// cancelling it, rather than racing CancelRecv against goroutine
	// startup.
	time.Sleep(20 * time.Millisecond)
	fb.CancelRecv()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoData)
	case <-time.After(time.Second):
		t.Fatal("CancelRecv did not unblock a pending Recv")
	}

	// The link itself must still be usable afterwards: CancelRecv is
	// not a Close.
	payload := []byte{0xAB, 0xCD}
	recvDone := make(chan struct{})
	var got []byte
	go func() {
		got, _, _ = fb.Recv()
		close(recvDone)
	}()
	require.NoError(t, fa.Send(payload, EOPNormal))
	select {
	case <-recvDone:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("link did not survive CancelRecv")
	}
}

func sendFragment(t *testing.T, l interface {
	Send([]byte) error
}, flag uint8, body []byte) {
	t.Helper()
	var header [headerSize]byte
	header[0] = flag
	putUint80BE(header[2:12], uint64(len(body)))
	require.NoError(t, l.Send(header[:]))
	if len(body) > 0 {
		require.NoError(t, l.Send(body))
	}
}
