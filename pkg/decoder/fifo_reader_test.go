package decoder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link/loopback"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/registers"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/rmap"
	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/ssdtp"
)

const (
	dataCountAddr = 0x20000000
	fifoAddr      = 0x10000000
)

// fakeFIFOTarget stands in for the FPGA side of the link: it answers
// reads of dataCountAddr with the word count still owed, and reads of
// fifoAddr by draining that many bytes off a canonical event stream.
type fakeFIFOTarget struct {
	mu     sync.Mutex
	stream []byte
	served int
}

func (ft *fakeFIFOTarget) handle(cmd *rmap.Packet) *rmap.Packet {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	switch cmd.Address {
	case dataCountAddr:
		remaining := len(ft.stream) - ft.served
		words := uint16(remaining / 2)
		return rmap.NewReply(cmd, rmap.StatusSuccess, []byte{byte(words >> 8), byte(words)})
	case fifoAddr:
		n := int(cmd.DataLength)
		end := ft.served + n
		if end > len(ft.stream) {
			end = len(ft.stream)
		}
		data := ft.stream[ft.served:end]
		ft.served = end
		return rmap.NewReply(cmd, rmap.StatusSuccess, data)
	default:
		return rmap.NewReply(cmd, rmap.StatusGeneralError, nil)
	}
}

func TestFIFOReaderDrainsIntoDecoder(t *testing.T) {
	a, b := loopback.Pair()
	clientFramer := ssdtp.New(a)
	targetFramer := ssdtp.New(b)

	ft := &fakeFIFOTarget{stream: wordsToBytes(canonicalStreamWords())}
	go func() {
		for {
			buf, _, err := targetFramer.Recv()
			if err != nil {
				return
			}
			cmd, err := rmap.Parse(buf)
			if err != nil {
				continue
			}
			reply := ft.handle(cmd)
			_ = targetFramer.Send(reply.Serialize(), ssdtp.EOPNormal)
		}
	}()

	engine := rmap.NewEngine(clientFramer)
	defer engine.Shutdown()
	initiator := rmap.NewInitiator(engine, rmap.Target{
		TargetLogicalAddress:    rmap.DefaultTargetLogicalAddress,
		InitiatorLogicalAddress: rmap.DefaultTargetLogicalAddress,
		Key:                     rmap.DefaultKey,
	})
	accessor := registers.NewAccessor(initiator, 200*time.Millisecond)

	d := newTestDecoder()
	d.Start()
	defer d.Shutdown()

	reader := NewFIFOReader(accessor, d, pool.NewBufferPool(testBufSize), dataCountAddr, fifoAddr, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	reader.Start(ctx)
	defer cancel()

	list := popWithTimeout(t, d)
	require.Len(t, list.Events, 1)
	assert.Equal(t, uint8(1), list.Events[0].Channel)
}
