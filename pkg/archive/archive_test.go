package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/pool"
)

func TestMemoryWriterCopiesAndReturnsToPool(t *testing.T) {
	eventPool := pool.NewEventPool()
	listPool := pool.NewEventListPool()
	w := NewMemoryWriter(eventPool, listPool)

	list := listPool.Get()
	ev := eventPool.Get()
	ev.Channel = 3
	ev.Waveform = append(ev.Waveform, 1, 2, 3)
	list.Events = append(list.Events, ev)

	require.NoError(t, w.WriteEventList(list))
	require.Len(t, w.Events, 1)
	assert.Equal(t, uint8(3), w.Events[0].Channel)
	assert.Equal(t, []uint16{1, 2, 3}, w.Events[0].Waveform)

	// The borrowed event was returned and reset; a fresh Get must not
	// resurface the old data.
	recycled := eventPool.Get()
	assert.Equal(t, uint8(0), recycled.Channel)
	assert.Empty(t, recycled.Waveform)
}

func TestMemoryWriterGPSSnapshot(t *testing.T) {
	w := NewMemoryWriter(pool.NewEventPool(), pool.NewEventListPool())
	snap := Snapshot{FPGATimeTag: 42, UnixTime: 1000}
	require.NoError(t, w.WriteGPSSnapshot(snap))
	require.Len(t, w.Snapshots, 1)
	assert.Equal(t, snap, w.Snapshots[0])
}
