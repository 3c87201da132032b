package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolReusesReturnedBuffers(t *testing.T) {
	p := NewBufferPool(64)
	buf := p.Get()
	assert.Len(t, buf, 64)
	p.Put(buf)
	buf2 := p.Get()
	assert.Len(t, buf2, 64)
}

func TestEventPoolResetsOnReturn(t *testing.T) {
	p := NewEventPool()
	ev := p.Get()
	ev.Channel = 3
	ev.Waveform = append(ev.Waveform, 1, 2, 3)
	p.Put(ev)

	ev2 := p.Get()
	assert.Equal(t, uint8(0), ev2.Channel)
	assert.Len(t, ev2.Waveform, 0)
	assert.GreaterOrEqual(t, cap(ev2.Waveform), MaxWaveformSamples)
}

func TestEventListPoolResetsOnReturn(t *testing.T) {
	p := NewEventListPool()
	l := p.Get()
	l.Events = append(l.Events, &Event{Channel: 1})
	p.Put(l)

	l2 := p.Get()
	assert.Len(t, l2.Events, 0)
}

func TestPoolGrowsWithoutBound(t *testing.T) {
	p := NewBufferPool(8)
	var borrowed [][]byte
	for i := 0; i < 100; i++ {
		borrowed = append(borrowed, p.Get())
	}
	for _, b := range borrowed {
		p.Put(b)
	}
	assert.Len(t, p.free, 100)
}
