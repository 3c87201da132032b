// Package serial is the UART Link implementation: 8N1 at a configurable
// baud rate (230400 for the GROWTH FY2015 board), backed by
// go.bug.st/serial. This is the pluggable transport seam spec.md §9
// Open Question 4 refers to — only UART ships; a TCP Link could
// implement the same pkg/link.Link interface without touching the
// framer or engine above it.
package serial

import (
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link"
)

// Config describes how to open the serial port.
type Config struct {
	Device string
	Baud   int
}

// Port is a link.Link backed by a real UART.
type Port struct {
	port goserial.Port

	mu        sync.Mutex
	timeout   time.Duration
	cancelled bool
	closed    bool
}

// Open opens the configured serial device 8N1 with no flow control.
func Open(cfg Config) (*Port, error) {
	mode := &goserial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	p, err := goserial.Open(cfg.Device, mode)
	if err != nil {
		return nil, err
	}
	// A short poll interval lets CancelRecv interrupt a blocked Read
	// in bounded time without the underlying driver supporting true
	// asynchronous cancellation.
	_ = p.SetReadTimeout(50 * time.Millisecond)
	return &Port{port: p}, nil
}

func (p *Port) Send(buf []byte) error {
	_, err := p.port.Write(buf)
	return err
}

func (p *Port) Recv(buf []byte) (int, error) {
	deadline := time.Time{}
	p.mu.Lock()
	if p.timeout > 0 {
		deadline = time.Now().Add(p.timeout)
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, link.ErrClosed
		}
		if p.cancelled {
			p.cancelled = false
			p.mu.Unlock()
			return 0, link.ErrCancelled
		}
		p.mu.Unlock()

		n, err := p.port.Read(buf)
		if err != nil {
			return 0, link.ErrClosed
		}
		if n > 0 {
			return n, nil
		}
		// n == 0: the driver-level poll interval elapsed with nothing
		// to read. Treat as an SSDTP-level timeout unless the
		// caller's own deadline has also elapsed.
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, nil
		}
	}
}

func (p *Port) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

func (p *Port) CancelRecv() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.port.Close()
}
