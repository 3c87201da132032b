// Package ssdtp implements the Simple Synchronous Data Transfer
// Protocol framer: it segments/reassembles variable-length SpaceWire
// packets over the byte-stream Link, forwarding time-code control
// frames out of band and supporting cancellable receive.
//
// Concurrency follows the teacher pack's BusManager split of a send
// path and a receive path behind independent mutexes (pkg's
// BusManager.Send vs the subscriber-dispatch path): Send and Recv may
// proceed in parallel, and fragment-reassembly state is private to the
// receive side.
package ssdtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/growth-team/GROWTH-DAQ-sub000/pkg/link"
)

// EOPKind marks how a reassembled packet ended.
type EOPKind uint8

const (
	EOPNormal EOPKind = iota
	EOPError
)

// Flag values recognised on the wire (spec §4.B).
const (
	flagDataEOP      = 0x00
	flagDataEEP      = 0x01
	flagDataFragment = 0x02
	flagTimecodeSent = 0x30
	flagTimecodeGot  = 0x31
	flagTxSpeed      = 0x38
)

const headerSize = 12

// MaxFragmentBody bounds a single frame's body: a hostile or
// misbehaving peer claiming a huge length must not make the framer
// allocate without limit.
const MaxFragmentBody = 100 * 1024

var (
	// ErrOversizedFragment is returned when a frame header claims a
	// body longer than MaxFragmentBody.
	ErrOversizedFragment = errors.New("ssdtp: fragment body too large")
	// ErrNoData is returned by Recv when the link closed or the
	// receive was cancelled before a full packet was assembled.
	ErrNoData = errors.New("ssdtp: no data (closed or cancelled)")
)

// TimecodeHandler is invoked (from the Recv goroutine) whenever a
// time-code control frame (flag 0x30/0x31) arrives. It must not block.
type TimecodeHandler func(flag uint8, code uint8, reserved uint8)

// Framer packetises and deframes a Link according to the SSDTP wire
// format described in spec.md §4.B.
type Framer struct {
	link link.Link

	sendMu sync.Mutex

	recvMu      sync.Mutex
	reassembly  []byte
	header      [headerSize]byte
	onTimecode  TimecodeHandler
	warnedCount int
}

// New wraps a Link in a Framer.
func New(l link.Link) *Framer {
	return &Framer{link: l}
}

// SetTimecodeHandler installs the callback invoked for time-code
// control frames encountered while blocked in Recv.
func (f *Framer) SetTimecodeHandler(h TimecodeHandler) {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()
	f.onTimecode = h
}

// Send emits one logical packet: a 12-byte header followed by the
// payload. Concurrent Send calls are serialised.
func (f *Framer) Send(payload []byte, eop EOPKind) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	var header [headerSize]byte
	if eop == EOPError {
		header[0] = flagDataEEP
	} else {
		header[0] = flagDataEOP
	}
	header[1] = 0x00
	putUint80BE(header[2:12], uint64(len(payload)))

	if err := f.link.Send(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return f.link.Send(payload)
}

// SendTimecode emits a time-code control frame (flag 0x30 or 0x31).
func (f *Framer) SendTimecode(got bool, code uint8, reserved uint8) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	var header [headerSize]byte
	if got {
		header[0] = flagTimecodeGot
	} else {
		header[0] = flagTimecodeSent
	}
	putUint80BE(header[2:12], 2)
	if err := f.link.Send(header[:]); err != nil {
		return err
	}
	return f.link.Send([]byte{code, reserved})
}

// Recv blocks until one complete logical packet has been assembled
// (possibly across several fragment frames), or the link is closed or
// cancelled, in which case it returns ErrNoData.
func (f *Framer) Recv() ([]byte, EOPKind, error) {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()

	f.reassembly = f.reassembly[:0]

	for {
		if err := link.RecvFull(f.link, f.header[:]); err != nil {
			return nil, 0, ErrNoData
		}

		flag := f.header[0]
		length := getUint80BE(f.header[2:12])

		switch flag {
		case flagDataEOP, flagDataEEP, flagDataFragment:
			if length > MaxFragmentBody {
				return nil, 0, ErrOversizedFragment
			}
			body := make([]byte, length)
			if err := link.RecvFull(f.link, body); err != nil {
				return nil, 0, ErrNoData
			}
			f.reassembly = append(f.reassembly, body...)
			if flag == flagDataFragment {
				continue
			}
			kind := EOPNormal
			if flag == flagDataEEP {
				kind = EOPError
			}
			out := make([]byte, len(f.reassembly))
			copy(out, f.reassembly)
			return out, kind, nil

		case flagTimecodeSent, flagTimecodeGot, flagTxSpeed:
			body := make([]byte, 2)
			if err := link.RecvFull(f.link, body); err != nil {
				return nil, 0, ErrNoData
			}
			if flag != flagTxSpeed && f.onTimecode != nil {
				f.onTimecode(flag, body[0], body[1])
			}
			continue

		default:
			f.warnedCount++
			log.Warnf("ssdtp: unknown frame flag 0x%02x, treating as transport error", flag)
			return nil, 0, fmt.Errorf("ssdtp: unknown flag 0x%02x", flag)
		}
	}
}

// Close tears down the underlying link.
func (f *Framer) Close() error {
	return f.link.Close()
}

// CancelRecv unblocks a goroutine currently (or about to be) blocked
// in Recv without closing the underlying link, so a caller on another
// goroutine can stop a receive loop in flight. Safe to call from a
// different goroutine than the one in Recv, per pkg/link.Link's
// contract.
func (f *Framer) CancelRecv() {
	f.link.CancelRecv()
}

func putUint80BE(dst []byte, v uint64) {
	var tmp [16]byte
	binary.BigEndian.PutUint64(tmp[8:16], v)
	copy(dst, tmp[6:16])
}

func getUint80BE(src []byte) uint64 {
	var tmp [16]byte
	copy(tmp[6:16], src)
	return binary.BigEndian.Uint64(tmp[8:16])
}
