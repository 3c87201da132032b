// Package rmap implements the RMAP (Remote Memory Access Protocol,
// ECSS-E-ST-50-52C) packet codec: command and reply packets, their
// instruction bit layout, and the closed set of reply status codes.
//
// The byte layout and CRC placement are grounded on the RMAPPacket
// class of the GROWTH FY2015 SpaceWire firmware's original C++
// transport (constructHeader/interpretAsAnRMAPPacket); the Go error
// taxonomy and abort-style status table follow the teacher pack's
// SDOAbortCode/AbortCodeDescriptionMap idiom (pkg/sdo/common.go).
package rmap

import (
	"errors"
	"fmt"

	"github.com/growth-team/GROWTH-DAQ-sub000/internal/crc8"
)

// ProtocolID is the RMAP protocol identifier (ECSS-E-ST-50-52C §1).
const ProtocolID = 0x01

// Instruction bit masks (spec.md §4.D).
const (
	bitCommandReply     = 0x40
	bitWriteRead        = 0x20
	bitVerify           = 0x10
	bitReply            = 0x08
	bitIncrement        = 0x04
	maskReplyPathLength = 0x03
)

// DefaultTargetLogicalAddress and DefaultKey are the conventional
// values used when talking to a single-target SpaceWire bus.
const (
	DefaultTargetLogicalAddress = 0xFE
	DefaultKey                  = 0x20
)

// Status is the one-byte reply status field. Zero means success.
type Status uint8

// Reply status codes, as enumerated by ECSS-E-ST-50-52C table 5-8.
const (
	StatusSuccess               Status = 0x00
	StatusGeneralError          Status = 0x01
	StatusUnusedPacketType      Status = 0x02
	StatusInvalidKey            Status = 0x03
	StatusInvalidDataCRC        Status = 0x04
	StatusEarlyEOP              Status = 0x05
	StatusCargoTooLarge         Status = 0x06
	StatusEEP                   Status = 0x07
	StatusVerifyBufferOverrun   Status = 0x09
	StatusCommandNotAuthorised  Status = 0x0A
	StatusRMWLengthError        Status = 0x0B
	StatusInvalidTargetLogical  Status = 0x0C
)

// StatusDescriptionMap gives a short human-readable description for
// each defined reply status, mirroring the teacher pack's
// AbortCodeDescriptionMap.
var StatusDescriptionMap = map[Status]string{
	StatusSuccess:              "success",
	StatusGeneralError:         "general error",
	StatusUnusedPacketType:     "unused RMAP packet type or command code",
	StatusInvalidKey:           "invalid key",
	StatusInvalidDataCRC:       "invalid data CRC",
	StatusEarlyEOP:             "early EOP",
	StatusCargoTooLarge:        "cargo too large",
	StatusEEP:                  "EEP",
	StatusVerifyBufferOverrun:  "verify buffer overrun",
	StatusCommandNotAuthorised: "RMAP command not authorised",
	StatusRMWLengthError:       "RMW data length error",
	StatusInvalidTargetLogical: "invalid target logical address",
}

func (s Status) String() string {
	if desc, ok := StatusDescriptionMap[s]; ok {
		return desc
	}
	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// Parse-time errors. These are the closed set spec.md §4.D requires:
// no silent acceptance of a corrupt packet.
var (
	ErrProtocolMismatch = errors.New("rmap: protocol id mismatch")
	ErrInvalidHeaderCRC = errors.New("rmap: invalid header CRC")
	ErrInvalidDataCRC   = errors.New("rmap: invalid data CRC")
	ErrTruncatedPacket  = errors.New("rmap: truncated packet")
)

// Target describes the routing and authentication needed to address a
// single SpaceWire RMAP target.
type Target struct {
	TargetSpaceWireAddress []byte
	TargetLogicalAddress   uint8
	InitiatorLogicalAddress uint8
	Key                     uint8
	ReplyAddress            []byte
}

// Packet is a parsed or to-be-serialised RMAP packet. It represents
// both commands and replies, and both read and write directions,
// distinguished by the Instruction bits.
type Packet struct {
	TargetSpaceWireAddress  []byte
	TargetLogicalAddress    uint8
	InitiatorLogicalAddress uint8
	Key                     uint8
	ReplyAddress            []byte

	Instruction uint8

	TransactionID   uint16
	ExtendedAddress uint8
	Address         uint32
	DataLength      uint32

	Status Status

	Data []byte

	HeaderCRC uint8
	DataCRC   uint8
}

func (p *Packet) IsCommand() bool  { return p.Instruction&bitCommandReply != 0 }
func (p *Packet) IsWrite() bool    { return p.Instruction&bitWriteRead != 0 }
func (p *Packet) IsRead() bool     { return !p.IsWrite() }
func (p *Packet) IsVerify() bool   { return p.Instruction&bitVerify != 0 }
func (p *Packet) ReplyRequested() bool { return p.Instruction&bitReply != 0 }
func (p *Packet) IsIncrement() bool { return p.Instruction&bitIncrement != 0 }
func (p *Packet) ReplyPathLengthUnits() uint8 {
	return p.Instruction & maskReplyPathLength
}

// hasPayload reports whether this packet carries a data CRC: a write
// command, or a read reply.
func (p *Packet) hasPayload() bool {
	if p.IsCommand() {
		return p.IsWrite()
	}
	return p.IsRead()
}

func instructionBits(command, write, verify, reply, increment bool, replyPathUnits uint8) uint8 {
	var b uint8
	if command {
		b |= bitCommandReply
	}
	if write {
		b |= bitWriteRead
	}
	if verify {
		b |= bitVerify
	}
	if reply {
		b |= bitReply
	}
	if increment {
		b |= bitIncrement
	}
	b |= replyPathUnits & maskReplyPathLength
	return b
}

// NewReadCommand builds a read command packet addressed at target,
// reading n bytes from addr. Reply is always requested for reads.
func NewReadCommand(target Target, tid uint16, addr uint32, n uint32) *Packet {
	replyUnits := uint8(len(target.ReplyAddress)+3) / 4
	return &Packet{
		TargetSpaceWireAddress:  target.TargetSpaceWireAddress,
		TargetLogicalAddress:    target.TargetLogicalAddress,
		InitiatorLogicalAddress: target.InitiatorLogicalAddress,
		Key:                     target.Key,
		ReplyAddress:            target.ReplyAddress,
		Instruction:             instructionBits(true, false, false, true, false, replyUnits),
		TransactionID:           tid,
		Address:                 addr,
		DataLength:              n,
	}
}

// NewWriteCommand builds a write command packet. verify/reply/increment
// are set exactly as the caller passes them; there are no defaults.
func NewWriteCommand(target Target, tid uint16, addr uint32, data []byte, verify, reply, increment bool) *Packet {
	replyUnits := uint8(0)
	if reply {
		replyUnits = uint8(len(target.ReplyAddress)+3) / 4
	}
	return &Packet{
		TargetSpaceWireAddress:  target.TargetSpaceWireAddress,
		TargetLogicalAddress:    target.TargetLogicalAddress,
		InitiatorLogicalAddress: target.InitiatorLogicalAddress,
		Key:                     target.Key,
		ReplyAddress:            target.ReplyAddress,
		Instruction:             instructionBits(true, true, verify, reply, increment, replyUnits),
		TransactionID:           tid,
		Address:                 addr,
		DataLength:              uint32(len(data)),
		Data:                    data,
	}
}

// NewReply builds the reply packet corresponding to a received command,
// copying routing/transaction fields from it.
func NewReply(cmd *Packet, status Status, data []byte) *Packet {
	p := &Packet{
		TargetLogicalAddress:    cmd.TargetLogicalAddress,
		InitiatorLogicalAddress: cmd.InitiatorLogicalAddress,
		ReplyAddress:            cmd.ReplyAddress,
		TransactionID:           cmd.TransactionID,
		Status:                  status,
	}
	replyUnits := cmd.ReplyPathLengthUnits()
	if cmd.IsWrite() {
		p.Instruction = instructionBits(false, true, cmd.IsVerify(), true, cmd.IsIncrement(), replyUnits)
	} else {
		p.Instruction = instructionBits(false, false, false, true, cmd.IsIncrement(), replyUnits)
		p.Data = data
		p.DataLength = uint32(len(data))
	}
	return p
}

func padTo4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// Serialize encodes the packet per spec.md §4.D, computing both CRCs.
func (p *Packet) Serialize() []byte {
	var header []byte

	if p.IsCommand() {
		header = append(header, p.TargetLogicalAddress, ProtocolID, p.Instruction, p.Key)
		pad := padTo4(len(p.ReplyAddress)) - len(p.ReplyAddress)
		for i := 0; i < pad; i++ {
			header = append(header, 0x00)
		}
		header = append(header, p.ReplyAddress...)
		header = append(header, p.InitiatorLogicalAddress)
		header = append(header, byte(p.TransactionID>>8), byte(p.TransactionID))
		header = append(header, p.ExtendedAddress)
		header = append(header,
			byte(p.Address>>24), byte(p.Address>>16), byte(p.Address>>8), byte(p.Address))
		header = append(header,
			byte(p.DataLength>>16), byte(p.DataLength>>8), byte(p.DataLength))
	} else {
		header = append(header, p.InitiatorLogicalAddress, ProtocolID, p.Instruction, uint8(p.Status))
		header = append(header, p.TargetLogicalAddress)
		header = append(header, byte(p.TransactionID>>8), byte(p.TransactionID))
		if p.IsRead() {
			header = append(header, 0x00)
			header = append(header,
				byte(p.DataLength>>16), byte(p.DataLength>>8), byte(p.DataLength))
		}
	}

	p.HeaderCRC = crc8.Compute(header)
	header = append(header, p.HeaderCRC)

	var whole []byte
	if p.IsCommand() {
		whole = append(whole, p.TargetSpaceWireAddress...)
	} else {
		whole = append(whole, p.ReplyAddress...)
	}
	whole = append(whole, header...)
	whole = append(whole, p.Data...)
	if p.hasPayload() {
		p.DataCRC = crc8.Compute(p.Data)
		whole = append(whole, p.DataCRC)
	}
	return whole
}

// Parse interprets buf as an RMAP packet. Leading path-address bytes
// (< 0x20) are stripped, and the command/reply bit of the instruction
// byte selects whether the rest is parsed as a command or as a reply;
// the header CRC, and the data CRC where a payload is present, are
// verified.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < 8 {
		return nil, ErrTruncatedPacket
	}

	i := 0
	var pathAddress []byte
	for buf[i] < 0x20 {
		pathAddress = append(pathAddress, buf[i])
		i++
		if i >= len(buf) {
			return nil, ErrTruncatedPacket
		}
	}

	if i+1 >= len(buf) || buf[i+1] != ProtocolID {
		return nil, ErrProtocolMismatch
	}

	instruction := buf[i+2]
	p := &Packet{Instruction: instruction}

	if p.IsCommand() {
		return parseCommand(p, buf, i, pathAddress)
	}
	return parseReply(p, buf, i, pathAddress)
}

func parseCommand(p *Packet, buf []byte, i int, pathAddress []byte) (*Packet, error) {
	p.TargetSpaceWireAddress = pathAddress
	p.TargetLogicalAddress = buf[i]
	if i+3 >= len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.Key = buf[i+3]

	replyUnits := p.ReplyPathLengthUnits()
	replyLen := int(replyUnits) * 4
	replyStart := i + 4
	if replyStart+replyLen > len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.ReplyAddress = append([]byte(nil), buf[replyStart:replyStart+replyLen]...)

	after := replyStart + replyLen
	if after+11 >= len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.InitiatorLogicalAddress = buf[after]
	p.TransactionID = uint16(buf[after+1])<<8 | uint16(buf[after+2])
	p.ExtendedAddress = buf[after+3]
	p.Address = uint32(buf[after+4])<<24 | uint32(buf[after+5])<<16 | uint32(buf[after+6])<<8 | uint32(buf[after+7])
	p.DataLength = uint32(buf[after+8])<<16 | uint32(buf[after+9])<<8 | uint32(buf[after+10])
	headerEnd := after + 11

	header := buf[i:headerEnd]
	wantCRC := crc8.Compute(header)
	gotCRC := buf[headerEnd]
	if wantCRC != gotCRC {
		return nil, ErrInvalidHeaderCRC
	}
	p.HeaderCRC = gotCRC

	dataIndex := headerEnd + 1
	if p.IsWrite() {
		end := dataIndex + int(p.DataLength)
		if end >= len(buf) {
			return nil, ErrTruncatedPacket
		}
		p.Data = append([]byte(nil), buf[dataIndex:end]...)
		gotDataCRC := buf[end]
		wantDataCRC := crc8.Compute(p.Data)
		if wantDataCRC != gotDataCRC {
			return nil, ErrInvalidDataCRC
		}
		p.DataCRC = gotDataCRC
	}
	return p, nil
}

func parseReply(p *Packet, buf []byte, i int, pathAddress []byte) (*Packet, error) {
	p.ReplyAddress = pathAddress
	p.InitiatorLogicalAddress = buf[i]
	if i+6 >= len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.Status = Status(buf[i+3])
	p.TargetLogicalAddress = buf[i+4]
	p.TransactionID = uint16(buf[i+5])<<8 | uint16(buf[i+6])

	if p.IsWrite() {
		if i+7 >= len(buf) {
			return nil, ErrTruncatedPacket
		}
		header := buf[i : i+7]
		gotCRC := buf[i+7]
		wantCRC := crc8.Compute(header)
		if wantCRC != gotCRC {
			return nil, ErrInvalidHeaderCRC
		}
		p.HeaderCRC = gotCRC
		return p, nil
	}

	if i+11 >= len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.DataLength = uint32(buf[i+8])<<16 | uint32(buf[i+9])<<8 | uint32(buf[i+10])
	header := buf[i : i+11]
	gotCRC := buf[i+11]
	wantCRC := crc8.Compute(header)
	if wantCRC != gotCRC {
		return nil, ErrInvalidHeaderCRC
	}
	p.HeaderCRC = gotCRC

	dataIndex := i + 12
	end := dataIndex + int(p.DataLength)
	if end >= len(buf) {
		return nil, ErrTruncatedPacket
	}
	p.Data = append([]byte(nil), buf[dataIndex:end]...)
	gotDataCRC := buf[end]
	wantDataCRC := crc8.Compute(p.Data)
	if wantDataCRC != gotDataCRC {
		return nil, ErrInvalidDataCRC
	}
	p.DataCRC = gotDataCRC
	return p, nil
}
