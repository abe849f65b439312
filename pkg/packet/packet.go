// Package packet frames one cycle's encoded payload into MTU-bounded
// datagrams and reassembles them on the far side.
//
// Every datagram starts with a fixed 16-byte big-endian header:
//
//	magic      uint32
//	type       uint8
//	numChunks  uint8
//	chunkIndex uint16
//	cycle      uint32
//	seq        uint32
//
// cycle increments once per audio cycle per direction, seq once per
// datagram per direction. Both are gapless under normal operation.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic must open every datagram ("NDSP").
const Magic uint32 = 0x4e445350

// HeaderSize is the fixed per-datagram overhead in bytes.
const HeaderSize = 16

// Datagram types.
const (
	TypeHello uint8 = iota + 1
	TypeAccept
	TypeReject
	TypeAudio
	TypeBye
)

// MinMTU keeps at least one payload byte per datagram.
const MinMTU = HeaderSize + 1

var (
	ErrBadMagic   = errors.New("packet: bad magic")
	ErrShortRead  = errors.New("packet: datagram shorter than header")
	ErrCycleLost  = errors.New("packet: cycle lost")
	ErrTooLarge   = errors.New("packet: payload exceeds chunk capacity")
	errBadChunk   = errors.New("packet: chunk index out of range")
	errChunkCount = errors.New("packet: inconsistent chunk count")
)

// Header is the decoded fixed header of one datagram.
type Header struct {
	Type       uint8
	NumChunks  uint8
	ChunkIndex uint16
	Cycle      uint32
	Seq        uint32
}

// Put writes the header into buf, which must hold HeaderSize bytes.
func (h Header) Put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], Magic)
	buf[4] = h.Type
	buf[5] = h.NumChunks
	binary.BigEndian.PutUint16(buf[6:], h.ChunkIndex)
	binary.BigEndian.PutUint32(buf[8:], h.Cycle)
	binary.BigEndian.PutUint32(buf[12:], h.Seq)
}

// Parse splits a received datagram into header and payload.
func Parse(datagram []byte) (Header, []byte, error) {
	if len(datagram) < HeaderSize {
		return Header{}, nil, ErrShortRead
	}
	if binary.BigEndian.Uint32(datagram) != Magic {
		return Header{}, nil, ErrBadMagic
	}
	h := Header{
		Type:       datagram[4],
		NumChunks:  datagram[5],
		ChunkIndex: binary.BigEndian.Uint16(datagram[6:]),
		Cycle:      binary.BigEndian.Uint32(datagram[8:]),
		Seq:        binary.BigEndian.Uint32(datagram[12:]),
	}
	return h, datagram[HeaderSize:], nil
}

// Splitter fragments outbound payloads. It owns the direction's cycle
// and sequence counters.
type Splitter struct {
	maxPayload int
	cycle      uint32
	seq        uint32
	buf        []byte
}

// NewSplitter returns a splitter for the given MTU.
func NewSplitter(mtu int) (*Splitter, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("packet: mtu %d below minimum %d", mtu, MinMTU)
	}
	return &Splitter{
		maxPayload: mtu - HeaderSize,
		buf:        make([]byte, mtu),
	}, nil
}

// Split fragments one cycle's payload and hands each datagram to emit.
// The datagram slice is reused between calls; emit must not retain it.
// The cycle counter advances even when emit fails partway, so one failed
// cycle surfaces as exactly one loss on the far side.
func (s *Splitter) Split(typ uint8, payload []byte, emit func(datagram []byte) error) error {
	chunks := (len(payload) + s.maxPayload - 1) / s.maxPayload
	if chunks == 0 {
		chunks = 1
	}
	if chunks > 0xff {
		return fmt.Errorf("%w: %d bytes in %d chunks", ErrTooLarge, len(payload), chunks)
	}
	cycle := s.cycle
	s.cycle++

	for i := 0; i < chunks; i++ {
		lo := i * s.maxPayload
		hi := min(lo+s.maxPayload, len(payload))
		h := Header{
			Type:       typ,
			NumChunks:  uint8(chunks),
			ChunkIndex: uint16(i),
			Cycle:      cycle,
			Seq:        s.seq,
		}
		s.seq++
		h.Put(s.buf)
		n := copy(s.buf[HeaderSize:], payload[lo:hi])
		if err := emit(s.buf[:HeaderSize+n]); err != nil {
			return err
		}
	}
	return nil
}

// Cycle reports the identifier the next Split call will stamp.
func (s *Splitter) Cycle() uint32 { return s.cycle }
