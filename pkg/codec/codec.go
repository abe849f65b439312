// Package codec implements the interchangeable audio encodings a
// streaming session can negotiate: raw 32-bit float, raw 16-bit integer,
// and a lossy compressed scheme parameterized by a target bitrate.
//
// The raw schemes are deterministic and stateless per call. The
// compressed scheme carries encoder/decoder history across calls, so a
// codec must be instantiated once per session direction, never shared.
package codec

import (
	"errors"
	"fmt"

	"github.com/netdsp/netdsp/pkg/frame"
)

// Scheme identifies a negotiated encoding.
type Scheme int

const (
	SchemeFloat Scheme = iota
	SchemeInt
	SchemeOpus
)

func (s Scheme) String() string {
	switch s {
	case SchemeFloat:
		return "float"
	case SchemeInt:
		return "int"
	case SchemeOpus:
		return "opus"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

var errUnknownScheme = errors.New("unknown encoding scheme")

// Codec encodes one cycle of audio to its wire form and back.
//
// Encode may return a slice of an internal scratch buffer; the caller
// must consume it before the next Encode call on the same codec.
// Decode fills dst, which defines the expected channel count and cycle
// size.
type Codec interface {
	Scheme() Scheme
	Encode(blk frame.Block) ([]byte, error)
	Decode(data []byte, dst frame.Block) error
}

// New builds the codec for one session direction.
//
// sampleRate and cycleSize are the negotiated session parameters,
// channels the direction's channel count, kbits the target bitrate for
// SchemeOpus (ignored by the raw schemes).
func New(scheme Scheme, sampleRate, channels, cycleSize, kbits int) (Codec, error) {
	if channels < 0 || cycleSize <= 0 {
		return nil, fmt.Errorf("codec: invalid shape %dch x %d frames", channels, cycleSize)
	}
	switch scheme {
	case SchemeFloat:
		return newFloatCodec(channels, cycleSize), nil
	case SchemeInt:
		return newIntCodec(channels, cycleSize), nil
	case SchemeOpus:
		return newOpusCodec(sampleRate, channels, cycleSize, kbits)
	default:
		return nil, fmt.Errorf("codec: %w %d", errUnknownScheme, int(scheme))
	}
}

// FromCompression maps the session compression option (-1 float,
// -2 int, >0 opus kbit/s) to a scheme and bitrate.
func FromCompression(compression int) (Scheme, int, error) {
	switch {
	case compression == -1:
		return SchemeFloat, 0, nil
	case compression == -2:
		return SchemeInt, 0, nil
	case compression > 0:
		return SchemeOpus, compression, nil
	default:
		return 0, 0, fmt.Errorf("codec: invalid compression value %d", compression)
	}
}
