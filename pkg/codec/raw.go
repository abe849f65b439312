package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/netdsp/netdsp/pkg/frame"
)

// floatCodec copies float32 samples channel-major, little-endian.
// Byte-exact round trips.
type floatCodec struct {
	channels int
	frames   int
	scratch  []byte
}

func newFloatCodec(channels, frames int) *floatCodec {
	return &floatCodec{
		channels: channels,
		frames:   frames,
		scratch:  make([]byte, channels*frames*4),
	}
}

func (c *floatCodec) Scheme() Scheme { return SchemeFloat }

func (c *floatCodec) Encode(blk frame.Block) ([]byte, error) {
	if err := checkShape(blk, c.channels, c.frames); err != nil {
		return nil, err
	}
	out := c.scratch
	i := 0
	for ch := range blk {
		for _, s := range blk[ch] {
			binary.LittleEndian.PutUint32(out[i:], math.Float32bits(s))
			i += 4
		}
	}
	return out, nil
}

func (c *floatCodec) Decode(data []byte, dst frame.Block) error {
	if err := checkShape(dst, c.channels, c.frames); err != nil {
		return err
	}
	if len(data) != c.channels*c.frames*4 {
		return fmt.Errorf("codec: float payload is %d bytes, want %d", len(data), c.channels*c.frames*4)
	}
	i := 0
	for ch := range dst {
		for f := range dst[ch] {
			dst[ch][f] = math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))
			i += 4
		}
	}
	return nil
}

// intCodec quantizes to 16-bit fixed point, channel-major,
// little-endian. Lossy once, but encode-decode-encode is byte-exact.
type intCodec struct {
	channels int
	frames   int
	scratch  []byte
}

func newIntCodec(channels, frames int) *intCodec {
	return &intCodec{
		channels: channels,
		frames:   frames,
		scratch:  make([]byte, channels*frames*2),
	}
}

func (c *intCodec) Scheme() Scheme { return SchemeInt }

func (c *intCodec) Encode(blk frame.Block) ([]byte, error) {
	if err := checkShape(blk, c.channels, c.frames); err != nil {
		return nil, err
	}
	out := c.scratch
	i := 0
	for ch := range blk {
		for _, s := range blk[ch] {
			binary.LittleEndian.PutUint16(out[i:], uint16(quantize16(s)))
			i += 2
		}
	}
	return out, nil
}

func (c *intCodec) Decode(data []byte, dst frame.Block) error {
	if err := checkShape(dst, c.channels, c.frames); err != nil {
		return err
	}
	if len(data) != c.channels*c.frames*2 {
		return fmt.Errorf("codec: int payload is %d bytes, want %d", len(data), c.channels*c.frames*2)
	}
	i := 0
	for ch := range dst {
		for f := range dst[ch] {
			v := int16(binary.LittleEndian.Uint16(data[i:]))
			dst[ch][f] = float32(v) / math.MaxInt16
			i += 2
		}
	}
	return nil
}

func quantize16(s float32) int16 {
	v := s * math.MaxInt16
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.RoundToEven(float64(v)))
	}
}

func checkShape(blk frame.Block, channels, frames int) error {
	if channels == 0 && blk.Channels() == 0 {
		return nil
	}
	if blk.Channels() != channels || blk.Frames() != frames {
		return fmt.Errorf("codec: block is %dch x %d frames, negotiated %dch x %d",
			blk.Channels(), blk.Frames(), channels, frames)
	}
	return nil
}
