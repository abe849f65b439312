package codec

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/netdsp/netdsp/pkg/frame"
)

// maxChannelPacket bounds one channel's encoded size within a cycle.
// 2-byte length prefixes on the wire keep reassembly trivial.
const maxChannelPacket = 0xffff

// opusCodec compresses each channel as an independent mono opus stream.
// Channel payloads are concatenated with uint16 length prefixes.
//
// Encoder and decoder history makes this codec stateful: one instance
// per session direction.
type opusCodec struct {
	channels int
	frames   int
	encoders []*opus.Encoder
	decoders []*opus.Decoder
	scratch  []byte
	chBuf    []byte
}

// opusFrames lists the legal opus frame durations in samples for a given
// rate: 2.5, 5, 10, 20, 40 and 60 ms.
func opusFrames(sampleRate int) []int {
	return []int{
		sampleRate / 400,
		sampleRate / 200,
		sampleRate / 100,
		sampleRate / 50,
		sampleRate / 25,
		3 * sampleRate / 50,
	}
}

func newOpusCodec(sampleRate, channels, cycleSize, kbits int) (*opusCodec, error) {
	legal := false
	for _, n := range opusFrames(sampleRate) {
		if cycleSize == n {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fmt.Errorf("codec: cycle size %d is not a legal opus frame at %d Hz (want one of %v)",
			cycleSize, sampleRate, opusFrames(sampleRate))
	}
	if kbits <= 0 {
		return nil, fmt.Errorf("codec: opus bitrate must be positive, got %d kbit/s", kbits)
	}

	c := &opusCodec{
		channels: channels,
		frames:   cycleSize,
		encoders: make([]*opus.Encoder, channels),
		decoders: make([]*opus.Decoder, channels),
		scratch:  make([]byte, channels*(2+maxChannelPacket)),
		chBuf:    make([]byte, maxChannelPacket),
	}
	for ch := 0; ch < channels; ch++ {
		enc, err := opus.NewEncoder(sampleRate, 1, opus.AppRestrictedLowdelay)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encoder: %w", err)
		}
		if err := enc.SetBitrate(kbits * 1000); err != nil {
			return nil, fmt.Errorf("codec: opus bitrate %d kbit/s: %w", kbits, err)
		}
		dec, err := opus.NewDecoder(sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("codec: opus decoder: %w", err)
		}
		c.encoders[ch] = enc
		c.decoders[ch] = dec
	}
	return c, nil
}

func (c *opusCodec) Scheme() Scheme { return SchemeOpus }

func (c *opusCodec) Encode(blk frame.Block) ([]byte, error) {
	if err := checkShape(blk, c.channels, c.frames); err != nil {
		return nil, err
	}
	out := c.scratch[:0]
	for ch := range blk {
		n, err := c.encoders[ch].EncodeFloat32(blk[ch], c.chBuf)
		if err != nil {
			return nil, fmt.Errorf("codec: opus encode channel %d: %w", ch, err)
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(n))
		out = append(out, prefix[:]...)
		out = append(out, c.chBuf[:n]...)
	}
	return out, nil
}

func (c *opusCodec) Decode(data []byte, dst frame.Block) error {
	if err := checkShape(dst, c.channels, c.frames); err != nil {
		return err
	}
	for ch := range dst {
		if len(data) < 2 {
			return fmt.Errorf("codec: opus payload truncated at channel %d", ch)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return fmt.Errorf("codec: opus payload truncated at channel %d", ch)
		}
		got, err := c.decoders[ch].DecodeFloat32(data[:n], dst[ch])
		if err != nil {
			return fmt.Errorf("codec: opus decode channel %d: %w", ch, err)
		}
		if got != c.frames {
			return fmt.Errorf("codec: opus decoded %d frames on channel %d, want %d", got, ch, c.frames)
		}
		data = data[n:]
	}
	return nil
}
