// Package audiofile adapts wav files to the audio driver pull
// contract: a Pump supplies input cycles, a Sink collects output
// cycles. Together with an instance's Compute they stand in for real
// audio hardware.
package audiofile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/netdsp/netdsp/pkg/frame"
)

// ErrUnsupportedBitDepth is returned for wav files that are neither 16
// nor 24 nor 32 bit.
var ErrUnsupportedBitDepth = errors.New("audiofile: only 16, 24 and 32 bit wav is supported")

// Pump reads a wav file cycle by cycle. Not reusable after EOF.
type Pump struct {
	file    *os.File
	decoder *wav.Decoder

	cycleSize int
	channels  int
	rate      int
	scale     float32

	buf *audio.IntBuffer
}

// OpenPump opens path for cycle-sized reads.
func OpenPump(path string, cycleSize int) (*Pump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("audiofile: %s is not a valid wav file", path)
	}
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		f.Close()
		return nil, ErrUnsupportedBitDepth
	}

	channels := dec.Format().NumChannels
	return &Pump{
		file:      f,
		decoder:   dec,
		cycleSize: cycleSize,
		channels:  channels,
		rate:      int(dec.SampleRate),
		scale:     float32(int64(1) << (dec.BitDepth - 1)),
		buf: &audio.IntBuffer{
			Format:         dec.Format(),
			Data:           make([]int, cycleSize*channels),
			SourceBitDepth: int(dec.BitDepth),
		},
	}, nil
}

// SampleRate reports the file's sampling rate.
func (p *Pump) SampleRate() int { return p.rate }

// Channels reports the file's channel count.
func (p *Pump) Channels() int { return p.channels }

// Next fills dst with the next cycle, deinterleaved and normalized to
// [-1, 1). It returns the number of frames read; a short count means
// the file ended, with the remainder of dst silenced. io.EOF follows a
// fully drained file.
func (p *Pump) Next(dst frame.Block) (int, error) {
	read, err := p.decoder.PCMBuffer(p.buf)
	if err != nil {
		return 0, err
	}
	if read == 0 {
		return 0, io.EOF
	}
	frames := read / p.channels
	for ch := 0; ch < p.channels && ch < len(dst); ch++ {
		for i := 0; i < frames; i++ {
			dst[ch][i] = float32(p.buf.Data[i*p.channels+ch]) / p.scale
		}
		clear(dst[ch][frames:])
	}
	return frames, nil
}

// Close releases the file.
func (p *Pump) Close() error {
	return p.file.Close()
}

// Sink writes cycles to a 16-bit wav file.
type Sink struct {
	file    *os.File
	encoder *wav.Encoder

	channels int
	buf      *audio.IntBuffer
}

// CreateSink creates path for cycle-sized 16-bit PCM writes.
func CreateSink(path string, sampleRate, channels int) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Sink{
		file:     f,
		encoder:  wav.NewEncoder(f, sampleRate, 16, channels, 1),
		channels: channels,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends frames samples per channel from blk, interleaved and
// quantized with clamping.
func (s *Sink) Write(blk frame.Block, frames int) error {
	data := make([]int, frames*s.channels)
	for ch := 0; ch < s.channels; ch++ {
		var src []float32
		if ch < len(blk) {
			src = blk[ch]
		}
		for i := 0; i < frames; i++ {
			var v float32
			if src != nil {
				v = src[i]
			}
			switch {
			case v > 1:
				v = 1
			case v < -1:
				v = -1
			}
			data[i*s.channels+ch] = int(math.Round(float64(v) * 32767))
		}
	}
	s.buf.Data = data
	return s.encoder.Write(s.buf)
}

// Close finalizes the wav header and releases the file.
func (s *Sink) Close() error {
	if err := s.encoder.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
