package audiofile_test

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdsp/netdsp/pkg/audiofile"
	"github.com/netdsp/netdsp/pkg/frame"
)

func TestSinkThenPumpRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	const (
		rate     = 44100
		channels = 2
		cycle    = 256
		cycles   = 4
	)

	sink, err := audiofile.CreateSink(path, rate, channels)
	require.NoError(t, err)

	written := make([]frame.Block, cycles)
	phase := 0.0
	for c := range written {
		blk := frame.NewBlock(channels, cycle)
		for i := 0; i < cycle; i++ {
			v := float32(0.5 * math.Sin(2*math.Pi*440*phase/rate))
			blk[0][i] = v
			blk[1][i] = -v
			phase++
		}
		require.NoError(t, sink.Write(blk, cycle))
		written[c] = blk
	}
	require.NoError(t, sink.Close())

	pump, err := audiofile.OpenPump(path, cycle)
	require.NoError(t, err)
	defer pump.Close()

	assert.Equal(t, rate, pump.SampleRate())
	assert.Equal(t, channels, pump.Channels())

	got := frame.NewBlock(channels, cycle)
	for c := 0; c < cycles; c++ {
		n, err := pump.Next(got)
		require.NoError(t, err)
		require.Equal(t, cycle, n)
		for ch := 0; ch < channels; ch++ {
			for i := 0; i < cycle; i++ {
				assert.InDelta(t, written[c][ch][i], got[ch][i], 1.0/32767,
					"cycle %d channel %d frame %d", c, ch, i)
			}
		}
	}

	_, err = pump.Next(got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPumpSilencesTailOfShortFinalCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")
	const cycle = 128

	sink, err := audiofile.CreateSink(path, 48000, 1)
	require.NoError(t, err)
	blk := frame.NewBlock(1, cycle)
	for i := range blk[0] {
		blk[0][i] = 0.25
	}
	// One and a half cycles of audio.
	require.NoError(t, sink.Write(blk, cycle))
	require.NoError(t, sink.Write(blk, cycle/2))
	require.NoError(t, sink.Close())

	pump, err := audiofile.OpenPump(path, cycle)
	require.NoError(t, err)
	defer pump.Close()

	got := frame.NewBlock(1, cycle)
	n, err := pump.Next(got)
	require.NoError(t, err)
	require.Equal(t, cycle, n)

	n, err = pump.Next(got)
	require.NoError(t, err)
	assert.Equal(t, cycle/2, n)
	assert.InDelta(t, 0.25, got[0][cycle/2-1], 1.0/32767)
	assert.Zero(t, got[0][cycle/2], "tail beyond the final frames is silenced")
}

func TestOpenPumpRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not riff data"), 0o644))
	_, err := audiofile.OpenPump(path, 64)
	assert.Error(t, err)
}
