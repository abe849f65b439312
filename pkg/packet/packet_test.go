package packet_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdsp/netdsp/pkg/packet"
)

// gather runs payloads through a splitter and returns the emitted
// datagrams as independent copies.
func gather(t *testing.T, s *packet.Splitter, payloads ...[]byte) [][]byte {
	t.Helper()
	var datagrams [][]byte
	for _, p := range payloads {
		err := s.Split(packet.TypeAudio, p, func(d []byte) error {
			datagrams = append(datagrams, append([]byte(nil), d...))
			return nil
		})
		require.NoError(t, err)
	}
	return datagrams
}

func TestSplitReassembleIdentity(t *testing.T) {
	const mtu = 64
	s, err := packet.NewSplitter(mtu)
	require.NoError(t, err)
	r, err := packet.NewReassembler(mtu, 4)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 50) // 150 bytes, 4 chunks at mtu 64
	datagrams := gather(t, s, payload)
	require.Len(t, datagrams, 4)

	var got *packet.Cycle
	for _, d := range datagrams {
		h, body, err := packet.Parse(d)
		require.NoError(t, err)
		assert.Equal(t, packet.TypeAudio, h.Type)
		c, ok, err := r.Push(h, body)
		require.NoError(t, err)
		if ok {
			got = &c
		}
	}
	require.NotNil(t, got, "cycle should complete after its last chunk")
	assert.Equal(t, uint32(0), got.ID)
	assert.Equal(t, 0, got.Lost)
	assert.Equal(t, payload, got.Payload)
}

func TestSequenceNumbersAreGapless(t *testing.T) {
	const mtu = 32
	s, err := packet.NewSplitter(mtu)
	require.NoError(t, err)

	datagrams := gather(t, s, make([]byte, 40), make([]byte, 40), make([]byte, 10))
	var want uint32
	for _, d := range datagrams {
		h, _, err := packet.Parse(d)
		require.NoError(t, err)
		assert.Equal(t, want, h.Seq)
		want++
	}
}

func TestLostCycleIsReportedNotSkipped(t *testing.T) {
	const mtu = 64
	s, err := packet.NewSplitter(mtu)
	require.NoError(t, err)
	r, err := packet.NewReassembler(mtu, 4)
	require.NoError(t, err)

	cycle0 := bytes.Repeat([]byte{1}, 20)
	cycle1 := bytes.Repeat([]byte{2}, 20)
	cycle2 := bytes.Repeat([]byte{3}, 20)
	datagrams := gather(t, s, cycle0, cycle1, cycle2)
	require.Len(t, datagrams, 3)

	// Deliver cycle 0, drop cycle 1 entirely, deliver cycle 2.
	h, body, err := packet.Parse(datagrams[0])
	require.NoError(t, err)
	c, ok, err := r.Push(h, body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, c.Lost)

	h, body, err = packet.Parse(datagrams[2])
	require.NoError(t, err)
	c, ok, err = r.Push(h, body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), c.ID)
	assert.Equal(t, 1, c.Lost, "the missing cycle is an error, not a silent skip")
	assert.Equal(t, cycle2, c.Payload)
}

func TestStaleChunksAreIgnoredAfterResync(t *testing.T) {
	const mtu = 64
	s, err := packet.NewSplitter(mtu)
	require.NoError(t, err)
	r, err := packet.NewReassembler(mtu, 4)
	require.NoError(t, err)

	datagrams := gather(t, s, []byte{1}, []byte{2})

	// Cycle 1 completes first; cycle 0 is declared lost.
	h, body, err := packet.Parse(datagrams[1])
	require.NoError(t, err)
	_, ok, err := r.Push(h, body)
	require.NoError(t, err)
	require.True(t, ok)

	// The late chunk for cycle 0 must be dropped silently.
	h, body, err = packet.Parse(datagrams[0])
	require.NoError(t, err)
	_, ok, err = r.Push(h, body)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Pending())
}

func TestIncompleteCyclesAreEvictedPastTheWindow(t *testing.T) {
	const mtu = 32
	s, err := packet.NewSplitter(mtu)
	require.NoError(t, err)
	r, err := packet.NewReassembler(mtu, 2)
	require.NoError(t, err)

	// Each payload needs 3 chunks; drop the final chunk of each so no
	// cycle ever completes.
	for i := 0; i < 8; i++ {
		err := s.Split(packet.TypeAudio, make([]byte, 40), func(d []byte) error {
			h, body, err := packet.Parse(append([]byte(nil), d...))
			require.NoError(t, err)
			if int(h.ChunkIndex) == int(h.NumChunks)-1 {
				return nil
			}
			_, _, err = r.Push(h, body)
			return err
		})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, r.Pending(), 3, "stale incomplete cycles must be evicted")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := packet.Parse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, packet.ErrShortRead)

	bad := make([]byte, packet.HeaderSize)
	_, _, err = packet.Parse(bad)
	assert.ErrorIs(t, err, packet.ErrBadMagic)
}

func TestSplitterRejectsTinyMTU(t *testing.T) {
	_, err := packet.NewSplitter(8)
	assert.Error(t, err)
}
