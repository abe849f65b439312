// Package frame holds the audio block types shared by the codec,
// packetizer and session layers.
package frame

// Block is one cycle of non-interleaved audio: one slice of float32
// samples per channel. All channels of a block have the same length.
type Block [][]float32

// NewBlock allocates a block of the given shape, zeroed.
func NewBlock(channels, frames int) Block {
	b := make(Block, channels)
	for ch := range b {
		b[ch] = make([]float32, frames)
	}
	return b
}

// Channels returns the number of channels in the block.
func (b Block) Channels() int {
	return len(b)
}

// Frames returns the number of frames per channel, 0 for an empty block.
func (b Block) Frames() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Silence zeroes every sample in the block.
func (b Block) Silence() {
	for ch := range b {
		clear(b[ch])
	}
}

// CopyTo copies up to frames samples per channel into dst, starting at
// offset dstOff. Channels beyond dst's shape are ignored.
func (b Block) CopyTo(dst Block, dstOff, frames int) {
	for ch := range b {
		if ch >= len(dst) {
			return
		}
		copy(dst[ch][dstOff:dstOff+frames], b[ch][:frames])
	}
}
