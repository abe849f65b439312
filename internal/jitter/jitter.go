// Package jitter buffers decoded audio cycles between a session's
// network reader and the audio callback.
//
// The handoff is two buffered channels: filled blocks travel one way,
// spent blocks travel back for reuse, so the steady state allocates
// nothing and the audio side never takes a lock.
package jitter

import (
	"time"

	"github.com/netdsp/netdsp/pkg/frame"
)

// Buffer is a bounded queue of audio cycles.
type Buffer struct {
	filled chan frame.Block
	free   chan frame.Block
}

// New builds a buffer holding up to depth cycles of the given shape,
// plus one block of slack so the producer can decode while the queue is
// full.
func New(depth, channels, frames int) *Buffer {
	b := &Buffer{
		filled: make(chan frame.Block, depth),
		free:   make(chan frame.Block, depth+1),
	}
	for i := 0; i < depth+1; i++ {
		b.free <- frame.NewBlock(channels, frames)
	}
	return b
}

// Take hands the producer a spare block to decode into. When every
// block is in flight the oldest queued cycle is sacrificed, so a stalled
// consumer drops the stalest audio, not the freshest.
func (b *Buffer) Take() frame.Block {
	for {
		select {
		case blk := <-b.free:
			return blk
		default:
		}
		select {
		case blk := <-b.filled:
			b.free <- blk
		default:
		}
		select {
		case blk := <-b.free:
			return blk
		default:
			// Producer and consumer raced us; spin once more.
		}
	}
}

// Put queues a decoded cycle. If the queue is full the oldest cycle is
// dropped to make room.
func (b *Buffer) Put(blk frame.Block) {
	for {
		select {
		case b.filled <- blk:
			return
		default:
		}
		select {
		case old := <-b.filled:
			b.free <- old
		default:
		}
	}
}

// Get pops the oldest cycle, waiting up to timeout. ok is false on
// timeout. The caller returns the block through Recycle when done.
func (b *Buffer) Get(timeout time.Duration) (frame.Block, bool) {
	select {
	case blk := <-b.filled:
		return blk, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case blk := <-b.filled:
		return blk, true
	case <-timer.C:
		return nil, false
	}
}

// Recycle returns a consumed block to the free pool.
func (b *Buffer) Recycle(blk frame.Block) {
	select {
	case b.free <- blk:
	default:
		// Pool already full; let the block go.
	}
}

// Len reports how many cycles are queued.
func (b *Buffer) Len() int {
	return len(b.filled)
}
