package packet

import "fmt"

// Cycle is one fully reassembled audio cycle.
//
// Lost counts the cycles that had to be declared missing before this
// one could be delivered. The session reports each loss through its
// error path; the payload itself is still usable.
type Cycle struct {
	ID      uint32
	Payload []byte
	Lost    int
}

type partialCycle struct {
	data      []byte
	have      []bool
	numChunks int
	got       int
	size      int
}

// Reassembler rebuilds cycles from inbound audio datagrams.
//
// Cycles are delivered strictly in send order. A cycle is delivered
// only once all of its chunks have arrived; when a newer cycle
// completes while older ones are still missing, the older ones are
// declared lost rather than delivered partially. Incomplete cycles
// falling behind the window are dropped.
//
// Not safe for concurrent use; a session owns one per direction and
// feeds it from its reader goroutine.
type Reassembler struct {
	maxPayload int
	window     uint32
	next       uint32
	pending    map[uint32]*partialCycle
}

// NewReassembler builds a reassembler for the given MTU. window bounds
// how many cycles ahead of the delivery point may accumulate.
func NewReassembler(mtu int, window int) (*Reassembler, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("packet: mtu %d below minimum %d", mtu, MinMTU)
	}
	if window < 1 {
		window = 1
	}
	return &Reassembler{
		maxPayload: mtu - HeaderSize,
		window:     uint32(window),
		pending:    map[uint32]*partialCycle{},
	}, nil
}

// Push feeds one audio datagram. When the datagram completes a
// deliverable cycle, Push returns it with ok set.
func (r *Reassembler) Push(h Header, payload []byte) (Cycle, bool, error) {
	if h.Cycle < r.next {
		// Stale duplicate of an already delivered or already lost cycle.
		return Cycle{}, false, nil
	}
	if h.NumChunks == 0 || int(h.ChunkIndex) >= int(h.NumChunks) {
		return Cycle{}, false, errBadChunk
	}
	if int(h.ChunkIndex) < int(h.NumChunks)-1 && len(payload) != r.maxPayload {
		return Cycle{}, false, fmt.Errorf("packet: non-final chunk of %d bytes, want %d", len(payload), r.maxPayload)
	}

	p, ok := r.pending[h.Cycle]
	if !ok {
		p = &partialCycle{
			data:      make([]byte, int(h.NumChunks)*r.maxPayload),
			have:      make([]bool, h.NumChunks),
			numChunks: int(h.NumChunks),
		}
		r.pending[h.Cycle] = p
	}
	if p.numChunks != int(h.NumChunks) {
		return Cycle{}, false, errChunkCount
	}
	if p.have[h.ChunkIndex] {
		return Cycle{}, false, nil
	}
	p.have[h.ChunkIndex] = true
	p.got++
	p.size += len(payload)
	copy(p.data[int(h.ChunkIndex)*r.maxPayload:], payload)

	if p.got < p.numChunks {
		r.evictStale(h.Cycle)
		return Cycle{}, false, nil
	}

	// Complete. Everything older than it is now lost.
	lost := int(h.Cycle - r.next)
	for c := r.next; c != h.Cycle; c++ {
		delete(r.pending, c)
	}
	delete(r.pending, h.Cycle)
	r.next = h.Cycle + 1
	return Cycle{ID: h.Cycle, Payload: p.data[:p.size], Lost: lost}, true, nil
}

// evictStale drops incomplete cycles that have fallen more than window
// cycles behind the newest activity.
func (r *Reassembler) evictStale(newest uint32) {
	if newest < r.window {
		return
	}
	floor := newest - r.window
	for c := range r.pending {
		if c < floor {
			delete(r.pending, c)
		}
	}
}

// Pending reports how many incomplete cycles are buffered.
func (r *Reassembler) Pending() int { return len(r.pending) }
