package transfer

import "sync"

// pendingChunk is one out-of-order chunk awaiting its turn to drain.
type pendingChunk struct {
	Offset  uint32
	Payload []byte
}

// ReorderBuffer holds out-of-order chunks until the contiguous prefix
// starting at nextExpected can be drained, bounded to a fixed capacity so a
// sender that's far ahead of an ack can't make the receiver buffer
// unbounded memory (spec §4.5). The receiver sets that capacity once, to
// ReorderCapFactor times WindowSizeSlow; it does not follow the sender's
// current window size.
type ReorderBuffer struct {
	mu           sync.Mutex
	pending      map[uint32]pendingChunk
	nextExpected uint32
	cap          int
}

// NewReorderBuffer creates a buffer expecting seq 0 first, with the given capacity.
func NewReorderBuffer(capacity int) *ReorderBuffer {
	return &ReorderBuffer{
		pending: make(map[uint32]pendingChunk),
		cap:     capacity,
	}
}

// SetCapacity updates the buffer's capacity. Nothing in this package calls
// it; the capacity given to NewReorderBuffer stays in effect.
func (rb *ReorderBuffer) SetCapacity(capacity int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.cap = capacity
}

// Insert stores a chunk at seq with its absolute file offset. Returns
// false if the buffer is full and the chunk is further ahead than the
// buffer can hold — the caller should treat that as "don't ack this yet,
// wait for the gap to close."
func (rb *ReorderBuffer) Insert(seq uint32, offset uint32, payload []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if seq < rb.nextExpected {
		return true // already delivered, duplicate/retransmit — ack-worthy, nothing to store
	}
	if _, exists := rb.pending[seq]; exists {
		return true
	}
	if len(rb.pending) >= rb.cap {
		return false
	}
	rb.pending[seq] = pendingChunk{Offset: offset, Payload: payload}
	return true
}

// DrainedChunk is one chunk released by Drain, carrying enough to write it
// to both the chunk store and the output file.
type DrainedChunk struct {
	Seq     uint32
	Offset  uint32
	Payload []byte
}

// Drain returns every contiguous chunk starting at nextExpected, in order,
// removing them from the buffer and advancing nextExpected past the last one returned.
func (rb *ReorderBuffer) Drain() []DrainedChunk {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var out []DrainedChunk
	for {
		c, ok := rb.pending[rb.nextExpected]
		if !ok {
			break
		}
		out = append(out, DrainedChunk{Seq: rb.nextExpected, Offset: c.Offset, Payload: c.Payload})
		delete(rb.pending, rb.nextExpected)
		rb.nextExpected++
	}
	return out
}

// NextExpected returns the next sequence number the buffer is waiting to drain.
func (rb *ReorderBuffer) NextExpected() uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.nextExpected
}

// SetNextExpected forcibly sets the next expected sequence, used when
// resuming a transfer from a chunk store's persisted metadata.
func (rb *ReorderBuffer) SetNextExpected(seq uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.nextExpected = seq
}

// MissingBelow returns every sequence number below the given seq that the
// buffer has neither drained nor buffered — used to build a retransmit
// request when a gap has persisted past its patience window.
func (rb *ReorderBuffer) MissingBelow(seq uint32) []uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var missing []uint32
	for s := rb.nextExpected; s < seq; s++ {
		if _, ok := rb.pending[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// Len returns the number of chunks currently buffered out of order.
func (rb *ReorderBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.pending)
}
