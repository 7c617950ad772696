package transfer

import (
	"sync"
	"time"
)

// inflightChunk tracks one unacknowledged chunk on the sender side.
type inflightChunk struct {
	Seq       uint32
	Offset    int64
	Payload   []byte
	SentAt    time.Time
	Attempts  int
	NextRetry time.Time
}

// InflightTable is the sender's sliding-window bookkeeping: every chunk
// sent but not yet SACKed lives here, keyed by sequence number, so the
// retransmit scanner and the SACK handler can both mutate it under one lock.
type InflightTable struct {
	mu     sync.Mutex
	chunks map[uint32]*inflightChunk
}

// NewInflightTable creates an empty table.
func NewInflightTable() *InflightTable {
	return &InflightTable{chunks: make(map[uint32]*inflightChunk)}
}

// Add registers a newly sent chunk.
func (it *InflightTable) Add(seq uint32, offset int64, payload []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.chunks[seq] = &inflightChunk{
		Seq:       seq,
		Offset:    offset,
		Payload:   payload,
		SentAt:    time.Now(),
		Attempts:  1,
		NextRetry: time.Now().Add(RetransmitBackoff(1)),
	}
}

// Ack removes a chunk from the table, returning its round-trip time if it
// was present (the caller feeds this into the RTT window).
func (it *InflightTable) Ack(seq uint32) (time.Duration, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	c, ok := it.chunks[seq]
	if !ok {
		return 0, false
	}
	delete(it.chunks, seq)
	return time.Since(c.SentAt), true
}

// AckRange removes every seq in [start, end] inclusive, returning the RTTs
// of the ones that were actually in flight.
func (it *InflightTable) AckRange(start, end uint32) []time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	var rtts []time.Duration
	for seq := start; seq <= end; seq++ {
		if c, ok := it.chunks[seq]; ok {
			rtts = append(rtts, time.Since(c.SentAt))
			delete(it.chunks, seq)
		}
		if seq == end {
			break // guards against end == math.MaxUint32 wrapping the loop
		}
	}
	return rtts
}

// DueForRetry returns every chunk whose NextRetry deadline has passed,
// bumping their attempt counter and rescheduling them. Chunks that have
// exceeded HardRetryLimit are returned separately as failed.
func (it *InflightTable) DueForRetry(now time.Time) (retry []*inflightChunk, failed []*inflightChunk) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for seq, c := range it.chunks {
		if now.Before(c.NextRetry) {
			continue
		}
		if c.Attempts >= HardRetryLimit {
			failed = append(failed, c)
			delete(it.chunks, seq)
			continue
		}
		c.Attempts++
		c.NextRetry = now.Add(RetransmitBackoff(c.Attempts))
		retry = append(retry, c)
	}
	return retry, failed
}

// Len returns how many chunks are currently in flight.
func (it *InflightTable) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.chunks)
}

// SoftRetriesExceeded reports whether a given seq has crossed
// SoftRetryLimit attempts. Sender.scanRetransmits uses it to print a
// warning; the chunk keeps being retransmitted until HardRetryLimit.
func (it *InflightTable) SoftRetriesExceeded(seq uint32) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	c, ok := it.chunks[seq]
	return ok && c.Attempts > SoftRetryLimit
}

// Get returns the chunk for seq, if still in flight.
func (it *InflightTable) Get(seq uint32) (*inflightChunk, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	c, ok := it.chunks[seq]
	return c, ok
}
