package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Receiver drives the inbound half of a transfer: accepting a METADATA
// offer, completing key exchange, holding out-of-order DATA frames in a
// reorder buffer, draining the contiguous prefix into both the ChunkStore
// and the output file, and batching SACKs back to the sender. Grounded on the teacher's chunked_transfer.go receive loop,
// generalized from a blocking per-chunk-stream read to an event-driven
// OnFrame handler feeding a reorder buffer.
type Receiver struct {
	session    *Session
	transferID string
	outDir     string
	filename   string
	fileSize   int64
	stats      *TransferStats
	progress   *ProgressTracker

	control ControlChannel

	keyExchange *KeyExchange
	cipher      *ChunkCipher

	store        *ChunkStore
	reorder      *ReorderBuffer
	outFile      *os.File
	resumeOffset int64
	hashVerified bool

	rtt        *RTTWindow
	windowSize int

	ackMu      sync.Mutex
	pendingAck []uint32
	lastFlush  time.Time

	gapMu       sync.Mutex
	gapSince    map[uint32]time.Time

	fecMu       sync.Mutex
	fecCipher   map[uint32][]byte
	fecGroups   map[uint32]*fecGroupState
	fecDecoder  *FECDecoder

	done chan struct{}
	err  error
}

// fecGroupState accumulates whatever FEC metadata and parity shards have
// arrived so far for one group, keyed by the group's first sequence number.
// Reconstruction is attempted every time a new parity shard arrives; most
// groups never need it because the data shards all showed up directly.
type fecGroupState struct {
	dataCount    uint32
	shardSize    uint32
	lengths      []uint32
	offsets      []uint32
	parityShards map[uint32][]byte
}

// NewReceiver prepares a receiver writing into outDir, backed by a durable
// chunk store at storeDir for crash-resume.
func NewReceiver(outDir, storeDir string, control ControlChannel) (*Receiver, error) {
	store, err := OpenChunkStore(storeDir)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		outDir:     outDir,
		control:    control,
		store:      store,
		rtt:        NewRTTWindow(32),
		windowSize: WindowSizeSlow,
		gapSince:   make(map[uint32]time.Time),
		fecCipher:  make(map[uint32][]byte),
		fecGroups:  make(map[uint32]*fecGroupState),
		done:       make(chan struct{}),
	}, nil
}

// OnMetadata handles the sender's METADATA offer: records the transfer ID,
// checks the chunk store for a resumable prior attempt, and starts key exchange.
func (r *Receiver) OnMetadata(msg *MetadataMessage) error {
	r.session = NewSession(msg.TransferID)
	r.transferID = msg.TransferID
	r.filename = msg.Filename
	r.fileSize = msg.FileSize
	r.stats = NewTransferStats(msg.Filename, msg.FileSize, "", "received")
	r.progress = NewProgressTracker(msg.Filename, msg.FileSize, "received", ProgressStyleSimple)
	r.reorder = NewReorderBuffer(WindowSizeSlow * ReorderCapFactor)

	nextExpected, nextOffset, _, _, found, err := r.store.GetMeta(msg.TransferID)
	if err != nil {
		return err
	}
	if found {
		r.reorder.SetNextExpected(nextExpected)
		r.resumeOffset = nextOffset
	}

	ke, err := NewKeyExchange()
	if err != nil {
		return err
	}
	r.keyExchange = ke

	payload, err := EncodeControl(ControlKeyExchange, &KeyExchangeMessage{
		TransferID: msg.TransferID,
		PublicKey:  ke.PublicKeyBytes(),
	})
	if err != nil {
		return err
	}
	return r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
}

// OnKeyExchange handles the sender's KEY reply, derives the shared key,
// opens the output file, and tells the sender to start (or resume) transferring.
func (r *Receiver) OnKeyExchange(msg *KeyExchangeMessage) error {
	secret, err := r.keyExchange.DeriveSharedSecret(msg.PublicKey)
	if err != nil {
		return err
	}
	key, err := DeriveTransferKey(secret, r.transferID)
	if err != nil {
		return err
	}
	cipher, err := NewChunkCipher(key)
	if err != nil {
		return err
	}
	r.cipher = cipher
	r.session.SetSharedKeyEstablished()
	if err := r.session.TransitionTo(StateReady); err != nil {
		return err
	}

	outPath := filepath.Join(r.outDir, r.filename)
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.outFile = f

	if err := r.session.TransitionTo(StateTransferring); err != nil {
		return err
	}

	nextExpected := r.reorder.NextExpected()
	if nextExpected > 0 {
		payload, err := EncodeControl(ControlResumeFrom, &ResumeFromMessage{
			TransferID: r.transferID,
			NextSeq:    nextExpected,
			NextOffset: r.resumeOffset,
		})
		if err != nil {
			return err
		}
		return r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
	}

	payload, err := EncodeControl(ControlStart, &StartTransferMessage{TransferID: r.transferID})
	if err != nil {
		return err
	}
	return r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
}

// OnDataFrame handles one decoded DATA frame: decrypts it, inserts it into
// the reorder buffer, drains whatever contiguous prefix that unlocks to
// the chunk store and output file, and queues a SACK.
func (r *Receiver) OnDataFrame(f *Frame) error {
	if !r.session.CanAcceptDataFrames() {
		return ErrInvalidState
	}

	r.fecMu.Lock()
	cached := make([]byte, len(f.Payload))
	copy(cached, f.Payload)
	r.fecCipher[f.Seq] = cached
	r.fecMu.Unlock()

	plaintext, err := r.cipher.Decrypt(f.Seq, f.Payload)
	if err != nil {
		return err
	}

	if !r.reorder.Insert(f.Seq, f.Offset, plaintext) {
		return nil // buffer full; sender will retransmit after its own timeout
	}
	r.stats.AddBytesReceived(int64(len(plaintext)))
	r.queueAck(f.Seq)

	if err := r.drainReorderBuffer(); err != nil {
		return err
	}
	r.maybeFlushAck()
	r.checkGaps()
	return nil
}

func (r *Receiver) drainReorderBuffer() error {
	for _, chunk := range r.reorder.Drain() {
		if err := r.store.PutChunk(r.transferID, chunk.Seq, chunk.Payload); err != nil {
			return err
		}
		if _, err := r.outFile.WriteAt(chunk.Payload, int64(chunk.Offset)); err != nil {
			return err
		}
		nextOffset := int64(chunk.Offset) + int64(len(chunk.Payload))
		if nextOffset > r.resumeOffset {
			r.resumeOffset = nextOffset
		}
		if err := r.store.PutMeta(r.transferID, r.reorder.NextExpected(), r.resumeOffset, r.fileSize, r.filename); err != nil {
			return err
		}
	}
	return nil
}

// OnFECFrame records a parity shard for its group and, once enough data and
// parity shards are known, reconstructs any data shard still missing. A
// group that can't be reconstructed is left alone — checkGaps's retransmit
// request is the real recovery path, this is just a chance to skip it.
func (r *Receiver) OnFECFrame(f *Frame) error {
	shard, err := DecodeFECShardPayload(f.Payload)
	if err != nil {
		return err
	}

	r.fecMu.Lock()
	group, ok := r.fecGroups[f.Seq]
	if !ok {
		group = &fecGroupState{parityShards: make(map[uint32][]byte)}
		r.fecGroups[f.Seq] = group
	}
	group.dataCount = shard.DataCount
	group.shardSize = shard.ShardSize
	group.lengths = shard.Lengths
	group.offsets = shard.Offsets
	group.parityShards[f.Offset] = shard.Data
	recovered := r.tryReconstructGroup(f.Seq, group)
	if len(recovered) > 0 || len(group.parityShards) >= FECParityShards {
		delete(r.fecGroups, f.Seq)
	}
	r.fecMu.Unlock()

	for _, c := range recovered {
		if !r.reorder.Insert(c.Seq, c.Offset, c.Payload) {
			continue
		}
		r.stats.AddBytesReceived(int64(len(c.Payload)))
		r.queueAck(c.Seq)
	}
	if len(recovered) > 0 {
		if err := r.drainReorderBuffer(); err != nil {
			return err
		}
		r.maybeFlushAck()
	}
	return nil
}

type recoveredChunk struct {
	Seq     uint32
	Offset  uint32
	Payload []byte
}

// tryReconstructGroup must be called with fecMu held. It returns the
// decrypted plaintext of any data shard that was missing from the cache but
// could be rebuilt from the shards now available.
func (r *Receiver) tryReconstructGroup(groupFirstSeq uint32, group *fecGroupState) []recoveredChunk {
	if group.dataCount == 0 {
		return nil
	}
	shards := make([][]byte, int(group.dataCount)+FECParityShards)
	missing := map[int]bool{}
	have := 0
	for i := 0; i < int(group.dataCount); i++ {
		seq := groupFirstSeq + uint32(i)
		if c, ok := r.fecCipher[seq]; ok {
			padded := make([]byte, group.shardSize)
			copy(padded, c)
			shards[i] = padded
			have++
		} else {
			missing[i] = true
		}
	}
	if len(missing) == 0 {
		return nil // nothing to recover
	}
	for idx, data := range group.parityShards {
		shards[int(group.dataCount)+int(idx)] = data
		have++
	}
	if have < int(group.dataCount) {
		return nil // not enough shards yet
	}

	if r.fecDecoder == nil {
		dec, err := NewFECDecoder(int(group.dataCount), FECParityShards)
		if err != nil {
			return nil
		}
		r.fecDecoder = dec
	}
	rebuilt, err := r.fecDecoder.Reconstruct(int(group.dataCount), shards)
	if err != nil {
		return nil
	}

	var out []recoveredChunk
	for i := range missing {
		if i >= len(group.lengths) || i >= len(group.offsets) {
			continue
		}
		seq := groupFirstSeq + uint32(i)
		ciphertext := rebuilt[i][:group.lengths[i]]
		plaintext, err := r.cipher.Decrypt(seq, ciphertext)
		if err != nil {
			continue
		}
		out = append(out, recoveredChunk{Seq: seq, Offset: group.offsets[i], Payload: plaintext})
	}
	return out
}

func (r *Receiver) queueAck(seq uint32) {
	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	r.pendingAck = append(r.pendingAck, seq)
	if r.lastFlush.IsZero() {
		r.lastFlush = time.Now()
	}
}

func (r *Receiver) maybeFlushAck() {
	r.ackMu.Lock()
	due := len(r.pendingAck) >= SACKBatchSize || (!r.lastFlush.IsZero() && time.Since(r.lastFlush) >= SACKBatchTimeout)
	if !due || len(r.pendingAck) == 0 {
		r.ackMu.Unlock()
		return
	}
	seqs := r.pendingAck
	r.pendingAck = nil
	r.lastFlush = time.Now()
	r.ackMu.Unlock()

	ranges := coalesceRanges(seqs)
	payload, err := EncodeControl(ControlBatchAck, &ChunkBatchAckMessage{TransferID: r.transferID, Ranges: ranges})
	if err != nil {
		return
	}
	r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
}

// coalesceRanges sorts and merges a set of acknowledged sequence numbers
// into the minimal set of contiguous [start,end] ranges. Chosen over
// trivial (seq,seq) pairs because the SACK payload is typically dominated
// by long in-order runs, and a range list compresses those to nearly nothing.
func coalesceRanges(seqs []uint32) []AckRange {
	if len(seqs) == 0 {
		return nil
	}
	sorted := append([]uint32{}, seqs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var ranges []AckRange
	start := sorted[0]
	prev := sorted[0]
	for _, s := range sorted[1:] {
		if s == prev || s == prev+1 {
			prev = s
			continue
		}
		ranges = append(ranges, AckRange{Start: start, End: prev})
		start = s
		prev = s
	}
	ranges = append(ranges, AckRange{Start: start, End: prev})
	return ranges
}

// checkGaps looks for sequence numbers in the window starting at the reorder
// buffer's frontier (nextExpected up to nextExpected+windowSize) that have
// been missing long enough to warrant an explicit retransmit
// request rather than waiting on the sender's own timeout.
func (r *Receiver) checkGaps() {
	r.trimFECCache()
	missing := r.reorder.MissingBelow(r.reorder.NextExpected() + uint32(r.windowSize))

	r.gapMu.Lock()
	var request []uint32
	now := time.Now()
	seen := make(map[uint32]bool, len(missing))
	for _, seq := range missing {
		seen[seq] = true
		if _, ok := r.gapSince[seq]; !ok {
			r.gapSince[seq] = now
			continue
		}
		if now.Sub(r.gapSince[seq]) > RetransmitBaseInterval {
			request = append(request, seq)
			r.gapSince[seq] = now
		}
	}
	for seq := range r.gapSince {
		if !seen[seq] {
			delete(r.gapSince, seq)
		}
	}
	r.gapMu.Unlock()

	if len(request) == 0 {
		return
	}
	payload, err := EncodeControl(ControlRetransmit, &RetransmitRequestMessage{TransferID: r.transferID, Seqs: request})
	if err != nil {
		return
	}
	r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
}

// trimFECCache drops cached ciphertext for sequence numbers at least
// FECGroupSize below the reorder buffer's frontier. A group that still has
// an undelivered member starts less than FECGroupSize below the frontier,
// so its delivered members stay cached for tryReconstructGroup.
func (r *Receiver) trimFECCache() {
	next := r.reorder.NextExpected()
	r.fecMu.Lock()
	for seq := range r.fecCipher {
		if seq+FECGroupSize <= next {
			delete(r.fecCipher, seq)
		}
	}
	r.fecMu.Unlock()
}

// OnHash verifies the sender's streaming SHA-256 against a digest computed
// by re-reading the output file from the start. Files larger than
// VerifyHashSizeCap are not checked. Verification is warn-and-deliver
// (spec §4.2): a mismatch prints a warning, and the file the receiver
// already wrote is kept.
func (r *Receiver) OnHash(msg *HashMessage) error {
	r.hashVerified = true
	if r.fileSize > VerifyHashSizeCap {
		return nil
	}
	digest := r.computeFileHash()
	if !bytesEqual(digest, msg.SHA256) {
		fmt.Printf("warning: integrity hash mismatch for %s\n", r.filename)
	}
	return nil
}

// HashVerified reports whether a HASH control message has been processed
// for this transfer, for callers (tests, diagnostics) that need to confirm
// the integrity-verification path actually ran.
func (r *Receiver) HashVerified() bool {
	return r.hashVerified
}

// Cipher returns the receiver's chunk cipher, established once key exchange
// completes, so control-plane frames flagged encrypted can be decrypted
// before envelope decoding.
func (r *Receiver) Cipher() *ChunkCipher {
	return r.cipher
}

func (r *Receiver) computeFileHash() []byte {
	f, err := os.Open(r.outFile.Name())
	if err != nil {
		return nil
	}
	defer f.Close()
	h := NewStreamingHash()
	buf := make([]byte, ChunkSizeNominal)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return h.Sum()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// OnEnd finalizes the transfer: flushes any pending SACK, closes the
// output file, clears the chunk store, and marks the session complete.
func (r *Receiver) OnEnd(msg *EndMessage) error {
	r.ackMu.Lock()
	seqs := r.pendingAck
	r.pendingAck = nil
	r.ackMu.Unlock()
	if len(seqs) > 0 {
		ranges := coalesceRanges(seqs)
		payload, err := EncodeControl(ControlBatchAck, &ChunkBatchAckMessage{TransferID: r.transferID, Ranges: ranges})
		if err == nil {
			r.control.SendFrame(NewControlFrame(0, payload, false).Encode())
		}
	}

	if err := r.outFile.Close(); err != nil {
		return err
	}
	if err := r.store.DeleteAll(r.transferID); err != nil {
		return err
	}
	r.stats.MarkCompleted()
	r.progress.PrintSummary("completed", "")

	if err := r.session.TransitionTo(StateComplete); err != nil {
		return err
	}
	close(r.done)
	return nil
}

// Wait blocks until the transfer completes or fails.
func (r *Receiver) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the chunk store.
func (r *Receiver) Close() error {
	return r.store.Close()
}
