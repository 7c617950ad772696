package transfer

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestCoalesceRanges(t *testing.T) {
	cases := []struct {
		name string
		seqs []uint32
		want []AckRange
	}{
		{"empty", nil, nil},
		{"single", []uint32{5}, []AckRange{{Start: 5, End: 5}}},
		{"contiguous run", []uint32{1, 2, 3, 4}, []AckRange{{Start: 1, End: 4}}},
		{"duplicates collapse", []uint32{1, 1, 2, 3, 3}, []AckRange{{Start: 1, End: 3}}},
		{"disjoint ranges", []uint32{1, 2, 5, 6, 7, 10}, []AckRange{
			{Start: 1, End: 2}, {Start: 5, End: 7}, {Start: 10, End: 10},
		}},
		{"out of order", []uint32{5, 1, 3, 2, 4}, []AckRange{{Start: 1, End: 5}}},
		{"out of order with gap", []uint32{9, 1, 2, 7, 8}, []AckRange{
			{Start: 1, End: 2}, {Start: 7, End: 9},
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := coalesceRanges(c.seqs)
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("coalesceRanges(%v) = %v, want %v", c.seqs, got, c.want)
			}
		})
	}
}

// fakeControlChannel is a minimal in-memory ControlChannel stub that
// captures every frame handed to SendFrame, mirroring fakeDataChannel in
// transport_test.go.
type fakeControlChannel struct {
	sent [][]byte
}

func (f *fakeControlChannel) SendFrame(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeControlChannel) OnFrame(handler func(frame []byte)) {}
func (f *fakeControlChannel) Close() error                       { return nil }

// lastControlEnvelope decodes the most recently sent frame as a control
// envelope, failing the test if none was sent or it doesn't decode.
func (f *fakeControlChannel) lastControlEnvelope(t *testing.T) *ControlEnvelope {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("expected a control frame to have been sent, got none")
	}
	raw := f.sent[len(f.sent)-1]
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	env, err := DecodeControlEnvelope(frame.Payload)
	if err != nil {
		t.Fatalf("decode control envelope: %v", err)
	}
	return env
}

// newTestReceiver builds a Receiver with every unexported collaborator
// populated directly, bypassing the METADATA/KEY handshake entirely so
// OnDataFrame/checkGaps can be exercised in isolation.
func newTestReceiver(t *testing.T, windowSize int) (*Receiver, *fakeControlChannel) {
	t.Helper()

	store, err := OpenChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open chunk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	cipher, err := NewChunkCipher(key)
	if err != nil {
		t.Fatalf("new chunk cipher: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "out.bin")
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open output file: %v", err)
	}
	t.Cleanup(func() { outFile.Close() })

	session := NewSession("transfer-1")
	session.SetSharedKeyEstablished()
	if err := session.TransitionTo(StateReady); err != nil {
		t.Fatalf("transition to ready: %v", err)
	}
	if err := session.TransitionTo(StateTransferring); err != nil {
		t.Fatalf("transition to transferring: %v", err)
	}

	control := &fakeControlChannel{}
	r := &Receiver{
		session:    session,
		transferID: "transfer-1",
		filename:   "out.bin",
		fileSize:   1 << 20,
		stats:      NewTransferStats("out.bin", 1<<20, "", "received"),
		control:    control,
		cipher:     cipher,
		store:      store,
		reorder:    NewReorderBuffer(64),
		outFile:    outFile,
		windowSize: windowSize,
		gapSince:   make(map[uint32]time.Time),
		fecCipher:  make(map[uint32][]byte),
		fecGroups:  make(map[uint32]*fecGroupState),
		done:       make(chan struct{}),
	}
	return r, control
}

// encryptedDataFrame builds the DATA frame OnDataFrame expects: ciphertext
// sealed the same way Sender.sendNextChunk does.
func encryptedDataFrame(t *testing.T, r *Receiver, seq uint32, offset uint32, plaintext string) *Frame {
	t.Helper()
	ciphertext, err := r.cipher.Encrypt(seq, []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt seq %d: %v", seq, err)
	}
	return NewDataFrame(seq, offset, ciphertext, true)
}

func TestReceiverOnDataFrameOutOfOrderAndDuplicateEmitsCoalescedSack(t *testing.T) {
	r, control := newTestReceiver(t, 8)

	// Deliver seq 2 before seq 0/1, then re-deliver seq 1 as a duplicate
	// after it has already drained.
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 2, 2, "ccc")); err != nil {
		t.Fatalf("OnDataFrame(2): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 0, 0, "aaa")); err != nil {
		t.Fatalf("OnDataFrame(0): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 1, 1, "bbb")); err != nil {
		t.Fatalf("OnDataFrame(1): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 1, 1, "bbb")); err != nil {
		t.Fatalf("OnDataFrame(1) duplicate: %v", err)
	}

	if got, want := r.reorder.NextExpected(), uint32(3); got != want {
		t.Fatalf("NextExpected = %d, want %d (0,1,2 should have drained)", got, want)
	}

	// Force the batch to flush regardless of SACKBatchSize/SACKBatchTimeout.
	r.ackMu.Lock()
	r.lastFlush = time.Now().Add(-SACKBatchTimeout - time.Millisecond)
	r.ackMu.Unlock()
	r.maybeFlushAck()

	env := control.lastControlEnvelope(t)
	if env.Kind != ControlBatchAck {
		t.Fatalf("control kind = %v, want %v", env.Kind, ControlBatchAck)
	}
	var msg ChunkBatchAckMessage
	if err := DecodeControlBody(env, &msg); err != nil {
		t.Fatalf("decode batch ack: %v", err)
	}
	want := []AckRange{{Start: 0, End: 2}}
	if !reflect.DeepEqual(msg.Ranges, want) {
		t.Fatalf("ranges = %v, want %v (0,1,2 and the seq-1 duplicate should coalesce into one run)", msg.Ranges, want)
	}
}

func TestReceiverCheckGapsRequestsRetransmitOnlyAfterGapPersists(t *testing.T) {
	r, control := newTestReceiver(t, 4)

	// Nothing has arrived: seqs 0..3 are all missing below nextExpected+windowSize.
	r.checkGaps()
	if len(control.sent) != 0 {
		t.Fatalf("expected no retransmit request on first sighting of a gap, got %d frames sent", len(control.sent))
	}
	if _, ok := r.gapSince[1]; !ok {
		t.Fatal("expected checkGaps to start tracking seq 1's gap")
	}

	// Backdate seq 1's gap past the retransmit patience window; leave the
	// others untouched so only seq 1 should trigger.
	r.gapMu.Lock()
	r.gapSince[1] = time.Now().Add(-RetransmitBaseInterval - time.Second)
	r.gapMu.Unlock()

	r.checkGaps()

	env := control.lastControlEnvelope(t)
	if env.Kind != ControlRetransmit {
		t.Fatalf("control kind = %v, want %v", env.Kind, ControlRetransmit)
	}
	var msg RetransmitRequestMessage
	if err := DecodeControlBody(env, &msg); err != nil {
		t.Fatalf("decode retransmit request: %v", err)
	}
	if want := []uint32{1}; !reflect.DeepEqual(msg.Seqs, want) {
		t.Fatalf("requested seqs = %v, want %v", msg.Seqs, want)
	}
}

func TestReceiverDrainReorderBufferPersistsNextOffset(t *testing.T) {
	r, _ := newTestReceiver(t, 8)

	if err := r.OnDataFrame(encryptedDataFrame(t, r, 0, 0, "aaa")); err != nil {
		t.Fatalf("OnDataFrame(0): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 1, 3, "bb")); err != nil {
		t.Fatalf("OnDataFrame(1): %v", err)
	}

	wantOffset := int64(5) // 3 bytes from seq 0 + 2 bytes from seq 1
	if r.resumeOffset != wantOffset {
		t.Fatalf("resumeOffset = %d, want %d", r.resumeOffset, wantOffset)
	}

	_, nextOffset, _, _, found, err := r.store.GetMeta(r.transferID)
	if err != nil {
		t.Fatalf("getmeta: %v", err)
	}
	if !found {
		t.Fatal("expected meta to be persisted after draining")
	}
	if nextOffset != wantOffset {
		t.Fatalf("persisted nextOffset = %d, want %d", nextOffset, wantOffset)
	}
}

func TestReceiverOnKeyExchangeResumeFromCarriesPersistedOffset(t *testing.T) {
	store, err := OpenChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open chunk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ke, err := NewKeyExchange()
	if err != nil {
		t.Fatalf("new key exchange: %v", err)
	}

	session := NewSession("transfer-1")
	if err := session.TransitionTo(StateWaiting); err != nil {
		t.Fatalf("transition to waiting: %v", err)
	}

	control := &fakeControlChannel{}
	reorder := NewReorderBuffer(64)
	reorder.SetNextExpected(7)

	r := &Receiver{
		session:      session,
		transferID:   "transfer-1",
		outDir:       t.TempDir(),
		filename:     "out.bin",
		control:      control,
		keyExchange:  ke,
		store:        store,
		reorder:      reorder,
		resumeOffset: 4096,
		done:         make(chan struct{}),
	}

	peer, err := NewKeyExchange()
	if err != nil {
		t.Fatalf("new peer key exchange: %v", err)
	}
	if err := r.OnKeyExchange(&KeyExchangeMessage{PublicKey: peer.PublicKeyBytes()}); err != nil {
		t.Fatalf("OnKeyExchange: %v", err)
	}

	env := control.lastControlEnvelope(t)
	if env.Kind != ControlResumeFrom {
		t.Fatalf("control kind = %v, want %v", env.Kind, ControlResumeFrom)
	}
	var msg ResumeFromMessage
	if err := DecodeControlBody(env, &msg); err != nil {
		t.Fatalf("decode resume-from: %v", err)
	}
	if msg.NextSeq != 7 {
		t.Fatalf("NextSeq = %d, want 7", msg.NextSeq)
	}
	if msg.NextOffset != 4096 {
		t.Fatalf("NextOffset = %d, want 4096", msg.NextOffset)
	}
}

func TestReceiverCheckGapsForgetsSeqsThatStopMissing(t *testing.T) {
	r, control := newTestReceiver(t, 4)

	r.checkGaps() // seeds gapSince for 0..3
	if _, ok := r.gapSince[2]; !ok {
		t.Fatal("expected seq 2 to be tracked as missing")
	}

	if err := r.OnDataFrame(encryptedDataFrame(t, r, 0, 0, "aaa")); err != nil {
		t.Fatalf("OnDataFrame(0): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 1, 1, "bbb")); err != nil {
		t.Fatalf("OnDataFrame(1): %v", err)
	}
	if err := r.OnDataFrame(encryptedDataFrame(t, r, 2, 2, "ccc")); err != nil {
		t.Fatalf("OnDataFrame(2): %v", err)
	}

	r.gapMu.Lock()
	_, stillTracked := r.gapSince[2]
	r.gapMu.Unlock()
	if stillTracked {
		t.Fatal("seq 2 drained, checkGaps should have stopped tracking it as a gap")
	}
	_ = control
}
