package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender drives the outbound half of a transfer: offering a file,
// negotiating keys, streaming DATA frames across a ChannelSet under a
// sliding window and token-bucket pace, and retransmitting chunks that stay
// unacknowledged past their backoff deadline or that the receiver asks for
// in a RETRANSMIT_REQUEST. Grounded on the teacher's chunked_transfer.go
// send loop, generalized from a fixed chunk count/single QUIC stream to a
// variable chunk size and a multi-channel ChannelSet.
type Sender struct {
	session    *Session
	transferID string
	filePath   string
	fileSize   int64
	stats      *TransferStats
	progress   *ProgressTracker

	channels *ChannelSet
	control  ControlChannel

	keyExchange *KeyExchange
	cipher      *ChunkCipher

	inflight    *InflightTable
	rtt         *RTTWindow
	bucket      *TokenBucket
	windowSize  int
	chunkSize   int

	nextSeq   uint32
	nextOffset int64
	mu        sync.Mutex

	hash *StreamingHash

	fecEncoder   *FECEncoder
	fecGroupSeq  uint32
	fecSeqs      []uint32
	fecOffsets   []uint32
	fecLengths   []uint32
	fecShards    [][]byte

	done chan struct{}
	err  error
}

// NewSender prepares a sender for filePath, not yet connected to any channel.
func NewSender(filePath string, control ControlChannel) (*Sender, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	transferID := uuid.NewString()
	ke, err := NewKeyExchange()
	if err != nil {
		return nil, err
	}

	return &Sender{
		session:    NewSession(transferID),
		transferID: transferID,
		filePath:   filePath,
		fileSize:   info.Size(),
		stats:      NewTransferStats(filepath.Base(filePath), info.Size(), "", "sent"),
		progress:   NewProgressTracker(filepath.Base(filePath), info.Size(), "sent", ProgressStyleSimple),
		control:    control,
		keyExchange: ke,
		inflight:   NewInflightTable(),
		rtt:        NewRTTWindow(32),
		bucket:     NewTokenBucket(TokenBucketCapacity),
		windowSize: WindowSizeSlow,
		chunkSize:  ChunkSizeMin,
		hash:       NewStreamingHash(),
		done:       make(chan struct{}),
	}, nil
}

// AttachChannels binds the data channels this sender dispatches DATA frames across.
func (s *Sender) AttachChannels(channels []DataChannel) {
	s.channels = NewChannelSet(channels)
}

// OfferFile announces the file over the control channel and moves the
// session into WAITING. The caller is expected to have already set up
// control.OnFrame to route replies into OnKeyExchange, OnStartTransfer,
// OnResumeFrom, OnSack and OnRetransmitRequest.
func (s *Sender) OfferFile() error {
	if err := s.session.TransitionTo(StateWaiting); err != nil {
		return err
	}
	payload, err := EncodeControl(ControlMetadata, &MetadataMessage{
		TransferID: s.transferID,
		Filename:   filepath.Base(s.filePath),
		FileSize:   s.fileSize,
	})
	if err != nil {
		return err
	}
	frame := NewControlFrame(0, payload, false).Encode()
	return s.control.SendFrame(frame)
}

// OnKeyExchange handles the receiver's KEY control message: derives the
// shared key, replies with its own public key, and marks the session READY.
func (s *Sender) OnKeyExchange(msg *KeyExchangeMessage) error {
	secret, err := s.keyExchange.DeriveSharedSecret(msg.PublicKey)
	if err != nil {
		return err
	}
	key, err := DeriveTransferKey(secret, s.transferID)
	if err != nil {
		return err
	}
	cipher, err := NewChunkCipher(key)
	if err != nil {
		return err
	}
	s.cipher = cipher
	s.session.SetSharedKeyEstablished()

	reply, err := EncodeControl(ControlKeyExchange, &KeyExchangeMessage{
		TransferID: s.transferID,
		PublicKey:  s.keyExchange.PublicKeyBytes(),
	})
	if err != nil {
		return err
	}
	if err := s.control.SendFrame(NewControlFrame(0, reply, false).Encode()); err != nil {
		return err
	}
	return s.session.TransitionTo(StateReady)
}

// OnStartTransfer begins streaming DATA frames once the receiver signals
// START_TRANSFER. Runs until the file is fully sent, acked, and HASH/END
// are flushed, or ctx is canceled.
func (s *Sender) OnStartTransfer(ctx context.Context, msg *StartTransferMessage) error {
	if err := s.session.TransitionTo(StateTransferring); err != nil {
		return err
	}
	return s.run(ctx, 0, 0)
}

// OnResumeFrom restarts streaming from a sequence/offset the receiver's
// chunk store reports as its resume point (spec §5).
func (s *Sender) OnResumeFrom(ctx context.Context, msg *ResumeFromMessage) error {
	if err := s.session.TransitionTo(StateTransferring); err != nil {
		return err
	}
	return s.run(ctx, msg.NextSeq, msg.NextOffset)
}

func (s *Sender) run(ctx context.Context, startSeq uint32, startOffset int64) error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	s.mu.Lock()
	s.nextSeq = startSeq
	s.nextOffset = startOffset
	s.mu.Unlock()

	if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
		return err
	}

	retransmitTicker := time.NewTicker(200 * time.Millisecond)
	defer retransmitTicker.Stop()

	eof := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retransmitTicker.C:
			s.scanRetransmits()
		default:
		}

		mean := s.rtt.Mean()
		s.mu.Lock()
		s.windowSize = WindowTier(mean)
		s.chunkSize = ChunkSizeTier(mean)
		s.mu.Unlock()
		s.bucket.UpdateFillRate(s.rtt)

		if !eof && s.inflight.Len() < s.windowSize {
			sent, ferr := s.sendNextChunk(file)
			if ferr == io.EOF {
				eof = true
			} else if ferr != nil {
				return ferr
			} else if !sent {
				time.Sleep(2 * time.Millisecond)
			}
			continue
		}

		if eof && s.inflight.Len() == 0 {
			return s.finish()
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// sendNextChunk reads and sends exactly one chunk starting at the sender's
// current offset. Reading is seek-based rather than relying on the file's
// running position, because a chunk whose SendFrame fails is dropped
// without advancing the offset (returning false, nil) and read again on the
// next call — a sequential Read would otherwise have already consumed those
// bytes from the stream.
func (s *Sender) sendNextChunk(file *os.File) (bool, error) {
	s.mu.Lock()
	seq := s.nextSeq
	offset := s.nextOffset
	size := s.chunkSize
	s.mu.Unlock()

	if !s.bucket.Allow(int64(size)) {
		return false, nil
	}
	idx, ch := s.channels.Select()
	if idx == -1 {
		return false, nil
	}

	buf := ChunkBufferPoolFor(size).Get()
	defer ChunkBufferPoolFor(size).Put(buf)

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return false, err
	}
	n, err := file.Read(buf[:size])
	if n == 0 {
		if err == io.EOF || err == nil {
			return false, io.EOF
		}
		return false, err
	}
	plaintext := buf[:n]
	s.hash.Write(plaintext)

	ciphertext, cerr := s.cipher.Encrypt(seq, plaintext)
	if cerr != nil {
		return false, cerr
	}

	frame := NewDataFrame(seq, uint32(offset), ciphertext, true).Encode()
	if serr := ch.SendFrame(frame); serr != nil {
		s.channels.MarkClosed(idx)
		return false, nil
	}

	s.hash.Write(plaintext)
	s.inflight.Add(seq, offset, ciphertext)
	s.stats.AddBytesSent(int64(n))
	s.bufferFECShard(seq, offset, ciphertext)

	s.mu.Lock()
	s.nextSeq++
	s.nextOffset += int64(n)
	s.mu.Unlock()

	if err == io.EOF {
		return true, io.EOF
	}
	return true, nil
}

// bufferFECShard accumulates one sent chunk's ciphertext into the current
// FEC group, flushing parity frames once the group reaches FECGroupSize.
// FEC is advisory (spec §4.6): the receiver falls back to its normal
// retransmit-request path for anything it can't reconstruct, so a failure
// here never holds up the transfer.
func (s *Sender) bufferFECShard(seq uint32, offset int64, ciphertext []byte) {
	if len(s.fecSeqs) == 0 {
		s.fecGroupSeq = seq
	}
	s.fecSeqs = append(s.fecSeqs, seq)
	s.fecOffsets = append(s.fecOffsets, uint32(offset))
	s.fecLengths = append(s.fecLengths, uint32(len(ciphertext)))
	shard := make([]byte, len(ciphertext))
	copy(shard, ciphertext)
	s.fecShards = append(s.fecShards, shard)

	if len(s.fecShards) >= FECGroupSize {
		s.flushFECGroup()
	}
}

func (s *Sender) flushFECGroup() {
	if len(s.fecShards) == 0 {
		return
	}
	if s.fecEncoder == nil {
		enc, err := NewFECEncoder(len(s.fecShards), FECParityShards)
		if err != nil {
			s.resetFECGroup()
			return
		}
		s.fecEncoder = enc
	}

	group, err := s.fecEncoder.Encode(s.fecGroupSeq, s.fecShards)
	if err != nil {
		s.resetFECGroup()
		return
	}

	for i, parity := range group.ParityShards {
		payload, err := FECShardPayloadBytes(&FECShardPayload{
			DataCount: uint32(len(s.fecShards)),
			ShardSize: uint32(group.ShardSize),
			Lengths:   append([]uint32{}, s.fecLengths...),
			Offsets:   append([]uint32{}, s.fecOffsets...),
			Data:      parity,
		})
		if err != nil {
			continue
		}
		frame := NewFECFrame(s.fecGroupSeq, uint32(i), payload).Encode()
		idx, ch := s.channels.Select()
		if idx == -1 {
			continue
		}
		if err := ch.SendFrame(frame); err != nil {
			s.channels.MarkClosed(idx)
		}
	}
	s.resetFECGroup()
}

func (s *Sender) resetFECGroup() {
	s.fecSeqs = nil
	s.fecOffsets = nil
	s.fecLengths = nil
	s.fecShards = nil
}

func (s *Sender) scanRetransmits() {
	retry, failed := s.inflight.DueForRetry(time.Now())
	for _, c := range retry {
		if c.Attempts == SoftRetryLimit+1 && s.inflight.SoftRetriesExceeded(c.Seq) {
			fmt.Printf("warning: chunk %d exceeded the soft retry limit (%d attempts)\n", c.Seq, c.Attempts)
		}
		idx, ch := s.channels.Select()
		if idx == -1 {
			continue
		}
		frame := NewDataFrame(c.Seq, uint32(c.Offset), c.Payload, true).Encode()
		if err := ch.SendFrame(frame); err == nil {
			s.stats.AddRetry()
		} else {
			s.channels.MarkClosed(idx)
		}
	}
	if len(failed) > 0 {
		s.fail(ErrPeerUnresponsive)
	}
}

// OnSack removes acknowledged ranges from the inflight table and folds
// their RTT samples into the flow controller.
func (s *Sender) OnSack(msg *ChunkBatchAckMessage) {
	for _, r := range msg.Ranges {
		for _, rtt := range s.inflight.AckRange(r.Start, r.End) {
			s.rtt.Insert(rtt)
			s.stats.UpdateRTT(rtt)
		}
	}
}

// OnRetransmitRequest resends specific sequence numbers the receiver
// explicitly asked for, outside the normal timeout-driven retransmit scan.
func (s *Sender) OnRetransmitRequest(msg *RetransmitRequestMessage) {
	for _, seq := range msg.Seqs {
		c, ok := s.inflight.Get(seq)
		if !ok {
			continue
		}
		idx, ch := s.channels.Select()
		if idx == -1 {
			continue
		}
		frame := NewDataFrame(c.Seq, uint32(c.Offset), c.Payload, true).Encode()
		if err := ch.SendFrame(frame); err == nil {
			s.stats.AddRetry()
		}
	}
}

func (s *Sender) finish() error {
	s.flushFECGroup()

	digest := s.hash.Sum()
	payload, err := EncodeControl(ControlHash, &HashMessage{TransferID: s.transferID, SHA256: digest})
	if err != nil {
		return err
	}
	ciphertext, err := s.cipher.EncryptControl(payload)
	if err != nil {
		return err
	}
	if err := s.control.SendFrame(NewControlFrame(0, ciphertext, true).Encode()); err != nil {
		return err
	}

	endPayload, err := EncodeControl(ControlEnd, &EndMessage{TransferID: s.transferID})
	if err != nil {
		return err
	}
	if err := s.control.SendFrame(NewControlFrame(0, endPayload, false).Encode()); err != nil {
		return err
	}

	s.stats.MarkCompleted()
	s.progress.PrintSummary("completed", "")
	if err := s.session.TransitionTo(StateComplete); err != nil {
		return err
	}
	close(s.done)
	return nil
}

func (s *Sender) fail(reason error) {
	s.err = reason
	s.stats.MarkFailed(reason.Error())
	s.session.TransitionTo(StateFailed)
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Wait blocks until the transfer completes or fails, returning any failure reason.
func (s *Sender) Wait() error {
	<-s.done
	return s.err
}

// Cipher returns the sender's chunk cipher, established once key exchange
// completes, so control-plane frames flagged encrypted can be encrypted
// before they are sent.
func (s *Sender) Cipher() *ChunkCipher {
	return s.cipher
}
