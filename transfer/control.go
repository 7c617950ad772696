package transfer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ControlKind tags the control message carried inside a CONTROL frame's payload.
type ControlKind string

const (
	ControlMetadata    ControlKind = "METADATA"
	ControlStart       ControlKind = "START_TRANSFER"
	ControlResumeFrom  ControlKind = "RESUME_FROM"
	ControlBatchAck    ControlKind = "CHUNK_BATCH_ACK"
	ControlRetransmit  ControlKind = "RETRANSMIT_REQUEST"
	ControlKeyExchange ControlKind = "KEY"
	ControlReady       ControlKind = "READY"
	ControlHash        ControlKind = "HASH"
	ControlEnd         ControlKind = "END"
	ControlError       ControlKind = "ERROR"
	ControlPing        ControlKind = "PING"
	ControlPong        ControlKind = "PONG"
)

// ControlEnvelope is the outer shape every control message takes on the
// wire: a kind tag plus a kind-specific body, msgpack-encoded. Keeping a
// flat envelope (rather than one struct per kind registered with a codec)
// mirrors how the example pack's msgpack users keep their wire types —
// plain structs, no custom (en/de)coders.
type ControlEnvelope struct {
	Kind ControlKind
	Body []byte
}

// MetadataMessage announces the file being offered, sent by the sender
// once a session reaches READY.
type MetadataMessage struct {
	TransferID string
	Filename   string
	FileSize   int64
	ChunkCount int64
}

// StartTransferMessage is the receiver's go-ahead to begin sending DATA frames.
type StartTransferMessage struct {
	TransferID string
}

// ResumeFromMessage tells the sender to skip ahead to a byte offset / seq
// on reconnect, driven by the receiver's chunk store (see chunkstore.go).
type ResumeFromMessage struct {
	TransferID  string
	NextSeq     uint32
	NextOffset  int64
}

// AckRange is one coalesced contiguous range of acknowledged sequence numbers.
type AckRange struct {
	Start uint32
	End   uint32 // inclusive
}

// ChunkBatchAckMessage is the receiver's batched SACK, flushed at
// SACKBatchSize chunks or SACKBatchTimeout, whichever comes first. Both
// conditions are checked only when the receiver handles a DATA frame (or
// rebuilds one from FEC); there is no standalone timer, so a partial batch
// waits for the next frame or for END.
type ChunkBatchAckMessage struct {
	TransferID string
	Ranges     []AckRange
}

// RetransmitRequestMessage asks the sender to resend specific sequence numbers.
type RetransmitRequestMessage struct {
	TransferID string
	Seqs       []uint32
}

// KeyExchangeMessage carries the ECDH public key material used to derive
// the transfer's AES-GCM key via HKDF (see crypto.go). The shared secret
// itself never crosses the wire.
type KeyExchangeMessage struct {
	TransferID string
	PublicKey  []byte
}

// ReadyMessage signals a peer has accepted the offer and derived the shared key.
type ReadyMessage struct {
	TransferID string
}

// HashMessage carries the streaming SHA-256 of the whole plaintext file,
// sent encrypted once every DATA frame has been acknowledged (verification
// is warn-and-deliver, not fail-closed — see Receiver.OnHash).
type HashMessage struct {
	TransferID string
	SHA256     []byte
}

// EndMessage marks the end of a transfer from the sender's perspective.
type EndMessage struct {
	TransferID string
}

// ErrorMessage carries a human-readable failure reason for the peer to log / surface.
type ErrorMessage struct {
	TransferID string
	Reason     string
}

// PingMessage / PongMessage are RTT probes, independent of any in-flight transfer.
type PingMessage struct {
	Nonce int64
}

type PongMessage struct {
	Nonce int64
}

// EncodeControl msgpack-encodes a control body and wraps it in an envelope.
func EncodeControl(kind ControlKind, body interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(body)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&ControlEnvelope{Kind: kind, Body: b})
}

// DecodeControlEnvelope unwraps the outer envelope; callers then decode
// Body into the struct matching Kind.
func DecodeControlEnvelope(data []byte) (*ControlEnvelope, error) {
	var env ControlEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodeEncryptedControlEnvelope decrypts f's payload when it is flagged
// encrypted (via ChunkCipher.DecryptControl's random-nonce scheme) before
// unwrapping the envelope, and passes plaintext payloads straight to
// DecodeControlEnvelope. cipher may be nil only when f is known not to be
// encrypted (e.g. during key exchange, before a shared key exists).
func DecodeEncryptedControlEnvelope(f *Frame, cipher *ChunkCipher) (*ControlEnvelope, error) {
	if f.Flags&FlagEncrypted == 0 {
		return DecodeControlEnvelope(f.Payload)
	}
	if cipher == nil {
		return nil, ErrSharedKeyMissing
	}
	plaintext, err := cipher.DecryptControl(f.Payload)
	if err != nil {
		return nil, err
	}
	return DecodeControlEnvelope(plaintext)
}

// DecodeControlBody unmarshals an envelope's body into dst.
func DecodeControlBody(env *ControlEnvelope, dst interface{}) error {
	return msgpack.Unmarshal(env.Body, dst)
}
