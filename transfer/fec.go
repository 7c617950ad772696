package transfer

import (
	"github.com/klauspost/reedsolomon"
	"github.com/vmihailenco/msgpack/v5"
)

// FECShardPayload is the msgpack body carried inside a FEC frame. Frame.Seq
// is the group's first data sequence number and Frame.Offset is the parity
// shard index; this payload carries everything else needed to rebuild a
// missing data shard: how many data shards the group has, their individual
// ciphertext lengths and file offsets (lost once padded to ShardSize), and
// the parity bytes themselves.
type FECShardPayload struct {
	DataCount uint32
	ShardSize uint32
	Lengths   []uint32
	Offsets   []uint32
	Data      []byte
}

// FECShardPayloadBytes msgpack-encodes a shard payload for use as a FEC
// frame's Payload field.
func FECShardPayloadBytes(p *FECShardPayload) ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodeFECShardPayload is the inverse of FECShardPayloadBytes.
func DecodeFECShardPayload(data []byte) (*FECShardPayload, error) {
	var p FECShardPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FECGroupSize is the number of data chunks covered by one parity group.
const FECGroupSize = 16

// FECParityShards is the number of Reed-Solomon parity shards generated per group.
const FECParityShards = 4

// FECEncoder produces parity shards for a group of data chunks, padded to a
// common shard size.
// FEC is advisory here (spec §4.6): a lost chunk the parity can't
// reconstruct just falls back to the normal retransmit path, it never
// blocks the transfer.
type FECEncoder struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewFECEncoder builds an encoder for the given data/parity shard counts.
func NewFECEncoder(dataShards, parityShards int) (*FECEncoder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &FECEncoder{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// FECGroup holds one group's data and parity shards plus enough metadata to
// re-derive which sequence numbers each data shard corresponds to.
type FECGroup struct {
	FirstSeq     uint32
	ShardSize    int
	DataShards   [][]byte
	ParityShards [][]byte
}

// Encode pads chunks to a common shard size and computes parity shards.
// chunks must be in sequence order starting at firstSeq.
func (fe *FECEncoder) Encode(firstSeq uint32, chunks [][]byte) (*FECGroup, error) {
	if len(chunks) != fe.dataShards {
		enc, err := reedsolomon.New(len(chunks), fe.parityShards)
		if err != nil {
			return nil, err
		}
		fe.enc = enc
		fe.dataShards = len(chunks)
	}

	shardSize := 0
	for _, c := range chunks {
		if len(c) > shardSize {
			shardSize = len(c)
		}
	}

	shards := make([][]byte, fe.dataShards+fe.parityShards)
	for i, c := range chunks {
		shard := make([]byte, shardSize)
		copy(shard, c)
		shards[i] = shard
	}
	for i := fe.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := fe.enc.Encode(shards); err != nil {
		return nil, err
	}

	return &FECGroup{
		FirstSeq:     firstSeq,
		ShardSize:    shardSize,
		DataShards:   shards[:fe.dataShards],
		ParityShards: shards[fe.dataShards:],
	}, nil
}

// Reconstruct attempts to recover missing data shards in place. shards must
// be laid out data-then-parity with nil entries marking what's missing; on
// success the previously-nil data shard slots are filled in.
func (fe *FECEncoder) Reconstruct(shards [][]byte) error {
	return fe.enc.Reconstruct(shards)
}

// FECDecoder mirrors FECEncoder on the receive side, tracking shard counts
// that may vary between the last (possibly short) group and earlier ones.
type FECDecoder struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewFECDecoder builds a decoder for the given data/parity shard counts.
func NewFECDecoder(dataShards, parityShards int) (*FECDecoder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &FECDecoder{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// Reconstruct fills in missing (nil) shards given however many data and
// parity shards survived. Returns an error if too few shards survived to
// reconstruct — callers should treat that as "fall back to retransmit",
// not as a fatal transfer error.
func (fd *FECDecoder) Reconstruct(dataShards int, shards [][]byte) ([][]byte, error) {
	if dataShards != fd.dataShards {
		enc, err := reedsolomon.New(dataShards, fd.parityShards)
		if err != nil {
			return nil, err
		}
		fd.enc = enc
		fd.dataShards = dataShards
	}
	if err := fd.enc.Reconstruct(shards); err != nil {
		return nil, err
	}
	return shards[:fd.dataShards], nil
}
