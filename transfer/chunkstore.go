package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ChunkStore durably persists received chunk payloads keyed by transfer ID
// and sequence number, so a crashed or restarted receiver can resume a
// transfer instead of starting over (spec §5). Grounded on the chunk/key
// split in the example pack's badger-backed file store (FileNode/ChonkNode
// in aoiflux-globes), adapted from a content-hash key to a
// transferID+seq key since chunks here are identified by position, not content.
type ChunkStore struct {
	db *badger.DB
}

// chunkMeta is the small per-transfer sidecar record tracking resume state.
// NextOffset is the file byte offset immediately after the last chunk
// written to disk — distinct from NextExpectedSeq, since a receiver resumes
// the sender not just at a sequence number but at the exact byte position
// the source file must be re-read from.
type chunkMeta struct {
	NextExpectedSeq uint32 `json:"next_expected_seq"`
	NextOffset      int64  `json:"next_offset"`
	TotalSize       int64  `json:"total_size"`
	Filename        string `json:"filename"`
}

// OpenChunkStore opens (creating if necessary) a badger database at dir.
func OpenChunkStore(dir string) (*ChunkStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	return &ChunkStore{db: db}, nil
}

// Close releases the underlying database.
func (cs *ChunkStore) Close() error {
	return cs.db.Close()
}

func chunkKey(transferID string, seq uint32) []byte {
	key := make([]byte, len(transferID)+1+4)
	copy(key, transferID)
	key[len(transferID)] = ':'
	binary.BigEndian.PutUint32(key[len(transferID)+1:], seq)
	return key
}

func metaKey(transferID string) []byte {
	return []byte("meta:" + transferID)
}

// PutChunk stores a chunk payload idempotently: writing the same
// (transferID, seq) twice is a no-op that never loses a payload already
// on disk, which matters since a retransmitted chunk may arrive after the
// original one was already persisted.
func (cs *ChunkStore) PutChunk(transferID string, seq uint32, payload []byte) error {
	return cs.db.Update(func(txn *badger.Txn) error {
		key := chunkKey(transferID, seq)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return txn.Set(key, cp)
	})
}

// GetChunk retrieves a single chunk's payload.
func (cs *ChunkStore) GetChunk(transferID string, seq uint32) ([]byte, error) {
	var out []byte
	err := cs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(transferID, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasChunk reports whether a chunk is already persisted.
func (cs *ChunkStore) HasChunk(transferID string, seq uint32) bool {
	err := cs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(transferID, seq))
		return err
	})
	return err == nil
}

// SeqChunk pairs a sequence number with its payload, returned by GetAll in ascending seq order.
type SeqChunk struct {
	Seq     uint32
	Payload []byte
}

// GetAll returns every chunk stored for a transfer in ascending sequence
// order, using badger's key ordering since seq is encoded big-endian
// directly into the key suffix.
func (cs *ChunkStore) GetAll(transferID string) ([]SeqChunk, error) {
	var out []SeqChunk
	prefix := []byte(transferID + ":")
	err := cs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			seq := binary.BigEndian.Uint32(key[len(prefix):])
			err := item.Value(func(val []byte) error {
				out = append(out, SeqChunk{Seq: seq, Payload: append([]byte{}, val...)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteAll removes every chunk and the metadata sidecar for a transfer,
// called once a transfer completes or is abandoned.
func (cs *ChunkStore) DeleteAll(transferID string) error {
	prefix := []byte(transferID + ":")
	return cs.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(metaKey(transferID))
	})
}

// PutMeta atomically updates the resume sidecar for a transfer.
func (cs *ChunkStore) PutMeta(transferID string, nextExpected uint32, nextOffset int64, totalSize int64, filename string) error {
	m := chunkMeta{NextExpectedSeq: nextExpected, NextOffset: nextOffset, TotalSize: totalSize, Filename: filename}
	b, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	return cs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(transferID), b)
	})
}

// GetMeta retrieves the resume sidecar for a transfer, if any.
func (cs *ChunkStore) GetMeta(transferID string) (nextExpected uint32, nextOffset int64, totalSize int64, filename string, found bool, err error) {
	err = cs.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(metaKey(transferID))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		found = true
		return item.Value(func(val []byte) error {
			var m chunkMeta
			if uerr := json.Unmarshal(val, &m); uerr != nil {
				return uerr
			}
			nextExpected = m.NextExpectedSeq
			nextOffset = m.NextOffset
			totalSize = m.TotalSize
			filename = m.Filename
			return nil
		})
	})
	return
}
