package transfer

import (
	"bytes"
	"testing"
)

func openTestChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := OpenChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("open chunk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChunkStorePutGetChunk(t *testing.T) {
	store := openTestChunkStore(t)

	if err := store.PutChunk("tx1", 0, []byte("chunk zero")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetChunk("tx1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("chunk zero")) {
		t.Errorf("got %q", got)
	}
	if !store.HasChunk("tx1", 0) {
		t.Error("HasChunk should report true")
	}
	if store.HasChunk("tx1", 1) {
		t.Error("HasChunk should report false for an unwritten seq")
	}
}

func TestChunkStorePutChunkIsIdempotent(t *testing.T) {
	store := openTestChunkStore(t)

	if err := store.PutChunk("tx1", 0, []byte("first")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := store.PutChunk("tx1", 0, []byte("second")); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err := store.GetChunk("tx1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("first")) {
		t.Errorf("got %q, want the original write to survive (%q)", got, "first")
	}
}

func TestChunkStoreGetAllAscendingOrder(t *testing.T) {
	store := openTestChunkStore(t)

	seqs := []uint32{3, 0, 2, 1}
	for _, seq := range seqs {
		if err := store.PutChunk("tx1", seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	// a second transfer's chunks must not leak into tx1's GetAll
	if err := store.PutChunk("tx2", 0, []byte("other transfer")); err != nil {
		t.Fatalf("put tx2: %v", err)
	}

	all, err := store.GetAll("tx1")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	for i, c := range all {
		if c.Seq != uint32(i) {
			t.Errorf("all[%d].Seq = %d, want %d", i, c.Seq, i)
		}
	}
}

func TestChunkStoreDeleteAllClearsChunksAndMeta(t *testing.T) {
	store := openTestChunkStore(t)

	if err := store.PutChunk("tx1", 0, []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutMeta("tx1", 1, 512, 1024, "file.bin"); err != nil {
		t.Fatalf("putmeta: %v", err)
	}

	if err := store.DeleteAll("tx1"); err != nil {
		t.Fatalf("deleteall: %v", err)
	}
	if store.HasChunk("tx1", 0) {
		t.Error("chunk should be gone after DeleteAll")
	}
	if _, _, _, _, found, err := store.GetMeta("tx1"); err != nil {
		t.Fatalf("getmeta: %v", err)
	} else if found {
		t.Error("meta should be gone after DeleteAll")
	}
}

func TestChunkStoreMetaResumeRoundTrip(t *testing.T) {
	store := openTestChunkStore(t)

	if _, _, _, _, found, err := store.GetMeta("tx1"); err != nil {
		t.Fatalf("getmeta: %v", err)
	} else if found {
		t.Error("GetMeta should report not-found before any PutMeta")
	}

	if err := store.PutMeta("tx1", 42, 654321, 999999, "movie.mkv"); err != nil {
		t.Fatalf("putmeta: %v", err)
	}
	nextExpected, nextOffset, totalSize, filename, found, err := store.GetMeta("tx1")
	if err != nil {
		t.Fatalf("getmeta: %v", err)
	}
	if !found {
		t.Fatal("expected meta to be found")
	}
	if nextExpected != 42 || nextOffset != 654321 || totalSize != 999999 || filename != "movie.mkv" {
		t.Errorf("got (%d, %d, %d, %q)", nextExpected, nextOffset, totalSize, filename)
	}
}
