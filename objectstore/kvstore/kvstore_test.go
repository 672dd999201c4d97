package kvstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBatchWriteThenGet(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	if err := b.Put(JointKey("unit1"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Write(WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, ok, err := s.Get(JointKey("unit1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(v) != `{"a":1}` {
		t.Fatalf("expected stored value, got %q ok=%v", v, ok)
	}
}

func TestBatchRollbackRestoresPriorValue(t *testing.T) {
	s := openTestStore(t)

	b1 := s.NewBatch()
	_ = b1.Put("k", []byte("v1"))
	if err := b1.Write(WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b2 := s.NewBatch()
	_ = b2.Put("k", []byte("v2"))
	if err := b2.Write(WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	v, ok, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("expected rollback to restore v1, got %q ok=%v", v, ok)
	}
}

func TestBatchRollbackDeletesNewKey(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	_ = b.Put("brand-new", []byte("x"))
	if err := b.Write(WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	_, ok, err := s.Get("brand-new")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected key introduced by rolled-back batch to be absent")
	}
}

func TestScanPrefixBoundsResultsToLimitPlusOne(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	for i := 0; i < 10; i++ {
		_ = b.Put(DataFeedKey("addr", "feed", "num", "v", uint32(i)), []byte("x"))
	}
	if err := b.Write(WriteOpts{Sync: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.ScanPrefix(PrefixDataFeed, "", 3)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected limit+1=4 results, got %d", len(got))
	}
}
