package page

import (
	"path/filepath"
	"testing"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.pages")

	s, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := make([]byte, 32)
	copy(payload, "hello page store")
	pid := s.Allocate(TypeBTreeLeaf, payload)
	if err := s.Sync(1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	meta := Meta{Root: pid, NextPageID: s.NextPageID(), LastDurableLSN: 1, Freelist: s.FreelistState()}
	if err := s.InitMeta(meta); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	m, ok, _, err := s2.LoadMeta()
	if err != nil || !ok {
		t.Fatalf("LoadMeta: ok=%v err=%v", ok, err)
	}
	if m.Root != pid {
		t.Fatalf("root = %d, want %d", m.Root, pid)
	}
	got := s2.ReadPage(m.Root)
	if string(got[:len(payload)]) != string(payload) {
		t.Fatalf("payload mismatch: %q", got[:len(payload)])
	}
}

func TestStoreFreeListReuse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.pages")
	s, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var ids []uint64
	for i := 0; i < 20; i++ {
		ids = append(ids, s.Allocate(TypeBTreeLeaf, []byte{byte(i)}))
	}
	if err := s.Sync(1); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	s.CommitFreed()

	// Free half the pages, then commit so they become reusable.
	s.BeginTx()
	for i, pid := range ids {
		if i%2 == 0 {
			s.Free(pid)
		}
	}
	before := s.NextPageID()
	if err := s.Sync(2); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	s.CommitFreed()

	reused := s.Allocate(TypeBTreeLeaf, []byte("reused"))
	if reused >= before {
		t.Fatalf("expected a freed page id to be reused, got new page %d (next was %d)", reused, before)
	}
}

func TestPageCRCDetectsCorruption(t *testing.T) {
	r := pack(TypeBTreeLeaf, 5, []byte("abc"))
	r[HeaderSize] ^= 0xFF // corrupt one payload byte
	if _, _, _, ok := verify(r); ok {
		t.Fatalf("verify: expected corruption to be detected")
	}
}
