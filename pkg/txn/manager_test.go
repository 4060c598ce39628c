package txn

import (
	"testing"
	"time"

	"github.com/leiko57/SikioDB/pkg/codec"
	"github.com/leiko57/SikioDB/pkg/page"
	"github.com/leiko57/SikioDB/pkg/wal"
)

func openManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	c, err := codec.New(false, nil)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	m, err := Open(dir+"/db.pages", dir+"/db.wal", c, page.DefaultOptions(), wal.DefaultOptions(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPutGetDelete(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	value, found, err := m.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(value) != "1" {
		t.Fatalf("Get = %q, %v, want 1, true", value, found)
	}

	tx = m.Begin(false)
	if err := tx.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	_, found, err = m.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if found {
		t.Fatalf("found = true after delete, want false")
	}
}

func TestMultiOpTransactionIsAtomic(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.Put([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("Put x: %v", err)
	}
	if err := tx.Put([]byte("y"), []byte("2")); err != nil {
		t.Fatalf("Put y: %v", err)
	}
	if err := tx.Delete([]byte("z")); err != nil {
		t.Fatalf("Delete z: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for _, want := range []struct {
		key, value string
		found      bool
	}{
		{"x", "1", true},
		{"y", "2", true},
		{"z", "", false},
	} {
		value, found, err := m.Get([]byte(want.key))
		if err != nil {
			t.Fatalf("Get(%q): %v", want.key, err)
		}
		if found != want.found || (found && string(value) != want.value) {
			t.Fatalf("Get(%q) = %q, %v, want %q, %v", want.key, value, found, want.value, want.found)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.PutWithTTL([]byte("k"), []byte("v"), time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("PutWithTTL: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	value, found, err := m.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	if !found || string(value) != "v" {
		t.Fatalf("Get before expiry = %q, %v, want v, true", value, found)
	}

	time.Sleep(40 * time.Millisecond)
	_, found, err = m.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if found {
		t.Fatalf("found = true after expiry, want false")
	}
}

func TestScanRangeIsOrdered(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	for _, k := range []string{"b", "a", "c"} {
		if err := tx.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%q): %v", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var got []string
	err := m.ScanRange([]byte("a"), func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestVerifyIntegrityCleanAfterCommit(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if bad := m.VerifyIntegrity(); len(bad) != 0 {
		t.Fatalf("VerifyIntegrity = %v, want empty", bad)
	}
}

// TestDegradedManagerRefusesReadsAndWrites checks that once a manager is
// marked degraded, Get, ScanRange and Commit all refuse to proceed instead
// of risking a read against a tree that a failed Sync left in an uncertain
// state.
func TestDegradedManagerRefusesReadsAndWrites(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()

	if _, _, err := m.Get([]byte("a")); err == nil {
		t.Fatal("Get succeeded on a degraded manager, want an error")
	}
	if err := m.ScanRange([]byte(""), func(key, value []byte) bool { return true }); err == nil {
		t.Fatal("ScanRange succeeded on a degraded manager, want an error")
	}
	tx2 := m.Begin(false)
	if err := tx2.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx2.Commit(); err == nil {
		t.Fatal("Commit succeeded on a degraded manager, want an error")
	}
}

// TestSyncFailureRevertsRootAndDegrades forces a real page.Store.Sync
// failure (by closing the backing file out from under an in-flight
// transaction) and checks that Commit puts the tree's root back to the
// last fully-flushed state instead of leaving it pointing at pages
// RollbackStaged is about to discard — the fix for a dangling-pointer
// panic on any Get/ScanRange performed through a page id that no longer
// resolves.
func TestSyncFailureRevertsRootAndDegrades(t *testing.T) {
	m := openManager(t)

	tx := m.Begin(false)
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rootBefore := m.tree.GetRoot()

	// Close the underlying file out from under the store so the next
	// Sync's pwrite/fsync calls fail with a bad-file-descriptor error,
	// simulating the disk-write failure this path is meant to survive.
	if err := m.store.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}

	tx2 := m.Begin(false)
	if err := tx2.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx2.Commit(); err == nil {
		t.Fatal("Commit succeeded despite a closed backing file")
	}

	if !m.Degraded() {
		t.Fatal("Degraded() = false after a Sync failure")
	}
	if got := m.tree.GetRoot(); got != rootBefore {
		t.Fatalf("tree root = %d after failed Sync, want reverted root %d", got, rootBefore)
	}

	if _, _, err := m.Get([]byte("a")); err == nil {
		t.Fatal("Get succeeded on a degraded manager, want an error")
	}
}

func TestReopenRecoversCommittedState(t *testing.T) {
	dir := t.TempDir()
	c, err := codec.New(false, nil)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	m, err := Open(dir+"/db.pages", dir+"/db.wal", c, page.DefaultOptions(), wal.DefaultOptions(), 0, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tx := m.Begin(false)
	if err := tx.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(dir+"/db.pages", dir+"/db.wal", c, page.DefaultOptions(), wal.DefaultOptions(), 0, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	value, found, err := m2.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !found || string(value) != "1" {
		t.Fatalf("Get after reopen = %q, %v, want 1, true", value, found)
	}
}
