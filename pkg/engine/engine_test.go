package engine

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Name == "" {
		opts.Name = uuid.NewString()
	}
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutGetDelete(t *testing.T) {
	e := openEngine(t, Options{})

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, found, err := e.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(value) != "1" {
		t.Fatalf("Get = %q, %v, want 1, true", value, found)
	}

	existed, err := e.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatalf("existed = false, want true")
	}
	existed, err = e.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete second time: %v", err)
	}
	if existed {
		t.Fatalf("existed = true on second delete, want false")
	}
}

func TestBadInputRejectsEmptyKey(t *testing.T) {
	e := openEngine(t, Options{})
	if err := e.Put(nil, []byte("v")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestBadInputRejectsOversizedValue(t *testing.T) {
	e := openEngine(t, Options{MaxValueSize: 4})
	if err := e.Put([]byte("k"), []byte("toolong")); err == nil {
		t.Fatalf("expected error for oversized value")
	}
}

func TestPutWithTTLExpires(t *testing.T) {
	e := openEngine(t, Options{})

	if err := e.PutWithTTL([]byte("k"), []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL: %v", err)
	}
	_, found, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	if !found {
		t.Fatalf("found = false before expiry, want true")
	}

	time.Sleep(40 * time.Millisecond)
	_, found, err = e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if found {
		t.Fatalf("found = true after expiry, want false")
	}
}

func TestCommitTransactionAtomic(t *testing.T) {
	e := openEngine(t, Options{})

	ops := []TxOp{
		{Key: []byte("x"), Value: []byte("1")},
		{Key: []byte("y"), Value: []byte("2")},
		{Delete: true, Key: []byte("z")},
	}
	if err := e.CommitTransaction(ops); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	value, found, err := e.Get([]byte("x"))
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("Get(x) = %q, %v, %v", value, found, err)
	}
	_, found, err = e.Get([]byte("z"))
	if err != nil || found {
		t.Fatalf("Get(z) found = %v, err = %v, want false, nil", found, err)
	}
}

func TestScanRangeRespectsHiAndLimit(t *testing.T) {
	e := openEngine(t, Options{})

	for _, k := range []string{"b", "a", "c", "d"} {
		if err := e.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%q): %v", k, err)
		}
	}

	var got []string
	err := e.ScanRange([]byte("a"), []byte("d"), 2, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
}

func TestPutBatchCommitsAllPairs(t *testing.T) {
	e := openEngine(t, Options{})

	var buf bytes.Buffer
	var lenPrefix [4]byte
	keys := []string{"k1", "k2", "k3"}
	for _, k := range keys {
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(k)))
		buf.Write(lenPrefix[:])
		buf.WriteString(k)
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(k)))
		buf.Write(lenPrefix[:])
		buf.WriteString(k)
	}

	n, err := e.PutBatch(buf.Bytes())
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if n != len(keys) {
		t.Fatalf("n = %d, want %d", n, len(keys))
	}
	for _, k := range keys {
		value, found, err := e.Get([]byte(k))
		if err != nil || !found || string(value) != k {
			t.Fatalf("Get(%q) = %q, %v, %v", k, value, found, err)
		}
	}
}

func TestVerifyIntegrityCleanAfterWrites(t *testing.T) {
	e := openEngine(t, Options{})
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	bad, err := e.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("bad = %v, want empty", bad)
	}
}

func TestAltStoreModeServesPutGet(t *testing.T) {
	e := openEngine(t, Options{UseAltStore: true})
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, found, err := e.Get([]byte("a"))
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("Get = %q, %v, %v", value, found, err)
	}
}

func TestSecondClientIsFollowerAndCanProxyWrites(t *testing.T) {
	name := uuid.NewString()
	dir := t.TempDir()

	leader := openEngine(t, Options{Name: name, DataDir: dir})
	follower := openEngine(t, Options{Name: name, DataDir: dir})

	if leader.mode != ModeLeader {
		t.Fatalf("first client mode = %v, want leader", leader.mode)
	}
	if follower.mode != ModeFollower {
		t.Fatalf("second client mode = %v, want follower", follower.mode)
	}

	if err := follower.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("follower Put: %v", err)
	}
	value, found, err := leader.Get([]byte("k"))
	if err != nil || !found || string(value) != "v" {
		t.Fatalf("leader Get after follower Put = %q, %v, %v", value, found, err)
	}
}
