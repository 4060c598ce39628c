// ABOUTME: Tests for the restartable (leaf-pid, slot) range-scan cursor.
// ABOUTME: Covers SeekLE, Next, Scan and the cursor-export accessors.

package btree

import (
	"fmt"
	"testing"
)

func TestIteratorEmptyTree(t *testing.T) {
	c := newTestContext()
	iter := c.tree.NewIterator()

	if iter.SeekLE([]byte("key1")) {
		t.Error("SeekLE succeeded against an empty tree")
	}
	if iter.Valid() {
		t.Error("Valid() = true for an empty tree")
	}
	if iter.LeafPID() != 0 {
		t.Error("LeafPID() should be 0 with no path")
	}
}

func TestIteratorSeekLE(t *testing.T) {
	c := newTestContext()
	c.add("key1", "val1")
	c.add("key3", "val3")
	c.add("key5", "val5")

	iter := c.tree.NewIterator()

	if !iter.SeekLE([]byte("key3")) {
		t.Fatal("SeekLE failed")
	}
	if string(iter.Key()) != "key3" || string(iter.Val()) != "val3" {
		t.Errorf("seek to key3 landed on (%s, %s)", iter.Key(), iter.Val())
	}

	if !iter.SeekLE([]byte("key4")) {
		t.Fatal("SeekLE failed")
	}
	if string(iter.Key()) != "key3" {
		t.Errorf("seek to missing key4 landed on %s, want key3", iter.Key())
	}
}

// TestIteratorCursorExport checks that LeafPID is non-zero after a
// successful seek and that a second SeekLE to the same key reports the same
// (LeafPID, Slot) pair.
func TestIteratorCursorExport(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 30; i++ {
		c.add(fmt.Sprintf("key%02d", i), fmt.Sprintf("val%02d", i))
	}

	iter := c.tree.NewIterator()
	if !iter.SeekLE([]byte("key15")) {
		t.Fatal("SeekLE failed")
	}
	pid, slot := iter.LeafPID(), iter.Slot()
	if pid == 0 {
		t.Error("LeafPID() = 0 after a successful seek")
	}

	resumed := c.tree.NewIterator()
	if !resumed.SeekLE([]byte("key15")) {
		t.Fatal("resumed SeekLE failed")
	}
	if resumed.LeafPID() != pid || resumed.Slot() != slot {
		t.Errorf("cursor (%d,%d) != re-derived cursor (%d,%d)", pid, slot, resumed.LeafPID(), resumed.Slot())
	}
}

func TestIteratorNextWalksAllKeysInOrder(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 10; i++ {
		c.add(fmt.Sprintf("key%02d", i), fmt.Sprintf("val%02d", i))
	}

	iter := c.tree.NewIterator()
	if !iter.SeekLE([]byte("key00")) {
		t.Fatal("SeekLE failed")
	}

	count := 0
	for iter.Valid() {
		wantKey := fmt.Sprintf("key%02d", count)
		wantVal := fmt.Sprintf("val%02d", count)
		if string(iter.Key()) != wantKey || string(iter.Val()) != wantVal {
			t.Errorf("at %d: got (%s,%s), want (%s,%s)", count, iter.Key(), iter.Val(), wantKey, wantVal)
		}
		count++
		if count < 10 {
			if !iter.Next() {
				t.Fatalf("Next() failed before the last key, at index %d", count)
			}
		} else if iter.Next() {
			t.Error("Next() succeeded past the last key")
		}
	}
	if count != 10 {
		t.Errorf("walked %d keys, want 10", count)
	}
}

func TestScanBoundedRange(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 20; i++ {
		c.add(fmt.Sprintf("key%02d", i), fmt.Sprintf("val%02d", i))
	}

	results := make(map[string]string)
	c.tree.Scan([]byte("key05"), func(key, val []byte) bool {
		if string(key) > "key15" {
			return false
		}
		results[string(key)] = string(val)
		return true
	})

	if len(results) != 11 {
		t.Errorf("scanned %d entries, want 11", len(results))
	}
	for i := 5; i <= 15; i++ {
		key := fmt.Sprintf("key%02d", i)
		if val, ok := results[key]; !ok || val != fmt.Sprintf("val%02d", i) {
			t.Errorf("missing or wrong entry for %s: %q", key, val)
		}
	}
}

func TestScanCoversLargeTree(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 100; i++ {
		c.add(fmt.Sprintf("key%03d", i), fmt.Sprintf("val%03d", i))
	}

	count := 0
	c.tree.Scan([]byte("key000"), func(key, val []byte) bool {
		count++
		return true
	})
	if count != 100 {
		t.Errorf("scanned %d keys, want 100", count)
	}
}

func TestScanStopsEarlyWhenCallbackReturnsFalse(t *testing.T) {
	c := newTestContext()
	for i := 0; i < 50; i++ {
		c.add(fmt.Sprintf("key%03d", i), fmt.Sprintf("val%03d", i))
	}

	count := 0
	c.tree.Scan([]byte("key010"), func(key, val []byte) bool {
		count++
		return count < 10
	})
	if count != 10 {
		t.Errorf("scanned %d keys before stopping, want 10", count)
	}
}

// TestScanSkipsOverflowIndirectionTransparently confirms Scan hands the raw
// descriptor bytes to its callback unmodified — decoding inline-vs-overflow
// is the txn manager's job (pkg/txn/manager.go's ScanRange), not the tree's.
func TestScanSkipsOverflowIndirectionTransparently(t *testing.T) {
	c := newTestContext()
	c.tree.Insert([]byte("a"), EncodeInline([]byte("small")))
	c.tree.Insert([]byte("b"), EncodeOverflow(99))

	var gotA, gotB []byte
	c.tree.Scan([]byte("a"), func(key, val []byte) bool {
		switch string(key) {
		case "a":
			gotA = val
		case "b":
			gotB = val
		}
		return true
	})

	if IsOverflow(gotA) {
		t.Error("key a should carry an inline descriptor")
	}
	if !IsOverflow(gotB) || OverflowHead(gotB) != 99 {
		t.Error("key b should carry an overflow descriptor pointing at page 99")
	}
}
