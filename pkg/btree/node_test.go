// ABOUTME: Unit tests for the raw leaf/internal node byte layout.
// ABOUTME: Covers header packing, KV slot access, and value-descriptor round trips.

package btree

import (
	"bytes"
	"testing"
)

func TestNodeHeaderRoundTrip(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_LEAF, 3)

	if node.btype() != BNODE_LEAF {
		t.Errorf("btype() = %d, want %d", node.btype(), BNODE_LEAF)
	}
	if node.nkeys() != 3 {
		t.Errorf("nkeys() = %d, want 3", node.nkeys())
	}
}

func TestNodePointerSlots(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_NODE, 3)

	node.setPtr(0, 100)
	node.setPtr(1, 200)
	node.setPtr(2, 300)

	for i, want := range []uint64{100, 200, 300} {
		if got := node.getPtr(uint16(i)); got != want {
			t.Errorf("getPtr(%d) = %d, want %d", i, got, want)
		}
	}
}

// TestNodeStoresValueDescriptors checks that a leaf slot round-trips the
// encoded descriptor bytes Insert actually stores (inline or overflow),
// not a raw user value — the node layer is oblivious to which kind it is.
func TestNodeStoresValueDescriptors(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_LEAF, 2)

	nodeAppendKV(node, 0, 0, []byte("k1"), EncodeInline([]byte("small")))
	nodeAppendKV(node, 1, 0, []byte("k2"), EncodeOverflow(7))

	d0 := node.getVal(0)
	if IsOverflow(d0) || !bytes.Equal(Inline(d0), []byte("small")) {
		t.Errorf("slot 0 descriptor mismatch: %v", d0)
	}
	d1 := node.getVal(1)
	if !IsOverflow(d1) || OverflowHead(d1) != 7 {
		t.Errorf("slot 1 descriptor mismatch: %v", d1)
	}
}

func TestNodeAppendMultipleKVs(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_LEAF, 3)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	vals := [][]byte{[]byte("val_a"), []byte("val_b"), []byte("val_c")}

	for i := 0; i < 3; i++ {
		nodeAppendKV(node, uint16(i), 0, keys[i], vals[i])
	}

	for i := 0; i < 3; i++ {
		if got := node.getKey(uint16(i)); !bytes.Equal(got, keys[i]) {
			t.Errorf("key %d: got %s, want %s", i, got, keys[i])
		}
		if got := node.getVal(uint16(i)); !bytes.Equal(got, vals[i]) {
			t.Errorf("val %d: got %s, want %s", i, got, vals[i])
		}
	}
}

func TestNodeLookupLE(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_LEAF, 4)

	keys := [][]byte{[]byte("a"), []byte("c"), []byte("e"), []byte("g")}
	for i, key := range keys {
		nodeAppendKV(node, uint16(i), 0, key, []byte("val"))
	}

	cases := []struct {
		search []byte
		want   uint16
	}{
		{[]byte("a"), 0},
		{[]byte("b"), 0},
		{[]byte("c"), 1},
		{[]byte("d"), 1},
		{[]byte("e"), 2},
		{[]byte("f"), 2},
		{[]byte("g"), 3},
		{[]byte("h"), 3},
	}
	for _, c := range cases {
		if got := nodeLookupLE(node, c.search); got != c.want {
			t.Errorf("nodeLookupLE(%s) = %d, want %d", c.search, got, c.want)
		}
	}
}

func TestNodeAppendRangeCopiesSubset(t *testing.T) {
	src := make(BNode, BTREE_PAGE_SIZE)
	src.setHeader(BNODE_LEAF, 3)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	vals := [][]byte{[]byte("val1"), []byte("val2"), []byte("val3")}
	for i := 0; i < 3; i++ {
		nodeAppendKV(src, uint16(i), 0, keys[i], vals[i])
	}

	dst := make(BNode, BTREE_PAGE_SIZE)
	dst.setHeader(BNODE_LEAF, 2)
	nodeAppendRange(dst, src, 0, 1, 2)

	wantKeys := [][]byte{[]byte("b"), []byte("c")}
	wantVals := [][]byte{[]byte("val2"), []byte("val3")}
	for i := 0; i < 2; i++ {
		if got := dst.getKey(uint16(i)); !bytes.Equal(got, wantKeys[i]) {
			t.Errorf("key %d: got %s, want %s", i, got, wantKeys[i])
		}
		if got := dst.getVal(uint16(i)); !bytes.Equal(got, wantVals[i]) {
			t.Errorf("val %d: got %s, want %s", i, got, wantVals[i])
		}
	}
}

func TestNodeSizeWithinPage(t *testing.T) {
	node := make(BNode, BTREE_PAGE_SIZE)
	node.setHeader(BNODE_LEAF, 2)

	nodeAppendKV(node, 0, 0, []byte("key1"), []byte("value1"))
	nodeAppendKV(node, 1, 0, []byte("key2"), []byte("value2"))

	if size := node.nbytes(); size == 0 || size > BTREE_PAGE_SIZE {
		t.Errorf("nbytes() = %d, want in (0, %d]", size, BTREE_PAGE_SIZE)
	}
}

func TestChildPointersNilForLeaf(t *testing.T) {
	leaf := make(BNode, BTREE_PAGE_SIZE)
	leaf.setHeader(BNODE_LEAF, 1)
	nodeAppendKV(leaf, 0, 0, []byte("k"), []byte("v"))

	if ptrs := ChildPointers(leaf); ptrs != nil {
		t.Errorf("ChildPointers(leaf) = %v, want nil", ptrs)
	}
	if NodeIsLeaf(leaf) != true {
		t.Error("NodeIsLeaf(leaf) = false, want true")
	}
}

func TestChildPointersForInternalNode(t *testing.T) {
	internal := make(BNode, BTREE_PAGE_SIZE)
	internal.setHeader(BNODE_NODE, 2)
	nodeAppendKV(internal, 0, 111, []byte(""), nil)
	nodeAppendKV(internal, 1, 222, []byte("m"), nil)

	got := ChildPointers(internal)
	want := []uint64{111, 222}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ChildPointers(internal) = %v, want %v", got, want)
	}
	if NodeIsLeaf(internal) {
		t.Error("NodeIsLeaf(internal) = true, want false")
	}
}
