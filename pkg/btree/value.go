// ABOUTME: Leaf value-descriptor encoding: inline bytes or an overflow chain head.
// ABOUTME: Keeps the tree's own node format oblivious to value size.
package btree

import "encoding/binary"

// InlineThreshold is the largest stored value kept directly in a leaf
// entry. Anything bigger is written as an overflow chain (pkg/btree's
// overflow.go) and the leaf holds only an 8-byte head page id, the same
// indirection idea the teacher's free-list uses for its own linked pages.
const InlineThreshold = 256

const (
	descriptorInline   = 0
	descriptorOverflow = 1
)

// EncodeInline packs a small stored value directly into a leaf entry.
// Callers must ensure len(v) <= InlineThreshold.
func EncodeInline(v []byte) []byte {
	out := make([]byte, 1+len(v))
	out[0] = descriptorInline
	copy(out[1:], v)
	return out
}

// EncodeOverflow packs a reference to an overflow chain's head page.
func EncodeOverflow(headPID uint64) []byte {
	out := make([]byte, 9)
	out[0] = descriptorOverflow
	binary.LittleEndian.PutUint64(out[1:], headPID)
	return out
}

// IsOverflow reports whether a leaf's value-descriptor bytes reference an
// overflow chain rather than carrying the value inline.
func IsOverflow(descriptor []byte) bool {
	return len(descriptor) > 0 && descriptor[0] == descriptorOverflow
}

// Inline returns the inline payload of a descriptor (only valid when
// !IsOverflow(descriptor)).
func Inline(descriptor []byte) []byte {
	return descriptor[1:]
}

// OverflowHead returns the head page id of an overflow descriptor (only
// valid when IsOverflow(descriptor)).
func OverflowHead(descriptor []byte) uint64 {
	return binary.LittleEndian.Uint64(descriptor[1:])
}
