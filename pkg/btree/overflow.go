// ABOUTME: Linked overflow pages for values too large to inline in a leaf.
// ABOUTME: Same unrolled-chain idea the free list uses, applied to value storage.
package btree

import (
	"encoding/binary"

	"github.com/leiko57/SikioDB/pkg/page"
)

// overflow page payload layout: next_page_id_u64 | data_len_u16 | data...
const overflowHeader = 10
const overflowCap = page.PayloadSize - overflowHeader

// Store is the subset of page.Store the overflow chain uses, declared
// locally so the tree does not depend on *page.Store directly. Rewrite is
// part of the interface but is not called in this file.
type Store interface {
	Allocate(t page.Type, payload []byte) uint64
	Rewrite(pid uint64, t page.Type, payload []byte)
	Free(pid uint64)
	ReadPage(pid uint64) []byte
}

// WriteOverflowChain splits data across linked page.TypeOverflow pages and
// returns the head page id, grounded on the same unrolled-linked-page idea
// the teacher uses for its free-list nodes.
func WriteOverflowChain(s Store, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	var pages [][]byte
	for off := 0; off < len(data); off += overflowCap {
		end := off + overflowCap
		if end > len(data) {
			end = len(data)
		}
		pages = append(pages, data[off:end])
	}
	ids := make([]uint64, len(pages))
	for i := len(pages) - 1; i >= 0; i-- {
		payload := make([]byte, overflowHeader+len(pages[i]))
		var next uint64
		if i+1 < len(pages) {
			next = ids[i+1]
		}
		binary.LittleEndian.PutUint64(payload[0:8], next)
		binary.LittleEndian.PutUint16(payload[8:10], uint16(len(pages[i])))
		copy(payload[overflowHeader:], pages[i])
		ids[i] = s.Allocate(page.TypeOverflow, payload)
	}
	return ids[0]
}

// ReadOverflowChain reassembles the full value starting at headPID.
func ReadOverflowChain(s Store, headPID uint64) []byte {
	var out []byte
	pid := headPID
	for pid != 0 {
		payload := s.ReadPage(pid)
		n := binary.LittleEndian.Uint16(payload[8:10])
		out = append(out, payload[overflowHeader:overflowHeader+int(n)]...)
		pid = binary.LittleEndian.Uint64(payload[0:8])
	}
	return out
}

// FreeOverflowChain marks every page in the chain reusable.
func FreeOverflowChain(s Store, headPID uint64) {
	pid := headPID
	for pid != 0 {
		payload := s.ReadPage(pid)
		next := binary.LittleEndian.Uint64(payload[0:8])
		s.Free(pid)
		pid = next
	}
}
