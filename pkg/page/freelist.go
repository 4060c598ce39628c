// ABOUTME: Unrolled linked-list free list with a maxSeq watermark.
// ABOUTME: Staged frees only become reusable once a commit's watermark advances.
package page

import "encoding/binary"

// freeListHeader is the 8-byte "next node" pointer at the front of every
// free-list page; the remainder of the payload holds page-id slots.
const freeListHeader = 8
const freeListCap = (PayloadSize - freeListHeader) / 8

// lnode is one free-list node's payload view, adapted from the teacher's
// LNode: an unrolled linked list of page ids, generalized from "freed
// B+tree node pages" to "freed pages of any type".
type lnode []byte

func (n lnode) getNext() uint64        { return binary.LittleEndian.Uint64(n[0:8]) }
func (n lnode) setNext(next uint64)    { binary.LittleEndian.PutUint64(n[0:8], next) }
func (n lnode) getPtr(idx int) uint64  { return binary.LittleEndian.Uint64(n[freeListHeader+idx*8:]) }
func (n lnode) setPtr(idx int, p uint64) {
	binary.LittleEndian.PutUint64(n[freeListHeader+idx*8:], p)
}

// freeList is the in-memory half of the page free-list, mirroring the
// teacher's storage.FreeList. Its nodes live as ordinary TypeFreeList pages
// read/written through the callbacks wired up in Store.Open.
type freeList struct {
	get func(uint64) []byte
	new func([]byte) uint64
	set func(uint64, []byte)

	headPage, headSeq uint64
	tailPage, tailSeq uint64
	maxSeq            uint64
}

// FreelistState is the serializable snapshot stored in the meta page.
type FreelistState struct {
	HeadPage, HeadSeq uint64
	TailPage, TailSeq uint64
	MaxSeq            uint64
}

func (fl *freeList) state() FreelistState {
	return FreelistState{fl.headPage, fl.headSeq, fl.tailPage, fl.tailSeq, fl.maxSeq}
}

func (fl *freeList) restore(st FreelistState) {
	fl.headPage, fl.headSeq = st.HeadPage, st.HeadSeq
	fl.tailPage, fl.tailSeq = st.TailPage, st.TailSeq
	fl.maxSeq = st.MaxSeq
	if fl.maxSeq == 0 && fl.tailSeq > 0 {
		fl.maxSeq = fl.tailSeq
	}
}

func (fl *freeList) PopHead() uint64 {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	if fl.headSeq >= fl.maxSeq {
		return 0
	}
	if fl.headPage == 0 {
		return 0
	}
	node := lnode(fl.get(fl.headPage))
	idx := int(fl.headSeq % freeListCap)
	ptr := node.getPtr(idx)
	fl.headSeq++
	if fl.headSeq%freeListCap == 0 {
		next := node.getNext()
		if next != 0 {
			fl.PushTail(fl.headPage)
			fl.headPage = next
		}
	}
	return ptr
}

func (fl *freeList) PushTail(ptr uint64) {
	if fl.tailPage == 0 {
		payload := make([]byte, PayloadSize)
		lnode(payload).setNext(0)
		fl.tailPage = fl.new(payload)
		if fl.headPage == 0 {
			fl.headPage = fl.tailPage
		}
	}
	idx := int(fl.tailSeq % freeListCap)
	if idx == 0 && fl.tailSeq > 0 {
		payload := make([]byte, PayloadSize)
		lnode(payload).setNext(0)
		newTail := fl.new(payload)

		old := make([]byte, PayloadSize)
		copy(old, fl.get(fl.tailPage))
		lnode(old).setNext(newTail)
		fl.set(fl.tailPage, old)

		fl.tailPage = newTail
		idx = 0
	}
	payload := make([]byte, PayloadSize)
	copy(payload, fl.get(fl.tailPage))
	lnode(payload).setPtr(idx, ptr)
	fl.set(fl.tailPage, payload)
	fl.tailSeq++
}

func (fl *freeList) SetMaxSeq() { fl.maxSeq = fl.tailSeq }

func (fl *freeList) Total() int {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return int(fl.tailSeq - fl.headSeq)
}
