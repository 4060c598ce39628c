// Package page implements the fixed-size page store (component A): a single
// data file divided into 4 KiB pages, each carrying a crc32c-checksummed
// header, plus two alternating meta pages and a free-list for page reuse.
//
// The mmap-plus-staged-writes technique (pages accumulate in memory during a
// transaction, then get pwrite'd and fsync'd together) is carried over from
// the teacher's pkg/storage/kv.go; what's new here is the per-page type tag,
// the crc32c header, and generalizing the free list from "B+tree nodes only"
// to "any reserved page type".
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Size is the fixed on-disk page size in bytes.
const Size = 4096

// HeaderSize is the fixed page header: type_u8, pad_u8, payload_len_u16,
// page_lsn_u64, crc32c_u32.
const HeaderSize = 16

// PayloadSize is the usable space left for page contents (B+tree node bytes,
// free-list entries, overflow chunk data, or meta fields) after the header.
const PayloadSize = Size - HeaderSize

// Type tags the contents of a page so a structural walk (verifyIntegrity)
// can tell reachable pages apart from stray ones without following pointers.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeMeta
	TypeFreeList
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeOverflow
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Raw is one full 4096-byte page buffer, header and payload together.
type Raw []byte

func newRaw() Raw { return make(Raw, Size) }

func (r Raw) typ() Type          { return Type(r[0]) }
func (r Raw) setType(t Type)     { r[0] = byte(t) }
func (r Raw) payloadLen() int    { return int(binary.LittleEndian.Uint16(r[2:4])) }
func (r Raw) setPayloadLen(n int) {
	binary.LittleEndian.PutUint16(r[2:4], uint16(n))
}
func (r Raw) lsn() uint64      { return binary.LittleEndian.Uint64(r[4:12]) }
func (r Raw) setLSN(lsn uint64) { binary.LittleEndian.PutUint64(r[4:12], lsn) }
func (r Raw) storedCRC() uint32 { return binary.LittleEndian.Uint32(r[12:16]) }

func (r Raw) payload() []byte { return r[HeaderSize:Size] }

// computeCRC checksums the whole page with the crc field itself treated as
// zero, matching the on-disk layout described by §3.
func computeCRC(r Raw) uint32 {
	var buf [Size]byte
	copy(buf[:], r)
	buf[12], buf[13], buf[14], buf[15] = 0, 0, 0, 0
	return crc32.Checksum(buf[:], castagnoli)
}

// pack builds a full page buffer from a type tag, LSN and payload bytes
// (payload must be <= PayloadSize; the rest of the page is zero-filled).
func pack(t Type, lsn uint64, payload []byte) Raw {
	if len(payload) > PayloadSize {
		panic("page: payload exceeds page capacity")
	}
	r := newRaw()
	r.setType(t)
	r.setPayloadLen(len(payload))
	r.setLSN(lsn)
	copy(r.payload(), payload)
	crc := computeCRC(r)
	binary.LittleEndian.PutUint32(r[12:16], crc)
	return r
}

// verify checks the crc and returns the logical payload slice (trimmed to
// payloadLen) if valid.
func verify(r Raw) ([]byte, Type, uint64, bool) {
	if len(r) != Size {
		return nil, TypeInvalid, 0, false
	}
	if computeCRC(r) != r.storedCRC() {
		return nil, TypeInvalid, 0, false
	}
	n := r.payloadLen()
	if n < 0 || n > PayloadSize {
		return nil, TypeInvalid, 0, false
	}
	return r.payload()[:n], r.typ(), r.lsn(), true
}
