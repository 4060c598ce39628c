// ABOUTME: Meta page encoding: root pointer, free-list state, last-durable LSN.
// ABOUTME: Two alternating slots give every commit a fallback on crash.
package page

import (
	"encoding/binary"
	"syscall"

	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// Magic is the ASCII file signature stored in every meta page, per §6.
const Magic = "SKDB"

// FormatVersion is the on-disk format version; Open refuses a file whose
// meta page carries a higher version with VersionMismatch.
const FormatVersion uint16 = 0x0001

// MetaFlagCompression and MetaFlagEncryption record the open-time options a
// database was created with, so a reopen without explicit options still
// decodes stored values correctly.
const (
	MetaFlagCompression uint32 = 1 << 0
	MetaFlagEncryption  uint32 = 1 << 1
)

// Meta is the decoded content of one meta page (§3 "Meta page").
type Meta struct {
	Root           uint64
	Freelist       FreelistState
	NextPageID     uint64
	LastDurableLSN uint64
	Flags          uint32
}

const metaBodySize = 4 + 2 + 2 + 8 + 5*8 + 8 + 8 + 4 + 4

func encodeMeta(m Meta) []byte {
	buf := make([]byte, metaBodySize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], FormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], m.Root)
	binary.LittleEndian.PutUint64(buf[16:24], m.Freelist.HeadPage)
	binary.LittleEndian.PutUint64(buf[24:32], m.Freelist.HeadSeq)
	binary.LittleEndian.PutUint64(buf[32:40], m.Freelist.TailPage)
	binary.LittleEndian.PutUint64(buf[40:48], m.Freelist.TailSeq)
	binary.LittleEndian.PutUint64(buf[48:56], m.Freelist.MaxSeq)
	binary.LittleEndian.PutUint64(buf[56:64], m.NextPageID)
	binary.LittleEndian.PutUint64(buf[64:72], m.LastDurableLSN)
	binary.LittleEndian.PutUint32(buf[72:76], m.Flags)
	return buf
}

func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) < metaBodySize {
		return Meta{}, skerrors.Corrupt("page.decodeMeta", "meta payload too short")
	}
	if string(buf[0:4]) != Magic {
		return Meta{}, skerrors.Corrupt("page.decodeMeta", "bad magic %q", buf[0:4])
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version > FormatVersion {
		return Meta{}, skerrors.VersionMismatch("page.decodeMeta", "file version 0x%04x newer than supported 0x%04x", version, FormatVersion)
	}
	m := Meta{
		Root: binary.LittleEndian.Uint64(buf[8:16]),
		Freelist: FreelistState{
			HeadPage: binary.LittleEndian.Uint64(buf[16:24]),
			HeadSeq:  binary.LittleEndian.Uint64(buf[24:32]),
			TailPage: binary.LittleEndian.Uint64(buf[32:40]),
			TailSeq:  binary.LittleEndian.Uint64(buf[40:48]),
			MaxSeq:   binary.LittleEndian.Uint64(buf[48:56]),
		},
		NextPageID:     binary.LittleEndian.Uint64(buf[56:64]),
		LastDurableLSN: binary.LittleEndian.Uint64(buf[64:72]),
		Flags:          binary.LittleEndian.Uint32(buf[72:76]),
	}
	return m, nil
}

// LoadMeta picks the valid meta page (id 0 or 1) with the higher
// last-durable-LSN, per §4.H's recovery procedure, and reports which page id
// it came from so the next WriteMeta alternates correctly. It returns
// ok=false for a freshly created (empty) file, which callers treat as
// "initialize fresh".
func (s *Store) LoadMeta() (meta Meta, ok bool, slot uint64, err error) {
	type candidate struct {
		meta Meta
		pid  uint64
	}
	var candidates []candidate
	for _, pid := range []uint64{MetaPageA, MetaPageB} {
		raw, rerr := s.readRaw(pid)
		if rerr != nil {
			continue // not yet written (fresh file)
		}
		payload, typ, _, valid := verify(raw)
		if !valid || typ != TypeMeta {
			continue
		}
		m, derr := decodeMeta(payload)
		if derr != nil {
			if skerrors.Has(derr, skerrors.KindVersionMismatch) {
				return Meta{}, false, 0, derr
			}
			continue
		}
		candidates = append(candidates, candidate{m, pid})
	}
	if len(candidates) == 0 {
		return Meta{}, false, 0, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.meta.LastDurableLSN > best.meta.LastDurableLSN {
			best = c
		}
	}
	return best.meta, true, best.pid, nil
}

// WriteMeta writes m into the alternate meta page (the one that is not
// currently the most recently durable one) and fsyncs it, per §4.E step 5.
// It returns which slot (MetaPageA/MetaPageB) was written.
func (s *Store) WriteMeta(m Meta, currentSlot uint64) (uint64, error) {
	target := MetaPageA
	if currentSlot == MetaPageA {
		target = MetaPageB
	}
	raw := pack(TypeMeta, m.LastDurableLSN, encodeMeta(m))
	if _, err := syscall.Pwrite(s.fd, raw, int64(target*Size)); err != nil {
		return target, skerrors.IoError("page.WriteMeta", err, "pwrite meta page %d", target)
	}
	if err := syscall.Fsync(s.fd); err != nil {
		return target, skerrors.IoError("page.WriteMeta", err, "fsync meta page %d", target)
	}
	return target, nil
}

// InitMeta writes the same fresh meta to both meta-page slots, used only
// when creating a brand-new database file.
func (s *Store) InitMeta(m Meta) error {
	raw := pack(TypeMeta, m.LastDurableLSN, encodeMeta(m))
	for _, pid := range []uint64{MetaPageA, MetaPageB} {
		if _, err := syscall.Pwrite(s.fd, raw, int64(pid*Size)); err != nil {
			return skerrors.IoError("page.InitMeta", err, "pwrite meta page %d", pid)
		}
	}
	return syscall.Fsync(s.fd)
}
