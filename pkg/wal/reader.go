package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// Replay walks every segment in dir in order, calling fn for each valid
// record with LSN > afterLSN, and returns the highest LSN passed to fn (per
// §7's recovery procedure: "replay the WAL beyond that LSN to the first
// invalid record"). An invalid record (short or failing its crc) in the last
// segment is treated as a torn tail from a crash mid-append: that segment is
// truncated at the record and Replay returns without error. An invalid
// record in any earlier segment is reported as skerrors.Corrupt.
func Replay(dir string, afterLSN uint64, fn func(Record) error) (uint64, error) {
	w := &WAL{dir: dir}
	segments, err := w.listSegments()
	if err != nil {
		return 0, err
	}

	var lastLSN uint64
	for i, seg := range segments {
		path := w.segmentPath(seg)
		isLast := i == len(segments)-1
		n, tornAt, err := replayFile(path, func(r Record) error {
			if r.LSN <= afterLSN {
				return nil
			}
			if r.LSN > lastLSN {
				lastLSN = r.LSN
			}
			return fn(r)
		})
		if err != nil {
			return lastLSN, err
		}
		if tornAt >= 0 {
			if !isLast {
				return lastLSN, skerrors.Corrupt("wal.Replay", "corrupt record in non-final segment %s at offset %d", path, tornAt)
			}
			if err := os.Truncate(path, int64(tornAt)); err != nil {
				return lastLSN, skerrors.IoError("wal.Replay", err, "truncate torn tail of %s", path)
			}
		}
		_ = n
	}
	return lastLSN, nil
}

// replaySegment is Replay's helper used for segment-level LSN scans
// (TruncateBefore) where torn tails and record content are both
// uninteresting beyond "what's the max LSN here".
func replaySegment(path string, fn func(Record) error) error {
	_, _, err := replayFile(path, fn)
	return err
}

// replayFile reads records sequentially from path, invoking fn for each
// valid one. It returns the byte offset of the first invalid record
// (tornAt >= 0) if the file ends mid-record or fails a crc check, or -1 if
// every record parsed cleanly to EOF.
func replayFile(path string, fn func(Record) error) (count int, tornAt int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, -1, skerrors.IoError("wal.replayFile", err, "open %s", path)
	}
	defer f.Close()

	var offset int64
	lenBuf := make([]byte, 4)
	for {
		if _, rerr := io.ReadFull(f, lenBuf); rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return count, -1, nil
			}
			return count, offset, nil // torn: not even a full length field
		}
		recLen := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, recLen)
		if _, rerr := io.ReadFull(f, body); rerr != nil {
			return count, offset, nil // torn: length field present, body short
		}
		rec, derr := decodeRecord(body)
		if derr != nil {
			return count, offset, nil // torn or corrupt: stop here
		}
		if err := fn(rec); err != nil {
			return count, -1, err
		}
		count++
		offset += 4 + int64(recLen)
	}
}
