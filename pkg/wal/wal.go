package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// Options configures the WAL, following the same explicit-struct idiom as
// page.Options.
type Options struct {
	// SegmentSize is the byte threshold at which a new segment file is
	// started. Default 4 MiB per §4.B (the teacher's 100 MiB
	// MaxLogFileSize is far coarser than what the spec calls for and is
	// not reused here).
	SegmentSize int64
}

// DefaultOptions returns the §4.B default: 4 MiB segments.
func DefaultOptions() Options {
	return Options{SegmentSize: 4 << 20}
}

const segmentPrefix = "wal-"
const segmentDigits = 10

// WAL is the append-only, segmented write-ahead log (component B).
type WAL struct {
	dir  string
	opts Options

	mu        sync.Mutex
	fd        *os.File
	segment   int
	fileSize  int64
	lastLSN   uint64
	closed    bool

	log     *logger.Logger
	metrics *metrics.Metrics
}

// SetObservability wires a Logger and Metrics into Append/Flush/rotate.
// Nil-safe: a WAL opened without a call to this records and logs nothing.
func (w *WAL) SetObservability(log *logger.Logger, m *metrics.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log = log
	w.metrics = m
}

// Open opens the WAL rooted at dir (typically "<dbdir>/db.wal", used as a
// directory of segment files per §6). If segments already exist, the last
// one is reopened for append. Open does not scan records: lastLSN starts at
// zero until SetLastLSN seeds it (the transaction manager does so after
// Replay).
func Open(dir string, opts Options) (*WAL, error) {
	if opts.SegmentSize <= 0 {
		opts = DefaultOptions()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, skerrors.IoError("wal.Open", err, "mkdir %s", dir)
	}
	w := &WAL{dir: dir, opts: opts}

	segments, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		w.segment = 1
		fd, err := os.OpenFile(w.segmentPath(w.segment), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, skerrors.IoError("wal.Open", err, "create segment 1")
		}
		w.fd = fd
		return w, nil
	}

	last := segments[len(segments)-1]
	fd, err := os.OpenFile(w.segmentPath(last), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, skerrors.IoError("wal.Open", err, "reopen segment %d", last)
	}
	stat, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, skerrors.IoError("wal.Open", err, "stat segment %d", last)
	}
	w.fd = fd
	w.segment = last
	w.fileSize = stat.Size()
	return w, nil
}

// Append writes a record to the current segment, rotating first if the
// record would push the segment past SegmentSize. It does not fsync; call
// Flush for that (§4.E step 2 requires append+flush together for a normal
// commit, but putNoSync defers the flush).
func (w *WAL) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return skerrors.Closed("wal.Append", "wal is closed")
	}

	data := r.Encode()
	if w.fileSize > 0 && w.fileSize+int64(len(data)) > w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := w.fd.Write(data)
	if err != nil {
		return skerrors.IoError("wal.Append", err, "write record lsn=%d", r.LSN)
	}
	w.fileSize += int64(n)
	if r.LSN > w.lastLSN {
		w.lastLSN = r.LSN
	}
	if w.metrics != nil {
		w.metrics.RecordWalAppend()
	}
	return nil
}

// Flush fsyncs the current segment, establishing durability for every
// Append since the last Flush.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return skerrors.Closed("wal.Flush", "wal is closed")
	}
	start := time.Now()
	err := w.fd.Sync()
	if w.log != nil {
		w.log.LogWalOperation("flush", time.Since(start), err)
	}
	if err != nil {
		return skerrors.IoError("wal.Flush", err, "fsync segment %d", w.segment)
	}
	if w.metrics != nil {
		w.metrics.RecordWalFlush(time.Since(start))
	}
	return nil
}

// Close closes the current segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}

// LastLSN returns the highest LSN recorded so far (updated by Append and by
// SetLastLSN).
func (w *WAL) LastLSN() uint64 { return w.lastLSN }

// SetLastLSN seeds the in-memory high-water mark from a recovered value; used
// by the transaction manager after reading the meta page and running Replay.
func (w *WAL) SetLastLSN(lsn uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.lastLSN {
		w.lastLSN = lsn
	}
}

func (w *WAL) rotateLocked() error {
	if err := w.fd.Sync(); err != nil {
		return skerrors.IoError("wal.rotate", err, "fsync segment %d before rotate", w.segment)
	}
	if err := w.fd.Close(); err != nil {
		return skerrors.IoError("wal.rotate", err, "close segment %d", w.segment)
	}
	w.segment++
	fd, err := os.OpenFile(w.segmentPath(w.segment), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return skerrors.IoError("wal.rotate", err, "create segment %d", w.segment)
	}
	w.fd = fd
	w.fileSize = 0
	if w.metrics != nil {
		w.metrics.RecordWalSegmentRotation()
	}
	if w.log != nil {
		w.log.LogWalOperation("rotate", 0, nil)
	}
	return nil
}

// TruncateBefore removes every segment whose highest LSN is <= durableLSN,
// i.e. fully superseded by the last checkpoint (§4.B truncation policy). The
// current (last) segment is never removed, even if every record in it is
// already durable, since it is still the active append target.
func (w *WAL) TruncateBefore(durableLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg == w.segment {
			continue
		}
		maxLSN, err := w.segmentMaxLSN(seg)
		if err != nil {
			continue // leave unreadable segments alone
		}
		if maxLSN <= durableLSN {
			_ = os.Remove(w.segmentPath(seg))
		}
	}
	return nil
}

func (w *WAL) segmentMaxLSN(seg int) (uint64, error) {
	var max uint64
	err := replaySegment(w.segmentPath(seg), func(r Record) error {
		if r.LSN > max {
			max = r.LSN
		}
		return nil
	})
	return max, err
}

func (w *WAL) segmentPath(n int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%0*d", segmentPrefix, segmentDigits, n))
}

func (w *WAL) listSegments() ([]int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, skerrors.IoError("wal.listSegments", err, "read dir %s", w.dir)
	}
	var segs []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), segmentPrefix))
		if err != nil {
			continue
		}
		segs = append(segs, n)
	}
	sort.Ints(segs)
	return segs, nil
}
