// ABOUTME: Fixed-size page file with alternating meta pages and crc32c checks.
// ABOUTME: Backs the B+tree and WAL with typed, checksummed 4 KiB pages.
package page

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// Options configures a Store, following the same explicit-struct-plus-
// Default-constructor idiom the engine uses throughout (engine.Options,
// wal.Options).
type Options struct {
	// InitialMmapSize is the mmap window reserved on first open of a
	// non-empty file, doubled as needed thereafter.
	InitialMmapSize int
}

// DefaultOptions returns the Store defaults used by Engine.Open when the
// host does not override them.
func DefaultOptions() Options {
	return Options{InitialMmapSize: 64 << 20}
}

// MetaPageA and MetaPageB are the two fixed, alternating meta page ids. One
// of the two always holds the most recently durable meta image; on Open the
// store picks whichever has the higher last-durable-LSN and a valid crc.
const (
	MetaPageA uint64 = 0
	MetaPageB uint64 = 1
	firstDataPage = 2
)

// Store is the on-disk page file (component A / §4.A): Read, Write,
// Allocate, Free and Sync, backed by a single *os.File and generalizing the
// teacher's mmap-plus-staged-writes KV store to arbitrary page types.
type Store struct {
	path string
	opts Options
	fd   int

	mmap struct {
		total  int
		chunks [][]byte
	}

	flushed uint64            // pages durably on disk, indices [0, flushed)
	temp    []Raw             // pages appended since the last Sync
	updates map[uint64]Raw    // in-place rewrites of already-flushed pages

	free freeList

	// failed is not set or read by any Store method; Sync keeps no record
	// of an earlier Sync having failed.
	failed bool

	metrics *metrics.Metrics
}

// SetMetrics wires a Metrics instance into Allocate/Free/Sync. Nil-safe: a
// Store created without a call to SetMetrics simply records nothing, the
// same optional-wiring pattern as btree.BTree.SetCallbacks' freeValue.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Open opens or creates the page file at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.InitialMmapSize <= 0 {
		opts = DefaultOptions()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, skerrors.IoError("page.Open", err, "mkdir %s", filepath.Dir(path))
	}
	fd, err := createFileSync(path)
	if err != nil {
		return nil, skerrors.IoError("page.Open", err, "open %s", path)
	}
	s := &Store{
		path:    path,
		opts:    opts,
		fd:      fd,
		updates: make(map[uint64]Raw),
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		_ = syscall.Close(fd)
		return nil, skerrors.IoError("page.Open", err, "fstat %s", path)
	}

	if stat.Size == 0 {
		s.flushed = firstDataPage
	} else {
		mmapSize := opts.InitialMmapSize
		if int(stat.Size) > mmapSize {
			mmapSize = int(stat.Size)
		}
		chunk, err := syscall.Mmap(fd, 0, mmapSize, syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			_ = syscall.Close(fd)
			return nil, skerrors.IoError("page.Open", err, "mmap %s", path)
		}
		s.mmap.total = mmapSize
		s.mmap.chunks = append(s.mmap.chunks, chunk)
		s.flushed = uint64(stat.Size) / Size
	}

	s.free.get = s.ReadPage
	s.free.new = func(payload []byte) uint64 { return s.Allocate(TypeFreeList, payload) }
	s.free.set = func(pid uint64, payload []byte) { s.Rewrite(pid, TypeFreeList, payload) }

	return s, nil
}

// Close unmaps and closes the underlying file. It does not implicitly Sync;
// callers must Sync first if pending writes should be made durable.
func (s *Store) Close() error {
	for _, chunk := range s.mmap.chunks {
		if err := syscall.Munmap(chunk); err != nil {
			return skerrors.IoError("page.Close", err, "munmap")
		}
	}
	s.mmap.chunks = nil
	return syscall.Close(s.fd)
}

// ReadPage returns the verified payload bytes for pid, preferring any
// pending in-memory version. It panics on a bad page id, matching the
// teacher's btree-callback contract where a dangling pointer is a bug, not a
// recoverable condition; callers that need a recoverable read (verifyIntegrity,
// meta bootstrap) use readRaw directly.
func (s *Store) ReadPage(pid uint64) []byte {
	payload, _, _, err := s.read(pid)
	if err != nil {
		panic(fmt.Sprintf("page: %v", err))
	}
	return payload
}

// TryReadPage is the non-panicking counterpart used by structural checks.
func (s *Store) TryReadPage(pid uint64) ([]byte, Type, uint64, error) {
	return s.read(pid)
}

func (s *Store) read(pid uint64) ([]byte, Type, uint64, error) {
	if r, ok := s.updates[pid]; ok {
		p, t, lsn, ok := verify(r)
		if !ok {
			return nil, TypeInvalid, 0, skerrors.Corrupt("page.Read", "bad crc for staged page %d", pid)
		}
		return p, t, lsn, nil
	}
	if pid >= s.flushed {
		idx := pid - s.flushed
		if idx < uint64(len(s.temp)) {
			p, t, lsn, ok := verify(s.temp[idx])
			if !ok {
				return nil, TypeInvalid, 0, skerrors.Corrupt("page.Read", "bad crc for staged page %d", pid)
			}
			return p, t, lsn, nil
		}
		return nil, TypeInvalid, 0, skerrors.Corrupt("page.Read", "page id %d out of range", pid)
	}
	raw, err := s.readRaw(pid)
	if err != nil {
		return nil, TypeInvalid, 0, err
	}
	p, t, lsn, ok := verify(raw)
	if !ok {
		return nil, TypeInvalid, 0, skerrors.Corrupt("page.Read", "crc mismatch for page %d", pid)
	}
	return p, t, lsn, nil
}

func (s *Store) readRaw(pid uint64) (Raw, error) {
	start := uint64(0)
	for _, chunk := range s.mmap.chunks {
		end := start + uint64(len(chunk))/Size
		if pid < end {
			off := Size * (pid - start)
			buf := make(Raw, Size)
			copy(buf, chunk[off:off+Size])
			return buf, nil
		}
		start = end
	}
	return nil, skerrors.Corrupt("page.Read", "page id %d not present", pid)
}

// Allocate stages a new page of the given type and payload (reusing a
// free-list entry when one is available) and returns its page id. The page
// is not durable until the next successful Sync.
func (s *Store) Allocate(t Type, payload []byte) uint64 {
	if s.metrics != nil {
		s.metrics.RecordPageAllocated()
	}
	raw := pack(t, 0, payload)
	if pid := s.free.PopHead(); pid != 0 {
		s.updates[pid] = raw
		return pid
	}
	pid := s.flushed + uint64(len(s.temp))
	s.temp = append(s.temp, raw)
	return pid
}

// Rewrite stages an in-place update of an already-allocated page.
func (s *Store) Rewrite(pid uint64, t Type, payload []byte) {
	raw := pack(t, 0, payload)
	if pid >= s.flushed && pid-s.flushed < uint64(len(s.temp)) {
		s.temp[pid-s.flushed] = raw
		return
	}
	s.updates[pid] = raw
}

// Free marks pid reusable once the in-flight transaction becomes durable.
// Pages that were never flushed (allocated and freed within the same
// transaction) are simply dropped: nothing durable ever pointed at them.
func (s *Store) Free(pid uint64) {
	if pid < s.flushed {
		s.free.PushTail(pid)
		if s.metrics != nil {
			s.metrics.RecordPageFreed()
		}
	}
}

// stampLSN rewrites the page_lsn field of every staged page to lsn, just
// before they are written out, per §3 invariant 2 (page_lsn <= last-durable-LSN).
func (s *Store) stampLSN(lsn uint64) {
	for pid, raw := range s.updates {
		raw.setLSN(lsn)
		recrc(raw)
		s.updates[pid] = raw
	}
	for i, raw := range s.temp {
		raw.setLSN(lsn)
		recrc(raw)
		s.temp[i] = raw
	}
}

func recrc(r Raw) {
	crc := computeCRC(r)
	r[12], r[13], r[14], r[15] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
}

// BeginTx freezes the free list so pages freed during the in-flight
// transaction cannot be handed back out until that transaction is durable.
func (s *Store) BeginTx() { s.free.SetMaxSeq() }

// FreelistState exposes the free-list's head/tail bookkeeping for meta
// page serialization.
func (s *Store) FreelistState() FreelistState { return s.free.state() }

// RestoreFreelistState loads free-list bookkeeping, used on Open once a
// valid meta page has been chosen.
func (s *Store) RestoreFreelistState(st FreelistState) { s.free.restore(st) }

// NextPageID returns the page id that would be assigned to the next
// Allocate call that has to append rather than reuse, for meta bookkeeping.
func (s *Store) NextPageID() uint64 { return s.flushed + uint64(len(s.temp)) }

// Sync durably writes every staged page (in-place updates then appended
// pages) and fsyncs the file. It does not touch the meta pages; callers
// write meta separately via WriteMeta so the two can be ordered per §4.E.
func (s *Store) Sync(lsn uint64) error {
	s.stampLSN(lsn)
	if err := s.writePages(); err != nil {
		return err
	}
	if err := syscall.Fsync(s.fd); err != nil {
		return skerrors.IoError("page.Sync", err, "fsync data")
	}
	if s.metrics != nil {
		st := s.free.state()
		s.metrics.UpdateDbStats(int64(s.flushed)*Size, int64(s.flushed), int64(st.TailSeq-st.HeadSeq))
	}
	return nil
}

// CommitFreed lifts the free-list gate so pages released by the
// transaction that just became durable are available for reuse.
func (s *Store) CommitFreed() { s.free.maxSeq = s.free.tailSeq }

// RollbackStaged discards pages staged by an aborted or failed transaction
// without writing them, restoring the free-list gate.
func (s *Store) RollbackStaged(savedMaxSeq uint64) {
	s.temp = s.temp[:0]
	s.updates = make(map[uint64]Raw)
	s.free.maxSeq = savedMaxSeq
}

func (s *Store) writePages() error {
	for pid, raw := range s.updates {
		off := int64(pid * Size)
		if _, err := syscall.Pwrite(s.fd, raw, off); err != nil {
			return skerrors.IoError("page.Sync", err, "pwrite page %d", pid)
		}
	}
	s.updates = make(map[uint64]Raw)

	if len(s.temp) == 0 {
		return nil
	}
	size := int(s.flushed+uint64(len(s.temp))) * Size
	if err := s.extendMmap(size); err != nil {
		return err
	}
	off := int64(s.flushed * Size)
	for _, raw := range s.temp {
		if _, err := syscall.Pwrite(s.fd, raw, off); err != nil {
			return skerrors.IoError("page.Sync", err, "pwrite page at %d", off/Size)
		}
		off += Size
	}
	s.flushed += uint64(len(s.temp))
	s.temp = s.temp[:0]
	return nil
}

func (s *Store) extendMmap(size int) error {
	if size <= s.mmap.total {
		return nil
	}
	alloc := s.mmap.total
	if alloc < s.opts.InitialMmapSize {
		alloc = s.opts.InitialMmapSize
	}
	for s.mmap.total+alloc < size {
		alloc *= 2
	}
	chunk, err := syscall.Mmap(s.fd, int64(s.mmap.total), alloc, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return skerrors.IoError("page.Sync", err, "mmap extend")
	}
	s.mmap.total += alloc
	s.mmap.chunks = append(s.mmap.chunks, chunk)
	return nil
}

func createFileSync(file string) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}
	dirfd, err := syscall.Open(filepath.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)
	if err := syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}
	return fd, nil
}
