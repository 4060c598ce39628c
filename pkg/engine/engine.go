// ABOUTME: Public engine facade: opens a database and dispatches by leader/follower/alt mode.
// ABOUTME: Generalizes the teacher's single storage-backend facade into a tagged variant.
// Package engine implements the Engine Facade (component F): the public
// put/get/delete/putBatch/commitTransaction/scanRange/verifyIntegrity/flush/
// close surface of §4.F, dispatched across the tagged variants of §9 (a
// solo or elected-leader engine driving pkg/txn directly, a follower
// proxying every call through pkg/coordinator, or a host-backend fallback
// through pkg/altstore). This replaces the teacher's StorageEngine/
// Transaction MVCC facade: §1 excludes multi-writer concurrency, so the
// model here is single-writer with read-your-writes, never snapshot
// isolation or version chains.
package engine

import (
	"sync"
	"time"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/pkg/altstore"
	"github.com/leiko57/SikioDB/pkg/codec"
	"github.com/leiko57/SikioDB/pkg/coordinator"
	"github.com/leiko57/SikioDB/pkg/page"
	"github.com/leiko57/SikioDB/pkg/skerrors"
	"github.com/leiko57/SikioDB/pkg/txn"
	"github.com/leiko57/SikioDB/pkg/wal"
)

// Mode is the tagged variant an open Engine dispatches through, per §9.
type Mode int

const (
	// ModeLeader drives pkg/txn directly: this process holds the named
	// lock for the database.
	ModeLeader Mode = iota
	// ModeFollower proxies every operation to the elected leader through
	// pkg/coordinator.
	ModeFollower
	// ModeAlt dispatches to pkg/altstore, the host-backend fallback of
	// §4.H, bypassing leader election entirely.
	ModeAlt
)

func (m Mode) String() string {
	switch m {
	case ModeLeader:
		return "leader"
	case ModeFollower:
		return "follower"
	case ModeAlt:
		return "alt"
	default:
		return "unknown"
	}
}

// Default key/value size ceilings (§4.F "keys or values exceeding the
// configured maxima are rejected with BadInput"). Values above
// MaxValueSize still fit via an overflow chain at the storage layer; this
// is a facade-level policy limit, not a structural one.
const (
	DefaultMaxKeySize   = btreeMaxKeySize
	DefaultMaxValueSize = 16 << 20
)

// btreeMaxKeySize mirrors pkg/btree.BTREE_MAX_KEY_SIZE without importing
// pkg/btree here just for a constant; kept as a literal so the facade's
// default key ceiling tracks the structural one documented in DESIGN.md.
const btreeMaxKeySize = 3800

// Options configures Engine.Open (§6).
type Options struct {
	// Name identifies the database for leader election (the named lock
	// key) and for logging/metrics.
	Name string
	// DataDir holds the page file and WAL directory.
	DataDir string

	Compression   bool
	EncryptionKey []byte

	MaxKeySize   int
	MaxValueSize int

	// UseAltStore selects the host-backend fallback (§4.H) outright,
	// bypassing leader election.
	UseAltStore bool

	PageOptions page.Options
	WALOptions  wal.Options

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

func (o *Options) setDefaults() {
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = DefaultMaxKeySize
	}
	if o.MaxValueSize <= 0 {
		o.MaxValueSize = DefaultMaxValueSize
	}
	if o.Metrics == nil {
		// GetGlobalMetrics, not NewMetrics: §9 runs several Engines (leader
		// and followers) in one process, and a second promauto registration
		// of the same metric name against the default registry panics.
		o.Metrics = metrics.GetGlobalMetrics()
	}
	if o.Logger == nil {
		o.Logger = logger.GetGlobalLogger()
	}
}

// Engine is the public facade. A single Engine is not safe for concurrent
// use by design (§5's single-threaded engine core); mu guards only against
// a host calling in from two goroutines by accident.
type Engine struct {
	mu sync.Mutex

	opts  Options
	mode  Mode
	codec *codec.Codec

	txnMgr *txn.Manager
	coord  *coordinator.Coordinator
	alt    *altstore.Store

	checkpointer *wal.Checkpointer

	closed bool
}

// Open opens (or creates) a database per opts, choosing a variant per §9:
// UseAltStore picks ModeAlt outright; otherwise the engine contends for
// Name's named lock via pkg/coordinator and becomes ModeLeader or
// ModeFollower depending on the outcome.
func Open(opts Options) (*Engine, error) {
	opts.setDefaults()
	if opts.Name == "" {
		return nil, skerrors.BadInput("engine.Open", "Name is required")
	}
	opts.Logger.LogEngineOpen(opts.Name, opts.DataDir)

	e := &Engine{opts: opts}

	c, err := codec.New(opts.Compression, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	if opts.UseAltStore {
		store, err := altstore.Open(opts.DataDir, opts.Name, c)
		if err != nil {
			return nil, err
		}
		e.alt = store
		e.mode = ModeAlt
		opts.Logger.LogEngineReady(opts.Name, e.mode.String())
		return e, nil
	}

	e.codec = c

	coord, err := coordinator.Acquire(opts.Name)
	if err != nil {
		return nil, err
	}
	e.coord = coord

	if coord.IsLeader() {
		if err := e.becomeLeader(); err != nil {
			_ = coord.Release()
			return nil, err
		}
		coord.SetHandler(e.handleProxied)
	} else {
		e.mode = ModeFollower
		coord.OnPromotion(e.promote)
	}

	opts.Logger.LogEngineReady(opts.Name, e.mode.String())
	return e, nil
}

// becomeLeader opens this engine's own pkg/txn.Manager against the shared
// data directory, used both when Open wins the initial election and when a
// follower is promoted after the prior leader dies (§4.G).
func (e *Engine) becomeLeader() error {
	var flags uint32
	if e.opts.Compression {
		flags |= page.MetaFlagCompression
	}
	if len(e.opts.EncryptionKey) > 0 {
		flags |= page.MetaFlagEncryption
	}
	dataPath := e.opts.DataDir + "/db.pages"
	walDir := e.opts.DataDir + "/db.wal"
	mgr, err := txn.Open(dataPath, walDir, e.codec, e.opts.PageOptions, e.opts.WALOptions, flags, e.opts.Logger, e.opts.Metrics)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.txnMgr = mgr
	e.mode = ModeLeader
	e.checkpointer = wireCheckpointer(mgr)
	e.mu.Unlock()
	return nil
}

// promote is the pkg/coordinator OnPromotion callback: this follower has
// just won the lock after the prior leader's death and must initialize a
// fresh engine handle of its own (§4.G).
func (e *Engine) promote() error {
	e.opts.Logger.LogPromotion(e.opts.Name)
	e.opts.Metrics.LeaderPromotionsTotal.Inc()
	if err := e.becomeLeader(); err != nil {
		e.opts.Logger.Error("leader promotion failed").Err(err).Send()
		return err
	}
	e.coord.SetHandler(e.handleProxied)
	return nil
}

func wireCheckpointer(mgr *txn.Manager) *wal.Checkpointer {
	cp := mgr.Checkpointer()
	cp.Start()
	return cp
}

// validateKV enforces §4.F's BadInput constraints.
func (e *Engine) validateKV(key, value []byte, allowEmptyValue bool) error {
	if len(key) == 0 {
		return skerrors.BadInput("engine", "key must not be empty")
	}
	if len(key) > e.opts.MaxKeySize {
		return skerrors.BadInput("engine", "key exceeds max size %d", e.opts.MaxKeySize)
	}
	if !allowEmptyValue && value == nil {
		return skerrors.BadInput("engine", "value must not be nil")
	}
	if len(value) > e.opts.MaxValueSize {
		return skerrors.BadInput("engine", "value exceeds max size %d", e.opts.MaxValueSize)
	}
	return nil
}

func (e *Engine) record(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.opts.Metrics.RecordEngineOp(op, status, time.Since(start))
}

// Close closes the engine, implying Flush first (§4.F).
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.opts.Logger.LogEngineShutdown(e.opts.Name)

	switch e.mode {
	case ModeAlt:
		return e.alt.Close()
	case ModeFollower:
		return e.coord.Release()
	default:
		if e.checkpointer != nil {
			e.checkpointer.Stop()
		}
		if _, err := e.txnMgr.Flush(); err != nil {
			return err
		}
		mgrErr := e.txnMgr.Close()
		coordErr := e.coord.Release()
		if mgrErr != nil {
			return mgrErr
		}
		return coordErr
	}
}
