// ABOUTME: Buffered transaction staging: Put/Delete/PutWithTTL before Commit applies them.
// ABOUTME: Read-your-writes against uncommitted state, copy-on-write against the tree.
package txn

import (
	"time"

	"github.com/leiko57/SikioDB/pkg/codec"
	"github.com/leiko57/SikioDB/pkg/page"
	"github.com/leiko57/SikioDB/pkg/skerrors"
	"github.com/leiko57/SikioDB/pkg/wal"
)

// txState tracks a Tx through the Open -> Staged -> Committed | Aborted
// state machine of §4.E. Nothing touches the page store or the tree until
// Commit runs the WAL-first pipeline; Put/Delete/PutWithTTL only buffer.
type txState int

const (
	txOpen txState = iota
	txCommitted
	txAborted
)

type pendingOp struct {
	kind  wal.OpType
	value []byte
	ttl   *time.Time
}

// Tx is one transaction's buffered writes, per §4.E. It is not safe for
// concurrent use, matching the engine's single-writer model (§5).
type Tx struct {
	m     *Manager
	id    uint64
	state txState

	order   []string
	pending map[string]pendingOp

	noSync bool
}

// Begin opens a new transaction. noSync selects the weaker-durability
// putNoSync commit path: Commit still writes and syncs pages and meta, but
// skips the WAL fsync, matching the §6 tradeoff (a crash can lose the
// record, never corrupt the tree).
func (m *Manager) Begin(noSync bool) *Tx {
	m.mu.Lock()
	id := m.newTxID()
	m.mu.Unlock()
	return &Tx{
		m:       m,
		id:      id,
		pending: make(map[string]pendingOp),
		noSync:  noSync,
	}
}

// Put stages an unconditional write, replacing any earlier Put/Delete on the
// same key staged by this same transaction.
func (tx *Tx) Put(key, value []byte) error {
	return tx.stage(key, pendingOp{kind: wal.OpPut, value: append([]byte(nil), value...)})
}

// PutWithTTL stages a write that expires at expiresAt (§3/§9).
func (tx *Tx) PutWithTTL(key, value []byte, expiresAt time.Time) error {
	exp := expiresAt
	return tx.stage(key, pendingOp{kind: wal.OpPutTTL, value: append([]byte(nil), value...), ttl: &exp})
}

// Delete stages a delete.
func (tx *Tx) Delete(key []byte) error {
	return tx.stage(key, pendingOp{kind: wal.OpDelete})
}

func (tx *Tx) stage(key []byte, op pendingOp) error {
	if tx.state != txOpen {
		return skerrors.BadInput("txn.Tx", "transaction is no longer open")
	}
	k := string(key)
	if _, exists := tx.pending[k]; !exists {
		tx.order = append(tx.order, k)
	}
	tx.pending[k] = op
	return nil
}

// Get reads a key, preferring this transaction's own uncommitted writes
// (read-your-writes) and falling back to the durable tree.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	if op, ok := tx.pending[string(key)]; ok {
		if op.kind == wal.OpDelete {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	return tx.m.getLocked(key)
}

// Abort discards every staged write. Since nothing outside this Tx was
// touched before Commit, this is a pure bookkeeping no-op.
func (tx *Tx) Abort() {
	if tx.state == txOpen {
		tx.state = txAborted
	}
}

// Commit runs the §4.E WAL-first pipeline: append+flush the WAL record,
// apply the ops to the B+tree by copy-on-write, sync the dirty pages, write
// the alternate meta page, and finally release freed pages to the
// free-list. A failure after the WAL flush leaves the manager Degraded,
// since the durable log now describes a change the tree doesn't yet
// reflect; recovery on reopen replays it.
func (tx *Tx) Commit() error {
	if tx.state != txOpen {
		return skerrors.BadInput("txn.Tx", "transaction is no longer open")
	}
	if len(tx.order) == 0 {
		tx.state = txCommitted
		return nil
	}

	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		return skerrors.Closed("txn.Tx.Commit", "manager is degraded, reopen required")
	}

	ops, err := tx.buildOps(m.codec)
	if err != nil {
		return err
	}

	lsn := m.nextLSN
	record := wal.Record{LSN: lsn, TxID: tx.id, Ops: ops}

	if err := m.wal.Append(record); err != nil {
		return err
	}
	if !tx.noSync {
		if err := m.wal.Flush(); err != nil {
			return err
		}
	}

	savedMaxSeq := m.store.FreelistState().MaxSeq
	savedRoot := m.tree.GetRoot()
	for _, op := range ops {
		m.applyOp(op)
	}
	m.store.BeginTx()

	if err := m.store.Sync(lsn); err != nil {
		// applyOp already mutated m.tree's root in place to point at pages
		// that RollbackStaged is about to discard; put it back to the last
		// root backed entirely by flushed pages so a later Get/ScanRange
		// (both refused anyway once degraded, but this keeps the in-memory
		// tree internally consistent regardless) never walks into a page
		// id that no longer resolves.
		m.tree.SetRoot(savedRoot)
		m.store.RollbackStaged(savedMaxSeq)
		m.degraded = true
		if m.metrics != nil {
			m.metrics.RecordCommit("sync_failed")
		}
		return skerrors.IoError("txn.Tx.Commit", err, "page sync, manager now degraded")
	}

	metaStart := time.Now()
	newMeta := page.Meta{
		Root:           m.tree.GetRoot(),
		Freelist:       m.store.FreelistState(),
		NextPageID:     m.store.NextPageID(),
		LastDurableLSN: lsn,
		Flags:          m.flags,
	}
	newSlot, err := m.store.WriteMeta(newMeta, m.metaSlot)
	metaDuration := time.Since(metaStart)
	if m.log != nil {
		m.log.LogMetaSync(metaDuration, err)
	}
	if err != nil {
		m.degraded = true
		if m.metrics != nil {
			m.metrics.RecordCommit("meta_failed")
		}
		return skerrors.IoError("txn.Tx.Commit", err, "meta sync, manager now degraded")
	}
	if m.metrics != nil {
		m.metrics.ObserveMetaSync(metaDuration)
		m.metrics.RecordCommit("ok")
	}
	m.metaSlot = newSlot
	m.store.CommitFreed()
	m.nextLSN = lsn + 1

	tx.state = txCommitted
	return nil
}

// buildOps converts the transaction's pending writes into WAL ops, encoding
// each value through the codec up front so the logged record and the
// eventual tree leaf carry identical stored bytes.
func (tx *Tx) buildOps(c *codec.Codec) ([]wal.Op, error) {
	ops := make([]wal.Op, 0, len(tx.order))
	for _, k := range tx.order {
		op := tx.pending[k]
		key := []byte(k)
		switch op.kind {
		case wal.OpDelete:
			ops = append(ops, wal.Op{Type: wal.OpDelete, Key: key})
		case wal.OpPut, wal.OpPutTTL:
			stored, err := c.Encode(op.value, op.ttl)
			if err != nil {
				return nil, err
			}
			ops = append(ops, wal.Op{Type: op.kind, Key: key, Value: stored})
		}
	}
	return ops, nil
}
