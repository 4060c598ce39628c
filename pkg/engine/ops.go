// ABOUTME: Put/get/delete/batch/transaction/scan operations, routed by the facade's mode.
// ABOUTME: A follower proxies the same request shapes a leader applies locally.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/leiko57/SikioDB/pkg/altstore"
	"github.com/leiko57/SikioDB/pkg/skerrors"
)

// Put performs a one-op synchronous commit (§4.F).
func (e *Engine) Put(key, value []byte) error {
	start := time.Now()
	err := e.dispatch("put", putRequest{Key: key, Value: value}, func() error {
		return e.localPut(key, value, false, nil)
	})
	e.record("put", start, err)
	return err
}

// PutNoSync performs a one-op commit under §4.E's weakened durability
// contract: the WAL append happens but the flush is deferred.
func (e *Engine) PutNoSync(key, value []byte) error {
	start := time.Now()
	err := e.dispatch("putNoSync", putRequest{Key: key, Value: value}, func() error {
		return e.localPut(key, value, true, nil)
	})
	e.record("putNoSync", start, err)
	return err
}

// PutWithTTL performs a one-op synchronous commit whose value expires at
// now+ttl.
func (e *Engine) PutWithTTL(key, value []byte, ttl time.Duration) error {
	start := time.Now()
	expiresAt := time.Now().Add(ttl)
	err := e.dispatch("putWithTTL", putRequest{Key: key, Value: value, ExpiresAtUnixMilli: expiresAt.UnixMilli()}, func() error {
		return e.localPut(key, value, false, &expiresAt)
	})
	e.record("putWithTTL", start, err)
	return err
}

func (e *Engine) localPut(key, value []byte, noSync bool, ttl *time.Time) error {
	if err := e.validateKV(key, value, false); err != nil {
		return err
	}
	switch e.mode {
	case ModeAlt:
		if ttl != nil {
			return e.alt.PutWithTTL(key, value, *ttl)
		}
		if noSync {
			return e.alt.PutNoSync(key, value)
		}
		return e.alt.Put(key, value)
	default:
		tx := e.txnMgr.Begin(noSync)
		var err error
		if ttl != nil {
			err = tx.PutWithTTL(key, value, *ttl)
		} else {
			err = tx.Put(key, value)
		}
		if err != nil {
			tx.Abort()
			return err
		}
		return tx.Commit()
	}
}

// Get reads a key, returning (nil, false, nil) if it is absent or expired.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	if len(key) == 0 {
		err := skerrors.BadInput("engine.Get", "key must not be empty")
		e.record("get", start, err)
		return nil, false, err
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	var value []byte
	var found bool
	var err error
	switch mode {
	case ModeAlt:
		value, found, err = e.alt.Get(key)
	case ModeLeader:
		value, found, err = e.txnMgr.Get(key)
	case ModeFollower:
		var resp getResponse
		err = e.proxy(context.Background(), "get", getRequest{Key: key}, &resp)
		if err == nil {
			value, found = resp.Value, resp.Found
		}
	}
	e.record("get", start, err)
	return value, found, err
}

// Delete removes key, reporting whether a live entry existed.
func (e *Engine) Delete(key []byte) (bool, error) {
	start := time.Now()
	var existed bool
	err := e.dispatchDelete(key, &existed)
	e.record("delete", start, err)
	return existed, err
}

func (e *Engine) dispatchDelete(key []byte, existed *bool) error {
	if len(key) == 0 {
		return skerrors.BadInput("engine.Delete", "key must not be empty")
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	switch mode {
	case ModeAlt:
		e2, err := e.alt.Delete(key)
		*existed = e2
		return err
	case ModeLeader:
		_, found, err := e.txnMgr.Get(key)
		if err != nil {
			return err
		}
		tx := e.txnMgr.Begin(false)
		if err := tx.Delete(key); err != nil {
			tx.Abort()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		*existed = found
		return nil
	case ModeFollower:
		var resp deleteResponse
		if err := e.proxy(context.Background(), "delete", deleteRequest{Key: key}, &resp); err != nil {
			return err
		}
		*existed = resp.Existed
		return nil
	default:
		return skerrors.NotLeader("engine.Delete", "unknown mode")
	}
}

// PutBatch decodes a length-prefixed buffer of key/value pairs (§4.F:
// `u32le key_len, key, u32le val_len, val`, repeated) and commits them
// atomically in one transaction, returning the pair count.
func (e *Engine) PutBatch(encoded []byte) (int, error) {
	start := time.Now()
	pairs, err := decodeBatch(encoded)
	if err != nil {
		e.record("putBatch", start, err)
		return 0, err
	}
	for _, p := range pairs {
		if err := e.validateKV(p.key, p.value, false); err != nil {
			e.record("putBatch", start, err)
			return 0, err
		}
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	switch mode {
	case ModeAlt:
		altPairs := make([]altstore.KV, len(pairs))
		for i, p := range pairs {
			altPairs[i] = altstore.KV{Key: p.key, Value: p.value}
		}
		n, err := e.alt.PutBatch(altPairs)
		e.record("putBatch", start, err)
		return n, err
	case ModeLeader:
		tx := e.txnMgr.Begin(false)
		for _, p := range pairs {
			if err := tx.Put(p.key, p.value); err != nil {
				tx.Abort()
				e.record("putBatch", start, err)
				return 0, err
			}
		}
		err := tx.Commit()
		e.record("putBatch", start, err)
		if err != nil {
			return 0, err
		}
		return len(pairs), nil
	case ModeFollower:
		var resp batchResponse
		err := e.proxy(context.Background(), "putBatch", batchRequest{Encoded: encoded}, &resp)
		e.record("putBatch", start, err)
		if err != nil {
			return 0, err
		}
		return resp.Count, nil
	default:
		return 0, skerrors.NotLeader("engine.PutBatch", "unknown mode")
	}
}

type kvPair struct {
	key, value []byte
}

func decodeBatch(encoded []byte) ([]kvPair, error) {
	var pairs []kvPair
	buf := encoded
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, skerrors.BadInput("engine.PutBatch", "truncated key length")
		}
		klen := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < klen {
			return nil, skerrors.BadInput("engine.PutBatch", "truncated key")
		}
		key := buf[:klen]
		buf = buf[klen:]

		if len(buf) < 4 {
			return nil, skerrors.BadInput("engine.PutBatch", "truncated value length")
		}
		vlen := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < vlen {
			return nil, skerrors.BadInput("engine.PutBatch", "truncated value")
		}
		value := buf[:vlen]
		buf = buf[vlen:]

		pairs = append(pairs, kvPair{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	}
	return pairs, nil
}

func encodeBatch(pairs []kvPair) []byte {
	var buf bytes.Buffer
	var lenPrefix [4]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(p.key)))
		buf.Write(lenPrefix[:])
		buf.Write(p.key)
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(p.value)))
		buf.Write(lenPrefix[:])
		buf.Write(p.value)
	}
	return buf.Bytes()
}

// TxOp is one operation in a commitTransaction call.
type TxOp struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// CommitTransaction applies an ordered list of put/delete ops atomically in
// one commit.
func (e *Engine) CommitTransaction(ops []TxOp) error {
	start := time.Now()
	for _, op := range ops {
		if !op.Delete {
			if err := e.validateKV(op.Key, op.Value, false); err != nil {
				e.record("commitTransaction", start, err)
				return err
			}
		} else if len(op.Key) == 0 {
			err := skerrors.BadInput("engine.CommitTransaction", "key must not be empty")
			e.record("commitTransaction", start, err)
			return err
		}
	}

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	var err error
	switch mode {
	case ModeAlt:
		altOps := make([]altstore.Op, len(ops))
		for i, op := range ops {
			altOps[i] = altstore.Op{Delete: op.Delete, Key: op.Key, Value: op.Value}
		}
		err = e.alt.CommitTransaction(altOps)
	case ModeLeader:
		tx := e.txnMgr.Begin(false)
		for _, op := range ops {
			if op.Delete {
				err = tx.Delete(op.Key)
			} else {
				err = tx.Put(op.Key, op.Value)
			}
			if err != nil {
				tx.Abort()
				break
			}
		}
		if err == nil {
			err = tx.Commit()
		}
	case ModeFollower:
		var resp emptyResponse
		err = e.proxy(context.Background(), "commitTransaction", txRequest{Ops: ops}, &resp)
	default:
		err = skerrors.NotLeader("engine.CommitTransaction", "unknown mode")
	}
	e.record("commitTransaction", start, err)
	return err
}

// ScanRange walks keys in [lo, hi) order, up to limit live entries.
func (e *Engine) ScanRange(lo, hi []byte, limit int, fn func(key, value []byte) bool) error {
	start := time.Now()

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	var err error
	switch mode {
	case ModeAlt:
		err = e.alt.ScanRange(lo, hi, limit, fn)
	case ModeLeader:
		count := 0
		err = e.txnMgr.ScanRange(lo, func(key, value []byte) bool {
			if hi != nil && bytes.Compare(key, hi) >= 0 {
				return false
			}
			if !fn(key, value) {
				return false
			}
			count++
			return limit <= 0 || count < limit
		})
	case ModeFollower:
		var resp scanResponse
		err = e.proxy(context.Background(), "scanRange", scanRequest{Lo: lo, Hi: hi, Limit: limit}, &resp)
		if err == nil {
			for _, p := range resp.Pairs {
				if !fn(p.Key, p.Value) {
					break
				}
			}
		}
	default:
		err = skerrors.NotLeader("engine.ScanRange", "unknown mode")
	}
	e.record("scanRange", start, err)
	return err
}

// VerifyIntegrity runs a full crc + structural walk, returning the ids of
// any page that fails.
func (e *Engine) VerifyIntegrity() ([]uint64, error) {
	start := time.Now()

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	var bad []uint64
	var err error
	switch mode {
	case ModeAlt:
		bad = e.alt.VerifyIntegrity()
	case ModeLeader:
		bad = e.txnMgr.VerifyIntegrity()
	case ModeFollower:
		var resp verifyResponse
		err = e.proxy(context.Background(), "verifyIntegrity", emptyRequest{}, &resp)
		if err == nil {
			bad = resp.BadPageIDs
		}
	default:
		err = skerrors.NotLeader("engine.VerifyIntegrity", "unknown mode")
	}
	e.record("verifyIntegrity", start, err)
	return bad, err
}

// Flush is the durability barrier for deferred (putNoSync) writes.
func (e *Engine) Flush() error {
	start := time.Now()

	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	var err error
	switch mode {
	case ModeAlt:
		err = e.alt.Flush()
	case ModeLeader:
		_, err = e.txnMgr.Flush()
	case ModeFollower:
		var resp emptyResponse
		err = e.proxy(context.Background(), "flush", emptyRequest{}, &resp)
	default:
		err = skerrors.NotLeader("engine.Flush", "unknown mode")
	}
	e.record("flush", start, err)
	return err
}

// dispatch runs a validated single-key write locally (leader/alt) or
// proxies req to the leader (follower), sharing one routing path across
// put/putNoSync/putWithTTL.
func (e *Engine) dispatch(op string, req putRequest, localFn func() error) error {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()

	if mode == ModeFollower {
		var resp emptyResponse
		return e.proxy(context.Background(), op, req, &resp)
	}
	return localFn()
}

// proxy marshals args, sends them through the coordinator to the leader,
// and unmarshals the result into out.
func (e *Engine) proxy(ctx context.Context, method string, args any, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return skerrors.BadInput("engine.proxy", "encoding args: %v", err)
	}
	result, err := e.coord.Invoke(ctx, method, argsJSON)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}
