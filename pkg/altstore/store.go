// ABOUTME: bbolt-backed fallback store preserving the primary engine's key/TTL semantics.
// ABOUTME: Used when the page-file substrate itself is unavailable.
// Package altstore implements the Alt Backend (component H): a
// semantics-preserving fallback used when the primary page-file substrate
// is unavailable (§4.H). It keeps the same key space, the same TTL
// encoding and the same transaction atomicity the primary engine offers,
// within the limits of a host-provided ordered transactional store.
//
// The pack carries go.etcd.io/bbolt's own source as reference material
// (other_examples' tx_check.go), not a usage example, so this package is
// written against bbolt's well-known public API (Open/Update/View,
// CreateBucketIfNotExists, Cursor.Seek) rather than a copied call
// pattern — see DESIGN.md.
package altstore

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/leiko57/SikioDB/pkg/codec"
	"github.com/leiko57/SikioDB/pkg/skerrors"
)

var bucketName = []byte("kv")

// Store is one database's alt-backend handle: a single bbolt database file
// per name, one bucket holding every key in that database.
type Store struct {
	db    *bbolt.DB
	codec *codec.Codec
}

// Open opens (creating if absent) the bbolt file backing name under
// dataDir.
func Open(dataDir, name string, c *codec.Codec) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, skerrors.IoError("altstore.Open", err, "creating data dir")
	}
	path := filepath.Join(dataDir, name+".bolt")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, skerrors.IoError("altstore.Open", err, "opening bbolt database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, skerrors.IoError("altstore.Open", err, "creating bucket")
	}
	return &Store{db: db, codec: c}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return skerrors.IoError("altstore.Close", err, "")
	}
	return nil
}

// Put writes key/value unconditionally, synchronously (bbolt's Update
// commits and fsyncs the backing file before returning).
func (s *Store) Put(key, value []byte) error {
	return s.put(key, value, nil)
}

// PutNoSync degrades to Put: bbolt has no deferred-fsync mode worth
// exposing here, per §4.H.
func (s *Store) PutNoSync(key, value []byte) error {
	return s.put(key, value, nil)
}

// PutWithTTL writes key/value with an absolute expiry.
func (s *Store) PutWithTTL(key, value []byte, expiresAt time.Time) error {
	exp := expiresAt
	return s.put(key, value, &exp)
}

func (s *Store) put(key, value []byte, ttl *time.Time) error {
	stored, err := s.codec.Encode(value, ttl)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, stored)
	})
	if err != nil {
		return skerrors.IoError("altstore.Put", err, "")
	}
	return nil
}

// Get looks up key, returning not-found for a missing or expired entry. An
// expired entry is deleted in a follow-up write, matching §4.F's "queues
// it for lazy deletion during the next write transaction."
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var stored []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			stored = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, skerrors.IoError("altstore.Get", err, "")
	}
	if stored == nil {
		return nil, false, nil
	}
	value, expired, err := s.codec.Decode(stored, time.Now())
	if err != nil {
		return nil, false, err
	}
	if expired {
		_, _ = s.Delete(key)
		return nil, false, nil
	}
	return value, true, nil
}

// Delete removes key, reporting whether a live (non-expired) entry existed.
func (s *Store) Delete(key []byte) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(key)
		if v != nil {
			if _, expired, derr := s.codec.Decode(v, time.Now()); derr == nil && !expired {
				existed = true
			}
		}
		return b.Delete(key)
	})
	if err != nil {
		return false, skerrors.IoError("altstore.Delete", err, "")
	}
	return existed, nil
}

// KV is one pair in a putBatch request.
type KV struct {
	Key   []byte
	Value []byte
}

// PutBatch writes every pair in one commit, returning the count written.
func (s *Store) PutBatch(pairs []KV) (int, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, p := range pairs {
			stored, err := s.codec.Encode(p.Value, nil)
			if err != nil {
				return err
			}
			if err := b.Put(p.Key, stored); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, skerrors.IoError("altstore.PutBatch", err, "")
	}
	return len(pairs), nil
}

// Op is one staged operation in a commitTransaction call.
type Op struct {
	Delete bool
	Key    []byte
	Value  []byte
	TTL    *time.Time
}

// CommitTransaction applies every op in one bbolt transaction.
func (s *Store) CommitTransaction(ops []Op) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			stored, err := s.codec.Encode(op.Value, op.TTL)
			if err != nil {
				return err
			}
			if err := b.Put(op.Key, stored); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return skerrors.IoError("altstore.CommitTransaction", err, "")
	}
	return nil
}

// ScanRange walks keys in [lo, hi) order, up to limit live entries, calling
// fn for each. limit <= 0 means unbounded.
func (s *Store) ScanRange(lo, hi []byte, limit int, fn func(key, value []byte) bool) error {
	now := time.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		count := 0
		for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				break
			}
			value, expired, err := s.codec.Decode(v, now)
			if err != nil {
				return err
			}
			if expired {
				continue
			}
			if !fn(append([]byte(nil), k...), value) {
				break
			}
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return skerrors.IoError("altstore.ScanRange", err, "")
	}
	return nil
}

// VerifyIntegrity always reports no bad pages: bbolt owns its own file
// format and already guarantees internal consistency on every commit, per
// §4.H.
func (s *Store) VerifyIntegrity() []uint64 {
	return nil
}

// Flush is a no-op: every bbolt Update already fsyncs before returning, so
// there is never deferred durability to catch up.
func (s *Store) Flush() error {
	return nil
}
