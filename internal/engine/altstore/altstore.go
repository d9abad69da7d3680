/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package altstore is the fallback backend the facade delegates to when the
page/wal/index/txn substrate is unusable. It is built over an ordered,
transactional embedded key/value store rather than the page-structured
B+tree, and preserves byte-exact keys, the codec's stored-value framing
(so TTL and compression flags still round-trip through it unexamined),
multi-op atomicity for a whole commit, and ordered range scans. It is
permitted to be slower and has no structural integrity to walk.
*/
package altstore

import (
	"bytes"

	badger "github.com/dgraph-io/badger"

	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

// OpKind distinguishes a commit op's put from its delete.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation within a commit. Value is the already-encoded
// stored-value byte string; altstore never interprets it.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Pair is one (key, stored-value) result from a range scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Store is the alt backend: one badger database rooted at a directory,
// used only for its ordered-iteration and single-transaction-atomicity
// guarantees.
type Store struct {
	db  *badger.DB
	log *logging.Logger
}

// Open opens (creating if necessary) a badger database under dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, engerrors.IoError("altstore: open", err)
	}
	return &Store{db: db, log: logging.NewLogger("engine.altstore")}, nil
}

// Get returns the raw stored-value bytes at key, or engerrors.NotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return engerrors.NotFound("altstore: key not found")
		}
		if err != nil {
			return engerrors.IoError("altstore: get", err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return engerrors.IoError("altstore: read value", err)
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores key -> storedValue as a single-op commit.
func (s *Store) Put(key, storedValue []byte) error {
	return s.Commit([]Op{{Kind: OpPut, Key: key, Value: storedValue}})
}

// Delete removes key, reporting whether it existed, as a single-op
// commit.
func (s *Store) Delete(key []byte) (bool, error) {
	existed := true
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			existed = false
			return nil
		} else if err != nil {
			return engerrors.IoError("altstore: get before delete", err)
		}
		if err := txn.Delete(key); err != nil {
			return engerrors.IoError("altstore: delete", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// Commit applies ops atomically through a single badger transaction: all
// of ops take effect, or (on any failure) none do.
func (s *Store) Commit(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				if err := txn.Set(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := txn.Delete(op.Key); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return engerrors.IoError("altstore: commit", err)
	}
	return nil
}

// PutBatch applies pairs as one atomic commit, returning the count
// applied.
func (s *Store) PutBatch(pairs []Pair) (int, error) {
	ops := make([]Op, len(pairs))
	for i, p := range pairs {
		ops[i] = Op{Kind: OpPut, Key: p.Key, Value: p.Value}
	}
	if err := s.Commit(ops); err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// ScanRange returns stored pairs with lo <= key < hi in ascending order,
// up to limit results (0 means unlimited).
func (s *Store) ScanRange(lo, hi []byte, limit int) ([]Pair, error) {
	var out []Pair
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(lo); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if hi != nil && bytes.Compare(key, hi) >= 0 {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return engerrors.IoError("altstore: scan read value", err)
			}
			out = append(out, Pair{Key: key, Value: value})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyIntegrity always reports no bad pages: there is no page-structured
// substrate underneath this backend to walk.
func (s *Store) VerifyIntegrity() ([]uint32, error) {
	return nil, nil
}

// Flush is a no-op beyond what Commit already guarantees: every commit is
// synchronously durable (SyncWrites is always on), so there is nothing
// deferred for putNoSync to defer here — it degrades to a normal Put.
func (s *Store) Flush() error {
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return engerrors.IoError("altstore: close", err)
	}
	return nil
}
