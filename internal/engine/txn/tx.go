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
Package txn implements the transaction manager: the state machine that
buffers a write set, assembles it into one WAL record, and applies it to
the page store and ordered index as a single atomic commit.

The buffer is ops-in-order with read-your-writes and later-op-shadows-
earlier dedup by key. Commit does not simply replay the buffer against
storage: it writes one WAL record, applies the ops to the B+tree via
copy-on-write, and advances the page store's meta atomically.
*/
package txn

import (
	"github.com/leiko57/skiodb/internal/engine/wal"
	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// State is a transaction's position in Open -> Staged -> Committed|Aborted.
type State int

const (
	StateOpen State = iota
	StateStaged
	StateCommitted
	StateAborted
)

type bufferedOp struct {
	opType wal.OpType
	key    []byte
	value  []byte // stored-value bytes (already codec-framed); nil for delete
}

// Tx is an open transaction's write set. A Tx is not safe for concurrent
// use by multiple goroutines; the engine facade holds one at a time per
// writer.
type Tx struct {
	mgr   *Manager
	ops   []bufferedOp
	index map[string]int // key -> position in ops, for dedup + read-your-writes
	state State
}

// Put buffers a write of key -> storedValue, shadowing any earlier op on
// the same key within this transaction.
func (tx *Tx) Put(key, storedValue []byte) error {
	return tx.buffer(wal.OpPut, key, storedValue)
}

// PutWithTTL buffers a write whose storedValue already carries the codec's
// expiry framing. Op-type differs from Put only for WAL record labeling.
func (tx *Tx) PutWithTTL(key, storedValue []byte) error {
	return tx.buffer(wal.OpPutTTL, key, storedValue)
}

// Delete buffers a removal of key.
func (tx *Tx) Delete(key []byte) error {
	return tx.buffer(wal.OpDelete, key, nil)
}

func (tx *Tx) buffer(opType wal.OpType, key, value []byte) error {
	if tx.state != StateOpen {
		return engerrors.BadInput("transaction is not open")
	}
	k := string(key)
	op := bufferedOp{opType: opType, key: append([]byte(nil), key...), value: value}
	if i, ok := tx.index[k]; ok {
		tx.ops[i] = op
		return nil
	}
	tx.index[k] = len(tx.ops)
	tx.ops = append(tx.ops, op)
	return nil
}

// Get returns a pending write's value for key, reflecting this
// transaction's own buffered ops before they are committed. ok is false
// if key has no pending op in this transaction (the caller should then
// consult the engine's committed state); found distinguishes a buffered
// delete (key definitely absent) from a buffered put.
func (tx *Tx) Get(key []byte) (value []byte, found, ok bool) {
	i, exists := tx.index[string(key)]
	if !exists {
		return nil, false, false
	}
	op := tx.ops[i]
	if op.opType == wal.OpDelete {
		return nil, false, true
	}
	return op.value, true, true
}

// State reports the transaction's current state.
func (tx *Tx) State() State { return tx.state }

// Empty reports whether the transaction has no buffered ops.
func (tx *Tx) Empty() bool { return len(tx.ops) == 0 }
