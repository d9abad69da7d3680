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

package txn

import (
	"sync"

	"github.com/leiko57/skiodb/internal/engine/index"
	"github.com/leiko57/skiodb/internal/engine/page"
	"github.com/leiko57/skiodb/internal/engine/wal"
	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

// Manager owns the single writer's view of the tree root and the LSN/tx-id
// sequences, and drives the six-step commit protocol against a page.Store,
// a wal.WAL, and an index.Tree.
type Manager struct {
	mu sync.Mutex

	store *page.Store
	wal   *wal.WAL
	tree  *index.Tree
	log   *logging.Logger

	root    page.ID
	nextLSN uint64
	nextTx  uint64

	// pendingSync is set by a putNoSync-style commit once it has skipped
	// an fsync, and cleared by Flush. Close always flushes regardless.
	pendingSync bool
}

// NewManager builds a Manager seeded from the store's active meta (its
// root) and the highest LSN replayed from the WAL on open (its sequence).
func NewManager(store *page.Store, w *wal.WAL, tree *index.Tree, replayedLSN uint64) *Manager {
	meta := store.ActiveMeta()
	root := meta.RootPageID
	last := meta.LastDurableLSN
	if replayedLSN > last {
		last = replayedLSN
	}
	return &Manager{
		store:   store,
		wal:     w,
		tree:    tree,
		log:     logging.NewLogger("engine.txn"),
		root:    root,
		nextLSN: last,
	}
}

// Begin opens a new transaction with an empty write set.
func (m *Manager) Begin() *Tx {
	return &Tx{mgr: m, index: make(map[string]int), state: StateOpen}
}

// Root returns the tree root visible to the next transaction (the most
// recently committed one, whether or not it was synced yet).
func (m *Manager) Root() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// HasPendingSync reports whether an earlier non-durable commit is still
// awaiting a flush.
func (m *Manager) HasPendingSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSync
}

// Commit assembles tx's buffered ops into one WAL record and applies the
// full six-step protocol durably: WAL append + flush, B+tree apply,
// dirty-page sync, alternate-meta write + sync, then free-list update.
func (m *Manager) Commit(tx *Tx) error {
	return m.commit(tx, true)
}

// CommitNoSync runs the same protocol but defers the WAL and page/meta
// fsyncs (spec's putNoSync contract): the op is visible immediately to
// later reads and to later commits, but is not guaranteed durable until
// Flush, a later durable Commit, or Close.
func (m *Manager) CommitNoSync(tx *Tx) error {
	return m.commit(tx, false)
}

func (m *Manager) commit(tx *Tx, durable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.state != StateOpen {
		return engerrors.BadInput("transaction is not open")
	}
	if tx.Empty() {
		tx.state = StateCommitted
		return nil
	}
	tx.state = StateStaged

	lsn := m.nextLSN + 1
	txID := m.nextTx + 1

	walOps := make([]wal.Op, 0, len(tx.ops))
	for _, op := range tx.ops {
		walOps = append(walOps, wal.Op{Type: op.opType, Key: op.key, Value: op.value})
	}

	// Step 1-2: WAL record is the durability point. A failure here
	// leaves no on-disk effect beyond whatever garbage trails the last
	// good record, which replay on next open ignores as a torn tail.
	if err := m.wal.Append(lsn, txID, walOps); err != nil {
		tx.state = StateAborted
		return err
	}
	if durable {
		if err := m.wal.Flush(); err != nil {
			tx.state = StateAborted
			return err
		}
	} else {
		m.pendingSync = true
	}

	// Step 3: apply to the B+tree via copy-on-write, every dirtied page
	// stamped with this commit's LSN.
	m.tree.SetLSN(lsn)
	root := m.root
	var freed []page.ID
	for _, op := range tx.ops {
		switch op.opType {
		case wal.OpPut, wal.OpPutTTL:
			newRoot, f, _, err := m.tree.Insert(root, op.key, op.value)
			if err != nil {
				tx.state = StateAborted
				return err
			}
			root = newRoot
			freed = append(freed, f...)
		case wal.OpDelete:
			newRoot, f, _, err := m.tree.Remove(root, op.key)
			if err != nil {
				tx.state = StateAborted
				return err
			}
			root = newRoot
			freed = append(freed, f...)
		}
	}

	// Step 4: dirty pages are already written by Tree.Insert/Remove
	// (copy-on-write always writes the new page immediately); sync them.
	if durable {
		if err := m.store.Sync(); err != nil {
			tx.state = StateAborted
			return err
		}
	} else {
		m.pendingSync = true
	}

	// Step 5: the alternate meta slot, with this commit's root and LSN,
	// is the checkpoint. freeListHead is left as it stood before this
	// transaction's own frees (step 6 adds them only after this meta is
	// durable, so a crash between here and the free-list update cannot
	// let a new allocation reuse a page the old root still references).
	freeListHead := m.store.ActiveMeta().FreeListHead
	flags := m.store.ActiveMeta().Flags
	if err := m.store.CommitMeta(root, freeListHead, lsn, flags, durable); err != nil {
		tx.state = StateAborted
		return err
	}
	if !durable {
		m.pendingSync = true
	}

	// Step 6: move this transaction's freed pages onto the free-list.
	for _, id := range freed {
		if err := m.store.Free(id); err != nil {
			m.log.Error("free page after commit", "page_id", uint32(id), "error", err.Error())
		}
	}

	m.root = root
	m.nextLSN = lsn
	m.nextTx = txID
	tx.state = StateCommitted
	return nil
}

// Flush forces durability of any deferred (putNoSync) commits: it syncs
// the WAL segment and the page file, covering every write issued since
// the last durable commit.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if !m.pendingSync {
		return nil
	}
	if err := m.wal.Flush(); err != nil {
		return err
	}
	if err := m.store.Sync(); err != nil {
		return err
	}
	m.pendingSync = false
	return nil
}

// LastLSN returns the highest LSN assigned by a commit so far.
func (m *Manager) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// Abort marks tx aborted; its buffered ops are simply discarded since
// nothing outside the Tx ever observed them.
func (tx *Tx) Abort() {
	tx.state = StateAborted
	tx.ops = nil
	tx.index = nil
}
