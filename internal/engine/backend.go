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

package engine

import (
	"path/filepath"

	"github.com/leiko57/skiodb/internal/engine/altstore"
	"github.com/leiko57/skiodb/internal/engine/index"
	"github.com/leiko57/skiodb/internal/engine/page"
	"github.com/leiko57/skiodb/internal/engine/txn"
	"github.com/leiko57/skiodb/internal/engine/wal"
	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

// rawOpKind distinguishes the three storage-level operations a backend
// applies. Keys and values at this layer are raw bytes: the already
// codec-encoded stored-value, never the caller's plaintext value.
type rawOpKind int

const (
	rawPut rawOpKind = iota
	rawPutTTL
	rawDelete
)

type rawOp struct {
	kind  rawOpKind
	key   []byte
	value []byte
}

type rawPair struct {
	key   []byte
	value []byte
}

// backend is the storage substrate the facade drives: either the primary
// page/wal/index/txn stack or the alt backend. Dispatch is a tagged
// variant fixed at Open time, not re-decided per call.
type backend interface {
	commit(ops []rawOp, durable bool) error
	lookup(key []byte) ([]byte, error) // engerrors.NotFound if absent
	scanRaw(lo, hi []byte, limit int) ([]rawPair, error)
	verifyIntegrity() ([]uint32, error)
	reclaimOrphans() (int, error)
	flush() error
	close() error
}

// coreBackend drives the page-structured substrate: page.Store, wal.WAL,
// index.Tree, and txn.Manager.
type coreBackend struct {
	store *page.Store
	wal   *wal.WAL
	tree  *index.Tree
	mgr   *txn.Manager
	log   *logging.Logger
}

func openCoreBackend(dir string) (*coreBackend, error) {
	store, err := page.Open(filepath.Join(dir, "db.pages"))
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(filepath.Join(dir, "db.wal"))
	if err != nil {
		store.Close()
		return nil, err
	}
	tree := index.New(store)
	log := logging.NewLogger("engine")

	replayedLSN, err := recoverFromWAL(store, w, tree, log)
	if err != nil {
		store.Close()
		w.Close()
		return nil, err
	}

	return &coreBackend{
		store: store,
		wal:   w,
		tree:  tree,
		mgr:   txn.NewManager(store, w, tree, replayedLSN),
		log:   log,
	}, nil
}

func (b *coreBackend) commit(ops []rawOp, durable bool) error {
	tx := b.mgr.Begin()
	for _, op := range ops {
		var err error
		switch op.kind {
		case rawPut:
			err = tx.Put(op.key, op.value)
		case rawPutTTL:
			err = tx.PutWithTTL(op.key, op.value)
		case rawDelete:
			err = tx.Delete(op.key)
		}
		if err != nil {
			return err
		}
	}
	if durable {
		return b.mgr.Commit(tx)
	}
	return b.mgr.CommitNoSync(tx)
}

func (b *coreBackend) lookup(key []byte) ([]byte, error) {
	v, err := b.tree.Lookup(b.mgr.Root(), key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, engerrors.NotFound("engine: key not found")
	}
	return v, nil
}

func (b *coreBackend) scanRaw(lo, hi []byte, limit int) ([]rawPair, error) {
	chunk := limit
	if chunk <= 0 || chunk > 256 {
		chunk = 256
	}
	var out []rawPair
	var cursor *index.Cursor
	for {
		raw, next, err := b.tree.Range(b.mgr.Root(), lo, hi, chunk, cursor)
		if err != nil {
			return nil, err
		}
		for _, p := range raw {
			out = append(out, rawPair{key: p.Key, value: p.Value})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if next == nil {
			return out, nil
		}
		cursor = next
	}
}

// verifyIntegrity walks every page reachable from the current root plus
// the free-list, reporting the page-ids of any crc failure or structural
// violation found by the walk, and of any free-list page that is also
// reachable. Pages that are neither reachable nor free (orphans, which
// reclaimOrphans frees) are not reported.
func (b *coreBackend) verifyIntegrity() ([]uint32, error) {
	bad, reachable := b.tree.Walk(b.mgr.Root())
	freeIDs, err := b.store.FreeListIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range freeIDs {
		if reachable[id] {
			bad = append(bad, id)
		}
	}
	out := make([]uint32, len(bad))
	for i, id := range bad {
		out[i] = uint32(id)
	}
	return out, nil
}

// reclaimOrphans frees pages that are neither reachable from the current
// root nor already on the free-list: overflow chains and tree nodes left
// dangling by a transaction that allocated pages but whose WAL record
// never became durable.
func (b *coreBackend) reclaimOrphans() (int, error) {
	_, reachable := b.tree.Walk(b.mgr.Root())
	freeIDs, err := b.store.FreeListIDs()
	if err != nil {
		return 0, err
	}
	free := make(map[page.ID]bool, len(freeIDs))
	for _, id := range freeIDs {
		free[id] = true
	}

	reclaimed := 0
	for id := page.ID(2); id < b.store.NextPageID(); id++ {
		if reachable[id] || free[id] {
			continue
		}
		if err := b.store.Free(id); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (b *coreBackend) flush() error {
	return b.mgr.Flush()
}

func (b *coreBackend) close() error {
	flushErr := b.mgr.Flush()
	storeErr := b.store.Close()
	walErr := b.wal.Close()
	if flushErr != nil {
		return flushErr
	}
	if storeErr != nil {
		return storeErr
	}
	return walErr
}

// recoverFromWAL replays every WAL record past the active meta's durable
// LSN into tree, then — if anything was replayed — writes the alternate
// meta so the recovered state becomes the new durable checkpoint. It
// returns the highest LSN now reflected on disk.
func recoverFromWAL(store *page.Store, w *wal.WAL, tree *index.Tree, log *logging.Logger) (uint64, error) {
	meta := store.ActiveMeta()
	root := meta.RootPageID
	var freed []page.ID

	lastGood, err := w.Replay(meta.LastDurableLSN, func(lsn, _ uint64, ops []wal.Op) bool {
		tree.SetLSN(lsn)
		for _, op := range ops {
			switch op.Type {
			case wal.OpPut, wal.OpPutTTL:
				newRoot, f, _, ierr := tree.Insert(root, op.Key, op.Value)
				if ierr != nil {
					log.Error("recovery: apply put failed", "lsn", lsn, "error", ierr.Error())
					return false
				}
				root = newRoot
				freed = append(freed, f...)
			case wal.OpDelete:
				newRoot, f, _, ierr := tree.Remove(root, op.Key)
				if ierr != nil {
					log.Error("recovery: apply delete failed", "lsn", lsn, "error", ierr.Error())
					return false
				}
				root = newRoot
				freed = append(freed, f...)
			}
		}
		return true
	})
	if err != nil {
		return meta.LastDurableLSN, err
	}
	if lastGood <= meta.LastDurableLSN {
		return meta.LastDurableLSN, nil
	}

	log.Info("recovery: replayed WAL records", "from_lsn", meta.LastDurableLSN, "to_lsn", lastGood)
	if err := store.CommitMeta(root, store.ActiveMeta().FreeListHead, lastGood, meta.Flags, true); err != nil {
		return meta.LastDurableLSN, err
	}
	for _, id := range freed {
		if err := store.Free(id); err != nil {
			log.Error("recovery: free superseded page", "page_id", uint32(id), "error", err.Error())
		}
	}
	return lastGood, nil
}

// altBackend adapts altstore.Store to the backend interface. It has no
// page-structured substrate: verifyIntegrity always reports clean and
// reclaimOrphans is a no-op, matching the alt backend's contract of
// preserving correctness over the primary's maintenance operations.
type altBackend struct {
	store *altstore.Store
}

func openAltBackend(dir string) (*altBackend, error) {
	s, err := altstore.Open(filepath.Join(dir, "db.alt"))
	if err != nil {
		return nil, err
	}
	return &altBackend{store: s}, nil
}

func (b *altBackend) commit(ops []rawOp, _ bool) error {
	aops := make([]altstore.Op, len(ops))
	for i, op := range ops {
		switch op.kind {
		case rawPut, rawPutTTL:
			aops[i] = altstore.Op{Kind: altstore.OpPut, Key: op.key, Value: op.value}
		case rawDelete:
			aops[i] = altstore.Op{Kind: altstore.OpDelete, Key: op.key}
		}
	}
	return b.store.Commit(aops)
}

func (b *altBackend) lookup(key []byte) ([]byte, error) {
	return b.store.Get(key)
}

func (b *altBackend) scanRaw(lo, hi []byte, limit int) ([]rawPair, error) {
	pairs, err := b.store.ScanRange(lo, hi, limit)
	if err != nil {
		return nil, err
	}
	out := make([]rawPair, len(pairs))
	for i, p := range pairs {
		out[i] = rawPair{key: p.Key, value: p.Value}
	}
	return out, nil
}

func (b *altBackend) verifyIntegrity() ([]uint32, error) { return b.store.VerifyIntegrity() }
func (b *altBackend) reclaimOrphans() (int, error)       { return 0, nil }
func (b *altBackend) flush() error                       { return b.store.Flush() }
func (b *altBackend) close() error                       { return b.store.Close() }
