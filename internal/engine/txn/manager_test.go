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
	"path/filepath"
	"testing"

	"github.com/leiko57/skiodb/internal/engine/index"
	"github.com/leiko57/skiodb/internal/engine/page"
	"github.com/leiko57/skiodb/internal/engine/wal"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := page.Open(filepath.Join(dir, "db.pages"))
	if err != nil {
		t.Fatalf("page.Open: %v", err)
	}
	w, err := wal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	tree := index.New(store)
	return NewManager(store, w, tree, 0)
}

func TestManagerCommitAppliesToTree(t *testing.T) {
	m := setupManager(t)

	tx := m.Begin()
	if err := tx.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("state = %v, want Committed", tx.State())
	}

	tree := index.New(m.store)
	val, err := tree.Lookup(m.Root(), []byte("k1"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(val) != "v1" {
		t.Fatalf("Lookup k1 = %q, want v1", val)
	}
}

func TestManagerLaterOpShadowsEarlier(t *testing.T) {
	m := setupManager(t)

	tx := m.Begin()
	_ = tx.Put([]byte("k"), []byte("first"))
	_ = tx.Put([]byte("k"), []byte("second"))
	if len(tx.ops) != 1 {
		t.Fatalf("expected dedup to one buffered op, got %d", len(tx.ops))
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tree := index.New(m.store)
	val, _ := tree.Lookup(m.Root(), []byte("k"))
	if string(val) != "second" {
		t.Fatalf("Lookup = %q, want second", val)
	}
}

func TestManagerReadYourWrites(t *testing.T) {
	m := setupManager(t)
	tx := m.Begin()
	_ = tx.Put([]byte("a"), []byte("1"))
	_ = tx.Delete([]byte("b"))

	if val, found, ok := tx.Get([]byte("a")); !ok || !found || string(val) != "1" {
		t.Fatalf("Get(a) = %q found=%v ok=%v", val, found, ok)
	}
	if _, found, ok := tx.Get([]byte("b")); !ok || found {
		t.Fatalf("Get(b) should report a buffered delete, found=%v ok=%v", found, ok)
	}
	if _, _, ok := tx.Get([]byte("c")); ok {
		t.Fatal("Get(c) should report no buffered op")
	}
}

func TestManagerDeleteRemovesKey(t *testing.T) {
	m := setupManager(t)

	tx := m.Begin()
	_ = tx.Put([]byte("k"), []byte("v"))
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := m.Begin()
	_ = tx2.Delete([]byte("k"))
	if err := m.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tree := index.New(m.store)
	val, err := tree.Lookup(m.Root(), []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if val != nil {
		t.Fatalf("Lookup after delete = %q, want nil", val)
	}
}

func TestManagerCommitNoSyncDefersFlush(t *testing.T) {
	m := setupManager(t)

	tx := m.Begin()
	_ = tx.Put([]byte("k"), []byte("v"))
	if err := m.CommitNoSync(tx); err != nil {
		t.Fatalf("CommitNoSync: %v", err)
	}
	if !m.HasPendingSync() {
		t.Fatal("expected pending sync after CommitNoSync")
	}

	// The write is visible immediately despite the deferred fsync.
	tree := index.New(m.store)
	val, _ := tree.Lookup(m.Root(), []byte("k"))
	if string(val) != "v" {
		t.Fatalf("Lookup = %q, want v", val)
	}

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if m.HasPendingSync() {
		t.Fatal("expected pending sync cleared after Flush")
	}
}

func TestManagerEmptyCommitIsNoop(t *testing.T) {
	m := setupManager(t)
	tx := m.Begin()
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit of empty tx: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("state = %v, want Committed", tx.State())
	}
	if m.LastLSN() != 0 {
		t.Fatalf("LastLSN = %d, want 0 (empty commit assigns no LSN)", m.LastLSN())
	}
}

func TestManagerCommitVisibleAfterReopen(t *testing.T) {
	dir := t.TempDir()
	pagePath := filepath.Join(dir, "db.pages")
	walDir := filepath.Join(dir, "wal")

	store, err := page.Open(pagePath)
	if err != nil {
		t.Fatalf("page.Open: %v", err)
	}
	w, err := wal.Open(walDir)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	tree := index.New(store)
	m := NewManager(store, w, tree, 0)

	tx := m.Begin()
	_ = tx.Put([]byte("durable"), []byte("value"))
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	root := m.Root()
	store.Close()
	w.Close()

	// Reopen: the durable meta already reflects the committed root, so a
	// lookup against it (without any WAL replay) still finds the value.
	store2, err := page.Open(pagePath)
	if err != nil {
		t.Fatalf("reopen page.Open: %v", err)
	}
	defer store2.Close()
	if store2.ActiveMeta().RootPageID != root {
		t.Fatalf("reopened root = %v, want %v", store2.ActiveMeta().RootPageID, root)
	}
	tree2 := index.New(store2)
	val, err := tree2.Lookup(store2.ActiveMeta().RootPageID, []byte("durable"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(val) != "value" {
		t.Fatalf("Lookup after reopen = %q, want value", val)
	}
}
