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
	"testing"
	"time"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// TestAltBackendBasicPutGetDelete re-runs the core backend's basic
// contract against the alt backend to confirm both satisfy the same
// observable behavior.
func TestAltBackendBasicPutGetDelete(t *testing.T) {
	e := openTest(t, Options{UseAltBackend: true})

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := e.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("Get = %q, want 1", v)
	}

	existed, err := e.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatal("Delete should report the key existed")
	}
	if _, err := e.Get([]byte("a")); !engerrors.Is(err, engerrors.KindNotFound) {
		t.Fatalf("Get after delete = %v, want NotFound", err)
	}
}

func TestAltBackendCommitTransactionAtomic(t *testing.T) {
	e := openTest(t, Options{UseAltBackend: true})

	err := e.CommitTransaction([]Op{
		{Kind: OpPut, Key: []byte("x"), Value: []byte("1")},
		{Kind: OpPut, Key: []byte("y"), Value: []byte("2")},
		{Kind: OpDelete, Key: []byte("z")},
	})
	if err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	for k, want := range map[string]string{"x": "1", "y": "2"} {
		v, err := e.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		if string(v) != want {
			t.Fatalf("Get(%s) = %q, want %q", k, v, want)
		}
	}
}

func TestAltBackendTTLExpiry(t *testing.T) {
	e := openTest(t, Options{UseAltBackend: true})

	if err := e.PutWithTTL([]byte("k"), []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL: %v", err)
	}
	if v, err := e.Get([]byte("k")); err != nil || string(v) != "v" {
		t.Fatalf("Get before expiry = (%q, %v), want (v, nil)", v, err)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := e.Get([]byte("k")); !engerrors.Is(err, engerrors.KindNotFound) {
		t.Fatalf("Get after expiry = %v, want NotFound", err)
	}
}

func TestAltBackendOrderedScan(t *testing.T) {
	e := openTest(t, Options{UseAltBackend: true})

	for _, k := range []string{"b", "a", "c"} {
		if err := e.Put([]byte(k), []byte(k+"-v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	pairs, err := e.ScanRange([]byte("a"), []byte("d"), 10)
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(pairs) != len(want) {
		t.Fatalf("ScanRange returned %d pairs, want %d", len(pairs), len(want))
	}
	for i, k := range want {
		if string(pairs[i].Key) != k {
			t.Fatalf("pairs[%d].Key = %q, want %q", i, pairs[i].Key, k)
		}
	}
}

// TestAltBackendPutNoSyncDegradesToPut confirms the alt backend's commits
// are always durable, so a value written with PutNoSync survives a
// reopen without an intervening Flush.
func TestAltBackendPutNoSyncDegradesToPut(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{Name: "t1", UseAltBackend: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.PutNoSync([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutNoSync: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, Options{Name: "t1", UseAltBackend: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	v, err := e2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("Get after reopen = %q, want v", v)
	}
}

func TestAltBackendVerifyIntegrityAndReclaimAreNoOps(t *testing.T) {
	e := openTest(t, Options{UseAltBackend: true})

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	bad, err := e.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("VerifyIntegrity = %v, want empty", bad)
	}

	reclaimed, err := e.ReclaimOrphans()
	if err != nil {
		t.Fatalf("ReclaimOrphans: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("ReclaimOrphans = %d, want 0", reclaimed)
	}
}

func TestAltBackendReopenRecoversDurableState(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{Name: "t1", UseAltBackend: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, Options{Name: "t1", UseAltBackend: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	v, err := e2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("Get after reopen = %q, want value", v)
	}
}
