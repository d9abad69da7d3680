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

package altstore

import (
	"testing"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTest(t)

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("Get = %q, want 1", v)
	}

	existed, err := s.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatal("Delete should report the key existed")
	}
	if _, err := s.Get([]byte("a")); !engerrors.Is(err, engerrors.KindNotFound) {
		t.Fatalf("Get after delete = %v, want NotFound", err)
	}
}

func TestCommitAtomic(t *testing.T) {
	s := openTest(t)

	err := s.Commit([]Op{
		{Kind: OpPut, Key: []byte("x"), Value: []byte("1")},
		{Kind: OpPut, Key: []byte("y"), Value: []byte("2")},
		{Kind: OpDelete, Key: []byte("z")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for k, want := range map[string]string{"x": "1", "y": "2"} {
		v, err := s.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		if string(v) != want {
			t.Fatalf("Get(%s) = %q, want %q", k, v, want)
		}
	}
}

func TestScanRangeOrdered(t *testing.T) {
	s := openTest(t)

	for _, k := range []string{"b", "a", "c"} {
		if err := s.Put([]byte(k), []byte(k+"-v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	pairs, err := s.ScanRange([]byte("a"), []byte("d"), 0)
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

func TestScanRangeRespectsLimit(t *testing.T) {
	s := openTest(t)

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := s.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	pairs, err := s.ScanRange(nil, nil, 2)
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("ScanRange returned %d pairs, want 2", len(pairs))
	}
}

func TestPutBatch(t *testing.T) {
	s := openTest(t)

	pairs := []Pair{
		{Key: []byte("p1"), Value: []byte("v1")},
		{Key: []byte("p2"), Value: []byte("v2")},
	}
	n, err := s.PutBatch(pairs)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("PutBatch applied %d, want 2", n)
	}
}

func TestVerifyIntegrityAlwaysClean(t *testing.T) {
	s := openTest(t)
	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	bad, err := s.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("VerifyIntegrity = %v, want empty", bad)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	v, err := s2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("Get after reopen = %q, want value", v)
	}
}
