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
	"encoding/binary"
	"testing"
	"time"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

func openTest(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "t1"
	}
	e, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestBasicPutGetDelete(t *testing.T) {
	e := openTest(t, Options{})

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

	existed, err = e.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatal("second Delete should report the key did not exist")
	}
}

func TestCommitTransactionAtomic(t *testing.T) {
	e := openTest(t, Options{})

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
	if _, err := e.Get([]byte("z")); !engerrors.Is(err, engerrors.KindNotFound) {
		t.Fatalf("Get(z) = %v, want NotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	e := openTest(t, Options{})

	if err := e.PutWithTTL([]byte("k"), []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("PutWithTTL: %v", err)
	}

	v, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("Get before expiry = %q, want v", v)
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := e.Get([]byte("k")); !engerrors.Is(err, engerrors.KindNotFound) {
		t.Fatalf("Get after expiry = %v, want NotFound", err)
	}

	pairs, err := e.ScanRange([]byte("k"), []byte("k\x00"), 0)
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("ScanRange after expiry = %v, want empty", pairs)
	}
}

func TestOrderedScan(t *testing.T) {
	e := openTest(t, Options{})

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

func TestPutBatchAtomic(t *testing.T) {
	e := openTest(t, Options{})

	var buf []byte
	for i := 0; i < 500; i++ {
		k := []byte{byte(i >> 8), byte(i)}
		v := []byte("value")
		buf = appendFramed(buf, k, v)
	}

	n, err := e.PutBatch(buf)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if n != 500 {
		t.Fatalf("PutBatch applied %d, want 500", n)
	}

	pairs, err := e.ScanRange(nil, nil, 0)
	if err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(pairs) != 500 {
		t.Fatalf("ScanRange returned %d pairs, want 500", len(pairs))
	}
}

func TestPutBatchRejectsTruncatedFraming(t *testing.T) {
	e := openTest(t, Options{})

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 10) // claims a 10-byte key, none follows
	if _, err := e.PutBatch(buf); !engerrors.Is(err, engerrors.KindBadInput) {
		t.Fatalf("PutBatch with truncated framing = %v, want BadInput", err)
	}
}

func TestReopenRecoversDurableState(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{Name: "t1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, Options{Name: "t1"})
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

func TestPutNoSyncThenFlush(t *testing.T) {
	e := openTest(t, Options{})

	if err := e.PutNoSync([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutNoSync: %v", err)
	}
	v, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("Get = %q, want v", v)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestVerifyIntegrityEmptyAfterCommits(t *testing.T) {
	e := openTest(t, Options{})

	for i := 0; i < 50; i++ {
		k := []byte{byte(i)}
		if err := e.Put(k, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < 25; i++ {
		k := []byte{byte(i)}
		if _, err := e.Delete(k); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	bad, err := e.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("VerifyIntegrity = %v, want empty", bad)
	}
}

func TestReclaimOrphansAfterDeletes(t *testing.T) {
	e := openTest(t, Options{})

	big := make([]byte, 5000) // forces an overflow chain
	if err := e.Put([]byte("big"), big); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Delete([]byte("big")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reclaimed, err := e.ReclaimOrphans()
	if err != nil {
		t.Fatalf("ReclaimOrphans: %v", err)
	}
	if reclaimed < 0 {
		t.Fatalf("ReclaimOrphans returned negative count: %d", reclaimed)
	}
}

func TestEncryptionRoundTripWithWidenedKey(t *testing.T) {
	e := openTest(t, Options{EncryptionKey: []byte("0123456789abcdef")}) // 16 bytes

	if err := e.Put([]byte("secret"), []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := e.Get([]byte("secret"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "payload" {
		t.Fatalf("Get = %q, want payload", v)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{Name: "t1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.Close()

	ro, err := Open(dir, Options{Name: "t1", ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.Get([]byte("k")); err != nil {
		t.Fatalf("Get on read-only engine: %v", err)
	}
	if err := ro.Put([]byte("k2"), []byte("v2")); !engerrors.Is(err, engerrors.KindBadInput) {
		t.Fatalf("Put on read-only engine = %v, want BadInput", err)
	}
}

func TestInvalidNameRejected(t *testing.T) {
	if _, err := Open(t.TempDir(), Options{Name: "bad name!"}); !engerrors.Is(err, engerrors.KindBadInput) {
		t.Fatalf("Open with invalid name = %v, want BadInput", err)
	}
}

func appendFramed(buf, key, value []byte) []byte {
	klen := make([]byte, 4)
	binary.LittleEndian.PutUint32(klen, uint32(len(key)))
	vlen := make([]byte, 4)
	binary.LittleEndian.PutUint32(vlen, uint32(len(value)))
	buf = append(buf, klen...)
	buf = append(buf, key...)
	buf = append(buf, vlen...)
	buf = append(buf, value...)
	return buf
}
