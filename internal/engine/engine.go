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
Package engine is the public facade over the storage core: open/close,
put/get/delete, TTL writes, batches, whole-transaction commits, ordered
range scans, an integrity walk, and the explicit durability barrier a
putNoSync caller eventually needs.

Engine is the single entry point an embedder constructs. It dispatches
every operation to one of two backends chosen once at Open: the primary
page/wal/index/txn stack, or the alt backend for when that substrate is
unusable. Codec framing, TTL-expiry bookkeeping, and input validation
live here, above the backend boundary, so both backends share them.
*/
package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/leiko57/skiodb/internal/engine/codec"
	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// DefaultMaxKeyLen and DefaultMaxValueLen are the Options defaults when a
// caller leaves them zero.
const (
	DefaultMaxKeyLen   = 4096
	DefaultMaxValueLen = 1<<32 - 1
)

const maxNameLen = 128

// Options configures Open. MaxKeyLen/MaxValueLen/ReadOnly are
// embedder-facing knobs on top of the core name/compression/key fields.
type Options struct {
	Name          string
	Compression   bool
	EncryptionKey []byte // 16, 24, or 32 bytes; widened to 32 via SHA-256 if 16/24.
	ReadOnly      bool
	MaxKeyLen     int
	MaxValueLen   int

	// UseAltBackend routes every operation through the alt backend
	// instead of the primary page-structured substrate, for when the
	// latter is unusable. It trades away verifyIntegrity and
	// reclaimOrphans (both degrade to no-ops) and the putNoSync
	// durability distinction (every commit there is already durable).
	UseAltBackend bool
}

// Engine is an open database handle. All exported methods are safe for
// concurrent use by multiple goroutines; the core they drive is
// conceptually single-threaded and each call serializes on the same
// mutex.
type Engine struct {
	mu sync.Mutex

	dir  string
	opts Options

	backend backend
	cipher  *codec.Cipher

	lockFile *os.File
	closed   bool

	pendingExpired map[string]struct{}
}

// Open opens (creating if necessary) the database directory dir. With
// the primary backend this replays its WAL against the most recently
// durable meta page and rewrites the alternate meta to reflect any
// recovered state before returning.
func Open(dir string, opts Options) (*Engine, error) {
	if err := validateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.MaxKeyLen <= 0 {
		opts.MaxKeyLen = DefaultMaxKeyLen
	}
	if opts.MaxValueLen <= 0 {
		opts.MaxValueLen = DefaultMaxValueLen
	}

	var cipher *codec.Cipher
	if len(opts.EncryptionKey) > 0 {
		c, err := deriveCipher(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = c
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, engerrors.IoError("engine: mkdir database directory", err)
	}

	var b backend
	var err error
	if opts.UseAltBackend {
		b, err = openAltBackend(dir)
	} else {
		b, err = openCoreBackend(dir)
	}
	if err != nil {
		return nil, err
	}

	var lockFile *os.File
	if !opts.ReadOnly {
		lockFile, err = os.OpenFile(filepath.Join(dir, "db.lock"), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			b.close()
			return nil, engerrors.IoError("engine: open lock file", err)
		}
	}

	return &Engine{
		dir:            dir,
		opts:           opts,
		backend:        b,
		cipher:         cipher,
		lockFile:       lockFile,
		pendingExpired: make(map[string]struct{}),
	}, nil
}

func validateName(name string) error {
	if len(name) < 1 || len(name) > maxNameLen {
		return engerrors.BadInput("engine: name must be 1..128 characters")
	}
	if _, err := charmap.ISO8859_1.NewEncoder().String(name); err != nil {
		return engerrors.BadInput("engine: name must be representable in a single byte per character")
	}
	for _, r := range name {
		ok := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if !ok {
			return engerrors.BadInput("engine: name must match [A-Za-z0-9_-]")
		}
	}
	return nil
}

// deriveCipher builds a codec.Cipher from a raw key, widening a 16- or
// 24-byte key to 32 bytes via SHA-256 since the codec's AEAD scheme is
// fixed at AES-256-GCM.
func deriveCipher(key []byte) (*codec.Cipher, error) {
	switch len(key) {
	case 32:
		return codec.NewCipher(key)
	case 16, 24:
		sum := sha256.Sum256(key)
		return codec.NewCipher(sum[:])
	default:
		return nil, engerrors.BadInput("engine: encryption key must be 16, 24, or 32 bytes")
	}
}

func (e *Engine) validateKey(key []byte) error {
	if len(key) == 0 {
		return engerrors.BadInput("engine: key must not be empty")
	}
	if len(key) > e.opts.MaxKeyLen {
		return engerrors.BadInput("engine: key exceeds configured maximum length")
	}
	return nil
}

func (e *Engine) validateValue(value []byte) error {
	if uint64(len(value)) > uint64(e.opts.MaxValueLen) {
		return engerrors.BadInput("engine: value exceeds configured maximum length")
	}
	return nil
}

func (e *Engine) encode(value []byte, expiryMillis uint64) []byte {
	return codec.Encode(value, codec.Options{
		Compress:        e.opts.Compression,
		Cipher:          e.cipher,
		MinCompressSize: codec.DefaultMinCompressSize,
		ExpiryMillis:    expiryMillis,
	})
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// drainExpired appends a delete for every key queued by a prior Get that
// observed it expired, then clears the queue, returning the augmented op
// list. Must run before the caller's own ops are appended, so that a
// write to a just-expired key in the same call still wins (the drained
// delete and the caller's op can name the same key; both backends apply
// one call's ops so that the last op for a key is the one that holds).
func (e *Engine) drainExpired(ops []rawOp) []rawOp {
	if len(e.pendingExpired) == 0 {
		return ops
	}
	drained := make([]rawOp, 0, len(e.pendingExpired)+len(ops))
	for key := range e.pendingExpired {
		drained = append(drained, rawOp{kind: rawDelete, key: []byte(key)})
	}
	drained = append(drained, ops...)
	e.pendingExpired = make(map[string]struct{})
	return drained
}

// decodeLive looks up key and decodes it, reporting engerrors.NotFound if
// absent or expired. An expired key is queued in pendingExpired for lazy
// deletion on the next write transaction.
func (e *Engine) decodeLive(key []byte) (codec.Decoded, error) {
	stored, err := e.backend.lookup(key)
	if err != nil {
		return codec.Decoded{}, err
	}
	decoded, err := codec.Decode(stored, e.cipher)
	if err != nil {
		return codec.Decoded{}, err
	}
	if codec.Expired(decoded.ExpiryMillis, nowMillis()) {
		e.pendingExpired[string(key)] = struct{}{}
		return codec.Decoded{}, engerrors.NotFound("engine: key expired")
	}
	return decoded, nil
}

// Put writes key -> value with a synchronous, durable single-op commit.
func (e *Engine) Put(key, value []byte) error {
	return e.put(key, value, 0, true)
}

// PutNoSync writes key -> value under a weaker durability contract: the
// op is applied and visible immediately, but its fsync is deferred until
// Flush, the next durable commit, or Close. The alt backend has no such
// distinction to offer and always commits durably.
func (e *Engine) PutNoSync(key, value []byte) error {
	return e.put(key, value, 0, false)
}

// PutWithTTL writes key -> value with an absolute expiry of now + ttl.
func (e *Engine) PutWithTTL(key, value []byte, ttl time.Duration) error {
	expiry := nowMillis() + uint64(ttl.Milliseconds())
	return e.put(key, value, expiry, true)
}

func (e *Engine) put(key, value []byte, expiryMillis uint64, durable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engerrors.Closed("engine: use of closed engine")
	}
	if e.opts.ReadOnly {
		return engerrors.BadInput("engine: write attempted on a read-only engine")
	}
	if err := e.validateKey(key); err != nil {
		return err
	}
	if err := e.validateValue(value); err != nil {
		return err
	}

	stored := e.encode(value, expiryMillis)
	kind := rawPut
	if expiryMillis != 0 {
		kind = rawPutTTL
	}
	ops := e.drainExpired([]rawOp{{kind: kind, key: key, value: stored}})
	return e.backend.commit(ops, durable)
}

// Get returns the value at key, or engerrors.NotFound if absent or
// expired.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engerrors.Closed("engine: use of closed engine")
	}
	if err := e.validateKey(key); err != nil {
		return nil, err
	}
	decoded, err := e.decodeLive(key)
	if err != nil {
		return nil, err
	}
	return decoded.Value, nil
}

// Delete removes key, reporting whether a live (non-expired) entry
// existed.
func (e *Engine) Delete(key []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, engerrors.Closed("engine: use of closed engine")
	}
	if e.opts.ReadOnly {
		return false, engerrors.BadInput("engine: write attempted on a read-only engine")
	}
	if err := e.validateKey(key); err != nil {
		return false, err
	}

	existed := true
	if _, err := e.decodeLive(key); err != nil {
		if engerrors.Is(err, engerrors.KindNotFound) {
			existed = false
		} else {
			return false, err
		}
	}

	ops := e.drainExpired([]rawOp{{kind: rawDelete, key: key}})
	if err := e.backend.commit(ops, true); err != nil {
		return false, err
	}
	return existed, nil
}

// kv is one decoded pair from a putBatch buffer.
type kv struct {
	key   []byte
	value []byte
}

// decodeBatch parses putBatch's {key_len_u32_le,key,val_len_u32_le,val}*
// framing, tolerating exactly len(buf) bytes and rejecting anything else.
func decodeBatch(buf []byte) ([]kv, error) {
	var out []kv
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, engerrors.BadInput("engine: putBatch truncated key length")
		}
		klen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if klen < 0 || off+klen > len(buf) {
			return nil, engerrors.BadInput("engine: putBatch truncated key")
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen

		if off+4 > len(buf) {
			return nil, engerrors.BadInput("engine: putBatch truncated value length")
		}
		vlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if vlen < 0 || off+vlen > len(buf) {
			return nil, engerrors.BadInput("engine: putBatch truncated value")
		}
		value := append([]byte(nil), buf[off:off+vlen]...)
		off += vlen

		out = append(out, kv{key: key, value: value})
	}
	return out, nil
}

// PutBatch decodes encoded (see decodeBatch) and applies every pair in
// one atomic commit, returning the number of pairs written.
func (e *Engine) PutBatch(encoded []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, engerrors.Closed("engine: use of closed engine")
	}
	if e.opts.ReadOnly {
		return 0, engerrors.BadInput("engine: write attempted on a read-only engine")
	}

	pairs, err := decodeBatch(encoded)
	if err != nil {
		return 0, err
	}
	ops := make([]rawOp, 0, len(pairs))
	for _, p := range pairs {
		if err := e.validateKey(p.key); err != nil {
			return 0, err
		}
		if err := e.validateValue(p.value); err != nil {
			return 0, err
		}
		ops = append(ops, rawOp{kind: rawPut, key: p.key, value: e.encode(p.value, 0)})
	}

	if err := e.backend.commit(e.drainExpired(ops), true); err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// OpKind distinguishes a commitTransaction op's put from its delete.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation in a commitTransaction call.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // ignored for OpDelete
}

// CommitTransaction applies ops as a single atomic commit.
func (e *Engine) CommitTransaction(ops []Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engerrors.Closed("engine: use of closed engine")
	}
	if e.opts.ReadOnly {
		return engerrors.BadInput("engine: write attempted on a read-only engine")
	}
	for _, op := range ops {
		if err := e.validateKey(op.Key); err != nil {
			return err
		}
		if op.Kind == OpPut {
			if err := e.validateValue(op.Value); err != nil {
				return err
			}
		}
	}

	raw := make([]rawOp, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			raw = append(raw, rawOp{kind: rawPut, key: op.Key, value: e.encode(op.Value, 0)})
		case OpDelete:
			raw = append(raw, rawOp{kind: rawDelete, key: op.Key})
		}
	}
	return e.backend.commit(e.drainExpired(raw), true)
}

// Pair is one (key, value) result from ScanRange.
type Pair struct {
	Key   []byte
	Value []byte
}

// ScanRange returns live pairs with lo <= key < hi, in ascending order,
// up to limit results (0 means unlimited), skipping expired entries.
func (e *Engine) ScanRange(lo, hi []byte, limit int) ([]Pair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engerrors.Closed("engine: use of closed engine")
	}

	raw, err := e.backend.scanRaw(lo, hi, 0)
	if err != nil {
		return nil, err
	}
	now := nowMillis()
	var out []Pair
	for _, p := range raw {
		decoded, derr := codec.Decode(p.value, e.cipher)
		if derr != nil {
			return nil, derr
		}
		if codec.Expired(decoded.ExpiryMillis, now) {
			continue
		}
		out = append(out, Pair{Key: p.key, Value: decoded.Value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// VerifyIntegrity reports the page-ids of any crc failure or structural
// violation in the tree walk, and of any free-list page that is also
// reachable from the root. Pages that are neither reachable nor free
// (orphans, which ReclaimOrphans frees) are not reported. The alt backend has no page-structured
// substrate to walk and always reports clean.
func (e *Engine) VerifyIntegrity() ([]uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engerrors.Closed("engine: use of closed engine")
	}
	return e.backend.verifyIntegrity()
}

// ReclaimOrphans frees pages that are neither reachable from the current
// root nor already on the free-list: overflow chains and tree nodes left
// dangling by a transaction that allocated pages but whose WAL record
// never became durable. It is not on the critical path of any operation;
// embedders call it opportunistically. The alt backend has nothing to
// reclaim and always reports zero.
func (e *Engine) ReclaimOrphans() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, engerrors.Closed("engine: use of closed engine")
	}
	if e.opts.ReadOnly {
		return 0, engerrors.BadInput("engine: maintenance attempted on a read-only engine")
	}
	return e.backend.reclaimOrphans()
}

// Flush forces durability of any writes deferred by PutNoSync.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engerrors.Closed("engine: use of closed engine")
	}
	return e.backend.flush()
}

// Close flushes any deferred writes and releases the engine's file
// handles. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	closeErr := e.backend.close()
	if e.lockFile != nil {
		e.lockFile.Close()
		os.Remove(filepath.Join(e.dir, "db.lock"))
	}
	e.closed = true
	return closeErr
}
