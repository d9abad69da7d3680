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
Package wal implements the append-only, per-record-checksummed write-ahead
log that makes a transaction's commit durable before the B+tree mutation
it describes is ever applied to the page file.

Record format:

	len_u32 | lsn_u64 | tx_id_u64 | op_count_u32 | op* | crc32c_u32

Each op: op_type_u8 | key_len_u32 | key_bytes | value_len_u32 (0xFFFFFFFF
for none) | value_bytes?

The log is a mutex-guarded *os.File per segment, append-and-fsync on
commit, with replay driven by a caller-supplied callback over multi-op,
LSN/tx-id-bearing records, each carrying its own crc32c, across rotating
segment files.
*/
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

// OpType enumerates the WAL's operation kinds.
type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
	OpPutTTL
)

// Op is one operation within a WAL record.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte // nil for Delete
}

// DefaultSegmentSize is the physical rotation boundary.
const DefaultSegmentSize int64 = 4 * 1024 * 1024

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const segmentPrefix = "wal-"

// WAL is the write-ahead log: a directory of segment files, the latest of
// which is open for append.
type WAL struct {
	mu          sync.Mutex
	dir         string
	segmentSize int64
	log         *logging.Logger

	cur      *os.File
	curSeg   uint64
	curSize  int64
	lastLSN  uint64
}

// Open opens (creating if necessary) the WAL directory and positions at
// the end of the latest segment, ready to append. It does not replay;
// callers drive recovery with Replay separately.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, engerrors.IoError("wal: mkdir", err)
	}
	w := &WAL{dir: dir, segmentSize: DefaultSegmentSize, log: logging.NewLogger("engine.wal")}
	segs, err := w.segments()
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		segs = []uint64{1}
	}
	last := segs[len(segs)-1]
	f, err := os.OpenFile(w.segmentPath(last), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, engerrors.IoError("wal: open segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engerrors.IoError("wal: stat segment", err)
	}
	w.cur = f
	w.curSeg = last
	w.curSize = info.Size()
	return w, nil
}

func (w *WAL) segmentPath(n uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%010d", segmentPrefix, n))
}

func (w *WAL) segments() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, engerrors.IoError("wal: readdir", err)
	}
	var segs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%d", &n); err == nil {
			segs = append(segs, n)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// encodeRecord serializes a record without its length prefix or trailing
// crc, which Append computes itself.
func encodeRecord(lsn, txID uint64, ops []Op) []byte {
	var buf bytes.Buffer
	var lsnBuf [8]byte
	binary.BigEndian.PutUint64(lsnBuf[:], lsn)
	buf.Write(lsnBuf[:])
	binary.BigEndian.PutUint64(lsnBuf[:], txID)
	buf.Write(lsnBuf[:])
	var cntBuf [4]byte
	binary.BigEndian.PutUint32(cntBuf[:], uint32(len(ops)))
	buf.Write(cntBuf[:])
	for _, op := range ops {
		buf.WriteByte(byte(op.Type))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(op.Key)))
		buf.Write(lenBuf[:])
		buf.Write(op.Key)
		if op.Value == nil {
			binary.BigEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
			buf.Write(lenBuf[:])
		} else {
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(op.Value)))
			buf.Write(lenBuf[:])
			buf.Write(op.Value)
		}
	}
	return buf.Bytes()
}

// Append buffers record bytes for lsn/txID/ops and writes them to the
// current segment, rotating first if the segment is at capacity. It does
// not fsync; callers call Flush for the durability point.
func (w *WAL) Append(lsn, txID uint64, ops []Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body := encodeRecord(lsn, txID, ops)
	sum := crc32.Checksum(body, castagnoli)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], sum)

	total := int64(4 + len(body) + 4)
	if w.curSize > 0 && w.curSize+total > w.segmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := w.cur.Write(lenBuf[:]); err != nil {
		return engerrors.IoError("wal: append len", err)
	}
	if _, err := w.cur.Write(body); err != nil {
		return engerrors.IoError("wal: append body", err)
	}
	if _, err := w.cur.Write(crcBuf[:]); err != nil {
		return engerrors.IoError("wal: append crc", err)
	}
	w.curSize += total
	w.lastLSN = lsn
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.cur.Sync(); err != nil {
		return engerrors.IoError("wal: sync before rotate", err)
	}
	if err := w.cur.Close(); err != nil {
		return engerrors.IoError("wal: close before rotate", err)
	}
	w.curSeg++
	f, err := os.OpenFile(w.segmentPath(w.curSeg), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return engerrors.IoError("wal: open rotated segment", err)
	}
	w.cur = f
	w.curSize = 0
	return nil
}

// Flush forces the current segment to stable storage. After it returns,
// every Append issued so far is durable.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.Sync(); err != nil {
		return engerrors.IoError("wal: flush", err)
	}
	return nil
}

// LastLSN returns the LSN of the most recently appended record.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLSN
}

// Close flushes and closes the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.Sync(); err != nil {
		return engerrors.IoError("wal: close sync", err)
	}
	return w.cur.Close()
}

// Truncate discards whole segments that are entirely at or below
// upToLSN's durable watermark (physical truncation happens at segment
// boundaries, per the truncation policy). It never removes the current
// segment.
func (w *WAL) Truncate(upToLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	segs, err := w.segments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg == w.curSeg {
			continue
		}
		maxLSN, ok, err := w.segmentMaxLSN(seg)
		if err != nil || !ok {
			continue
		}
		if maxLSN <= upToLSN {
			_ = os.Remove(w.segmentPath(seg))
		}
	}
	return nil
}

func (w *WAL) segmentMaxLSN(seg uint64) (uint64, bool, error) {
	f, err := os.Open(w.segmentPath(seg))
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	var max uint64
	found := false
	_ = readRecords(f, func(lsn, _ uint64, _ []Op) bool {
		if lsn > max {
			max = lsn
		}
		found = true
		return true
	})
	return max, found, nil
}
