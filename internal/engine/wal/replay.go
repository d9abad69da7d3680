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

package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// ApplyFunc is invoked once per valid record read during replay.
// Returning false stops the walk early (Replay callers return false
// only when a record cannot be applied).
type ApplyFunc func(lsn, txID uint64, ops []Op) bool

// readRecords walks every well-formed record in f from its current
// position, invoking fn for each. It stops, without error, at the first
// malformed record (torn tail) or at EOF.
func readRecords(f *os.File, fn ApplyFunc) error {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			return nil // EOF or short read: clean or torn tail, stop.
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > 64*1024*1024 {
			return nil // implausible length: torn tail.
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(f, body); err != nil {
			return nil
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			return nil
		}
		want := binary.BigEndian.Uint32(crcBuf[:])
		if crc32.Checksum(body, castagnoli) != want {
			return nil // checksum mismatch: torn tail, stop here.
		}
		lsn, txID, ops, ok := decodeRecord(body)
		if !ok {
			return nil
		}
		if !fn(lsn, txID, ops) {
			return nil
		}
	}
}

func decodeRecord(body []byte) (lsn, txID uint64, ops []Op, ok bool) {
	if len(body) < 20 {
		return 0, 0, nil, false
	}
	lsn = binary.BigEndian.Uint64(body[0:8])
	txID = binary.BigEndian.Uint64(body[8:16])
	count := binary.BigEndian.Uint32(body[16:20])
	off := 20
	for i := uint32(0); i < count; i++ {
		if off+1+4 > len(body) {
			return 0, 0, nil, false
		}
		opType := OpType(body[off])
		off++
		keyLen := binary.BigEndian.Uint32(body[off : off+4])
		off += 4
		if off+int(keyLen) > len(body) {
			return 0, 0, nil, false
		}
		key := append([]byte(nil), body[off:off+int(keyLen)]...)
		off += int(keyLen)
		if off+4 > len(body) {
			return 0, 0, nil, false
		}
		valLen := binary.BigEndian.Uint32(body[off : off+4])
		off += 4
		var value []byte
		if valLen != 0xFFFFFFFF {
			if off+int(valLen) > len(body) {
				return 0, 0, nil, false
			}
			value = append([]byte(nil), body[off:off+int(valLen)]...)
			off += int(valLen)
		}
		ops = append(ops, Op{Type: opType, Key: key, Value: value})
	}
	return lsn, txID, ops, true
}

// Replay walks every segment in order, invoking fn for every record whose
// LSN is strictly greater than fromLSN, stopping at the first torn or
// corrupt record. It returns the highest LSN successfully replayed.
func (w *WAL) Replay(fromLSN uint64, fn ApplyFunc) (uint64, error) {
	w.mu.Lock()
	segs, err := w.segments()
	w.mu.Unlock()
	if err != nil {
		return fromLSN, err
	}

	lastGood := fromLSN
	for _, seg := range segs {
		f, err := os.Open(w.segmentPath(seg))
		if err != nil {
			return lastGood, engerrors.IoError("wal: open segment for replay", err)
		}
		halted := false
		err = readRecords(f, func(lsn, txID uint64, ops []Op) bool {
			if lsn <= fromLSN {
				return true
			}
			if !fn(lsn, txID, ops) {
				halted = true
				return false
			}
			lastGood = lsn
			return true
		})
		if !halted {
			// readRecords stopping short of the segment's end means a torn
			// or corrupt record: later segments are not replayed either.
			pos, perr := f.Seek(0, io.SeekCurrent)
			info, serr := f.Stat()
			halted = perr == nil && serr == nil && pos < info.Size()
		}
		f.Close()
		if err != nil {
			return lastGood, err
		}
		if halted {
			break
		}
	}
	return lastGood, nil
}
