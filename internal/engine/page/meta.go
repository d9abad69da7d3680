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

package page

import (
	"encoding/binary"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// Magic is the ASCII meta-page magic, "SKDB".
const Magic uint32 = 0x534B4442

// FormatVersion is the current on-disk format version.
const FormatVersion uint16 = 0x0001

// FlagCompressionDefault and FlagEncryptionEnabled live in Meta.Flags.
const (
	FlagCompressionDefault uint8 = 1 << 0
	FlagEncryptionEnabled  uint8 = 1 << 1
)

// MetaPageA and MetaPageB are the two fixed slots the meta page alternates
// between; the chosen meta on open is the valid one with the higher
// LastDurableLSN, with WriteClock breaking a tie (see Choose).
const (
	MetaPageA ID = 0
	MetaPageB ID = 1
)

// Meta is the decoded payload of a meta page: the root of the B+tree, the
// free-list head, the next unallocated page-id, and the durability
// watermark.
type Meta struct {
	RootPageID     ID
	FreeListHead   ID
	NextPageID     ID
	LastDurableLSN uint64
	Flags          uint8
	// WriteClock is a monotonic counter stamped on every meta write, used
	// only to break a tie when both meta slots report the same
	// LastDurableLSN after an interrupted write — see sync.rs's
	// wins_over comparison, adapted here for meta-slot arbitration
	// rather than cross-client value conflicts.
	WriteClock uint64
}

const metaPayloadSize = 4 /*magic*/ + 2 /*version*/ + 4 + 4 + 4 + 8 + 1 + 8

// Encode writes m into a fresh page at the given slot (MetaPageA/B) ready
// for Finalize.
func (m *Meta) Encode(slot ID) *Page {
	p := New(slot, TypeMeta)
	buf := make([]byte, metaPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], FormatVersion)
	binary.BigEndian.PutUint32(buf[6:10], uint32(m.RootPageID))
	binary.BigEndian.PutUint32(buf[10:14], uint32(m.FreeListHead))
	binary.BigEndian.PutUint32(buf[14:18], uint32(m.NextPageID))
	binary.BigEndian.PutUint64(buf[18:26], m.LastDurableLSN)
	buf[26] = m.Flags
	binary.BigEndian.PutUint64(buf[27:35], m.WriteClock)
	p.SetPayload(buf)
	p.SetLSN(m.LastDurableLSN)
	return p
}

// DecodeMeta validates and decodes a meta page's payload. It returns
// Corrupt if the crc or magic doesn't match or the payload is short, and
// VersionMismatch if the format version is newer than FormatVersion.
func DecodeMeta(p *Page) (*Meta, error) {
	if err := p.Verify(); err != nil {
		return nil, err
	}
	buf := p.Payload()
	if len(buf) < metaPayloadSize {
		return nil, engerrors.Corrupt("meta: short payload")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, engerrors.Corrupt("meta: bad magic")
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	if version > FormatVersion {
		return nil, engerrors.VersionMismatch("meta: format version too new")
	}
	return &Meta{
		RootPageID:     ID(binary.BigEndian.Uint32(buf[6:10])),
		FreeListHead:   ID(binary.BigEndian.Uint32(buf[10:14])),
		NextPageID:     ID(binary.BigEndian.Uint32(buf[14:18])),
		LastDurableLSN: binary.BigEndian.Uint64(buf[18:26]),
		Flags:          buf[26],
		WriteClock:     binary.BigEndian.Uint64(buf[27:35]),
	}, nil
}

// Choose picks the active meta among the two slots, preferring the valid
// one with the higher LastDurableLSN; ties (possible right after an
// interrupted alternating write) are broken by the higher WriteClock, and
// a full tie falls back to slot A for stability. A slot that fails to
// decode is ignored in favor of the other; if both fail, Choose returns
// Corrupt.
func Choose(a, b *Page) (*Meta, ID, error) {
	metaA, errA := DecodeMeta(a)
	metaB, errB := DecodeMeta(b)
	switch {
	case errA != nil && errB != nil:
		return nil, InvalidID, engerrors.Corrupt("meta: both slots invalid")
	case errA != nil:
		return metaB, MetaPageB, nil
	case errB != nil:
		return metaA, MetaPageA, nil
	}
	if metaA.LastDurableLSN > metaB.LastDurableLSN {
		return metaA, MetaPageA, nil
	}
	if metaB.LastDurableLSN > metaA.LastDurableLSN {
		return metaB, MetaPageB, nil
	}
	if metaB.WriteClock > metaA.WriteClock {
		return metaB, MetaPageB, nil
	}
	return metaA, MetaPageA, nil
}

// Other returns the meta slot not currently active, i.e. the one the next
// commit should write to keep the alternation going.
func Other(active ID) ID {
	if active == MetaPageA {
		return MetaPageB
	}
	return MetaPageA
}
