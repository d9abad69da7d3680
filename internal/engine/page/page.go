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
Package page implements the fixed-size, checksummed page format that
underlies the on-disk store: a 4 KiB block identified by a 32-bit page-id,
with a small fixed header shared by every page type.

Every page starts with:

	offset  size  field
	------  ----  -----
	0       1     type
	1       1     _pad
	2       2     payload_len
	4       8     page_lsn
	12      4     crc32c

The crc covers the remaining PageSize-4 bytes of the page with the crc
field itself zeroed while computing it.
*/
package page

import (
	"encoding/binary"
	"hash/crc32"

	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// Size is the fixed page size in bytes; every slotted-page offset below
// is sized for it.
const Size = 4096

// HeaderSize is the size of the fixed page header present on every page.
const HeaderSize = 16

// ID identifies a page within the page file. 0 and 1 are reserved for the
// alternating meta pages; InvalidID marks the absence of a page.
type ID uint32

// InvalidID is the null page-id.
const InvalidID ID = 0xFFFFFFFF

// Type enumerates the reserved page types.
type Type uint8

const (
	TypeFree Type = iota
	TypeMeta
	TypeFreeList
	TypeBTreeInternal
	TypeBTreeLeaf
	TypeOverflow
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Page is one fixed-size block, held in memory as a byte array.
type Page struct {
	id   ID
	data [Size]byte
}

// New allocates a zeroed page of the given type, with the header written
// but no payload.
func New(id ID, typ Type) *Page {
	p := &Page{id: id}
	p.SetType(typ)
	return p
}

// FromBytes wraps an existing Size-byte buffer (e.g. read from disk) as a
// Page without copying semantics beyond the array's own value copy.
func FromBytes(id ID, data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, engerrors.Corrupt("page: short read")
	}
	p := &Page{id: id}
	copy(p.data[:], data)
	return p, nil
}

// ID returns the page's id.
func (p *Page) ID() ID { return p.id }

// Type returns the page's declared type.
func (p *Page) Type() Type { return Type(p.data[0]) }

// SetType sets the page's declared type.
func (p *Page) SetType(t Type) {
	p.data[0] = byte(t)
}

// PayloadLen returns the declared payload length.
func (p *Page) PayloadLen() uint16 {
	return binary.BigEndian.Uint16(p.data[2:4])
}

func (p *Page) setPayloadLen(n uint16) {
	binary.BigEndian.PutUint16(p.data[2:4], n)
}

// LSN returns the page's stamped LSN (the commit that last wrote it).
func (p *Page) LSN() uint64 {
	return binary.BigEndian.Uint64(p.data[4:12])
}

// SetLSN stamps the page's LSN.
func (p *Page) SetLSN(lsn uint64) {
	binary.BigEndian.PutUint64(p.data[4:12], lsn)
}

func (p *Page) storedCRC() uint32 {
	return binary.BigEndian.Uint32(p.data[12:16])
}

// Payload returns the mutable region of the page following the header.
func (p *Page) Payload() []byte {
	return p.data[HeaderSize:]
}

// SetPayload copies b into the page's payload region and updates the
// declared payload length.
func (p *Page) SetPayload(b []byte) {
	if len(b) > Size-HeaderSize {
		b = b[:Size-HeaderSize]
	}
	copy(p.Payload(), b)
	p.setPayloadLen(uint16(len(b)))
}

// Finalize recomputes and stamps the crc32c covering the whole page, with
// the crc field zeroed while computing it. Call it exactly once, right
// before a page is written out.
func (p *Page) Finalize() {
	binary.BigEndian.PutUint32(p.data[12:16], 0)
	sum := crc32.Checksum(p.data[:], castagnoli)
	binary.BigEndian.PutUint32(p.data[12:16], sum)
}

// Verify recomputes the crc and compares it against the stored value.
func (p *Page) Verify() error {
	want := p.storedCRC()
	save := make([]byte, 4)
	copy(save, p.data[12:16])
	binary.BigEndian.PutUint32(p.data[12:16], 0)
	got := crc32.Checksum(p.data[:], castagnoli)
	copy(p.data[12:16], save)
	if got != want {
		return engerrors.Corrupt("page: crc32c mismatch")
	}
	return nil
}

// Bytes returns the raw Size-byte backing array, ready to write to disk.
// Callers must have called Finalize first.
func (p *Page) Bytes() []byte {
	return p.data[:]
}

