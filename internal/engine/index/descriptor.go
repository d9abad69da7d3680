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

package index

import (
	"encoding/binary"

	"github.com/leiko57/skiodb/internal/engine/page"
	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// descriptor tags: a leaf entry's opaque descriptor byte string is either
// an inline value or a head-page-id into an overflow chain.
const (
	descInline   byte = 0
	descOverflow byte = 1
)

// Store abstracts exactly the page.Store operations the index needs,
// letting callers (and tests) substitute a fake.
type Store interface {
	Read(id page.ID) (*page.Page, error)
	Write(p *page.Page) error
	Allocate() (page.ID, error)
}

// encodeDescriptor stores stored (the already-codec-framed value) inline
// if small enough, else writes it across a chain of Overflow pages
// through store and returns a head-page-id descriptor. New pages written
// are appended to dirty.
func encodeDescriptor(store Store, stored []byte, lsn uint64, dirty *[]page.ID) ([]byte, error) {
	if len(stored) <= inlineThreshold {
		out := make([]byte, 1+len(stored))
		out[0] = descInline
		copy(out[1:], stored)
		return out, nil
	}

	const chunkSize = page.Size - page.HeaderSize - 8 // 4-byte next-id + 4-byte chunk-len
	var headID page.ID = page.InvalidID
	var prevID page.ID = page.InvalidID
	var prevPage *page.Page

	remaining := stored
	for len(remaining) > 0 {
		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		id, err := store.Allocate()
		if err != nil {
			return nil, err
		}
		if headID == page.InvalidID {
			headID = id
		}
		p := page.New(id, page.TypeOverflow)
		buf := make([]byte, 8+len(chunk))
		binary.BigEndian.PutUint32(buf[0:4], uint32(page.InvalidID)) // next, patched below
		binary.BigEndian.PutUint32(buf[4:8], uint32(len(chunk)))
		copy(buf[8:], chunk)
		p.SetPayload(buf)
		p.SetLSN(lsn)

		if prevPage != nil {
			pbuf := prevPage.Payload()
			binary.BigEndian.PutUint32(pbuf[0:4], uint32(id))
			prevPage.SetPayload(pbuf[:prevPage.PayloadLen()])
			prevPage.SetLSN(lsn)
			prevPage.Finalize()
			if err := store.Write(prevPage); err != nil {
				return nil, err
			}
			*dirty = append(*dirty, prevID)
		}
		prevPage, prevID = p, id
	}
	if prevPage != nil {
		prevPage.Finalize()
		if err := store.Write(prevPage); err != nil {
			return nil, err
		}
		*dirty = append(*dirty, prevID)
	}

	out := make([]byte, 5)
	out[0] = descOverflow
	binary.BigEndian.PutUint32(out[1:5], uint32(headID))
	return out, nil
}

// decodeDescriptor reads the stored value back, following an overflow
// chain via store if needed.
func decodeDescriptor(store Store, desc []byte) ([]byte, error) {
	if len(desc) == 0 {
		return nil, engerrors.Corrupt("index: empty descriptor")
	}
	switch desc[0] {
	case descInline:
		return desc[1:], nil
	case descOverflow:
		if len(desc) < 5 {
			return nil, engerrors.Corrupt("index: truncated overflow descriptor")
		}
		id := page.ID(binary.BigEndian.Uint32(desc[1:5]))
		var out []byte
		for id != page.InvalidID {
			p, err := store.Read(id)
			if err != nil {
				return nil, err
			}
			buf := p.Payload()[:p.PayloadLen()]
			if len(buf) < 8 {
				return nil, engerrors.Corrupt("index: truncated overflow page")
			}
			next := page.ID(binary.BigEndian.Uint32(buf[0:4]))
			n := binary.BigEndian.Uint32(buf[4:8])
			if int(8+n) > len(buf) {
				return nil, engerrors.Corrupt("index: overflow chunk length mismatch")
			}
			out = append(out, buf[8:8+n]...)
			id = next
		}
		return out, nil
	default:
		return nil, engerrors.Corrupt("index: unknown descriptor tag")
	}
}

// overflowPageIDs returns every page-id in desc's chain, for free-set
// bookkeeping when a value is overwritten or removed.
func overflowPageIDs(store Store, desc []byte) ([]page.ID, error) {
	if len(desc) == 0 || desc[0] != descOverflow {
		return nil, nil
	}
	if len(desc) < 5 {
		return nil, engerrors.Corrupt("index: truncated overflow descriptor")
	}
	id := page.ID(binary.BigEndian.Uint32(desc[1:5]))
	var ids []page.ID
	for id != page.InvalidID {
		ids = append(ids, id)
		p, err := store.Read(id)
		if err != nil {
			return ids, err
		}
		buf := p.Payload()[:p.PayloadLen()]
		if len(buf) < 4 {
			break
		}
		id = page.ID(binary.BigEndian.Uint32(buf[0:4]))
	}
	return ids, nil
}
