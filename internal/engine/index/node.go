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
Package index implements the B+tree ordered index over byte-lex keys,
page-backed and copy-on-write: every page a transaction dirties is
written to a freshly allocated page-id, with the old id reported back to
the caller to free once the transaction's meta update is durable.

The algorithm shape (split-at-median, borrow-from-sibling, merge-on-
underflow) follows internal/storage/btree.go's in-memory CLRS-style
B-tree; this package generalizes it to page-serialized nodes addressed by
page.ID, with each leaf linked to its right sibling for range scans, following the
page-id-not-pointer linkage internal/storage/disk's heap file already
uses for free-list bookkeeping.
*/
package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/leiko57/skiodb/internal/engine/page"
	engerrors "github.com/leiko57/skiodb/internal/errors"
)

// inlineThreshold is the largest value-descriptor stored inline in a leaf
// entry before it is pushed to an overflow chain.
const inlineThreshold = 256

// capacity is the usable byte budget per node, leaving headroom below the
// raw page payload so encode/decode never has to reason about an
// off-by-one at the page boundary.
const capacity = page.Size - page.HeaderSize - 32

// entry is one key plus its opaque encoded descriptor (see descriptor.go)
// as stored in a leaf.
type entry struct {
	key  []byte
	desc []byte
}

// node is the decoded form of a B+tree page, independent of whether it
// is a leaf or internal node.
type node struct {
	leaf     bool
	id       page.ID
	entries  []entry   // leaf: key -> value descriptor
	keys     [][]byte  // internal: separator keys, len(children) == len(keys)+1
	children []page.ID // internal
	right    page.ID   // leaf: right-sibling page-id, InvalidID if none
}

func (n *node) size() int {
	total := 4
	if n.leaf {
		for _, e := range n.entries {
			total += 4 + len(e.key) + 2 + len(e.desc)
		}
		total += 4
	} else {
		for _, k := range n.keys {
			total += 4 + len(k)
		}
		total += 4 * len(n.children)
	}
	return total
}

func (n *node) encode() *page.Page {
	typ := page.TypeBTreeInternal
	if n.leaf {
		typ = page.TypeBTreeLeaf
	}
	p := page.New(n.id, typ)

	buf := make([]byte, 0, capacity)
	var leafByte byte
	if n.leaf {
		leafByte = 1
	}
	buf = append(buf, leafByte, 0, 0, 0)

	if n.leaf {
		var cntBuf [4]byte
		binary.BigEndian.PutUint32(cntBuf[:], uint32(len(n.entries)))
		buf = append(buf, cntBuf[:]...)
		for _, e := range n.entries {
			var l [4]byte
			binary.BigEndian.PutUint32(l[:], uint32(len(e.key)))
			buf = append(buf, l[:]...)
			buf = append(buf, e.key...)
			var dl [2]byte
			binary.BigEndian.PutUint16(dl[:], uint16(len(e.desc)))
			buf = append(buf, dl[:]...)
			buf = append(buf, e.desc...)
		}
		var rb [4]byte
		binary.BigEndian.PutUint32(rb[:], uint32(n.right))
		buf = append(buf, rb[:]...)
	} else {
		var cntBuf [4]byte
		binary.BigEndian.PutUint32(cntBuf[:], uint32(len(n.keys)))
		buf = append(buf, cntBuf[:]...)
		for _, k := range n.keys {
			var l [4]byte
			binary.BigEndian.PutUint32(l[:], uint32(len(k)))
			buf = append(buf, l[:]...)
			buf = append(buf, k...)
		}
		for _, c := range n.children {
			var cb [4]byte
			binary.BigEndian.PutUint32(cb[:], uint32(c))
			buf = append(buf, cb[:]...)
		}
	}
	p.SetPayload(buf)
	return p
}

func decodeNode(p *page.Page) (*node, error) {
	buf := p.Payload()[:p.PayloadLen()]
	if len(buf) < 8 {
		return nil, engerrors.Corrupt("index: short node payload")
	}
	n := &node{id: p.ID(), leaf: buf[0] == 1}
	off := 4
	count := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	if n.leaf {
		n.entries = make([]entry, 0, count)
		for i := 0; i < count; i++ {
			if off+4 > len(buf) {
				return nil, engerrors.Corrupt("index: truncated leaf entry")
			}
			klen := int(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+klen > len(buf) {
				return nil, engerrors.Corrupt("index: truncated key")
			}
			key := append([]byte(nil), buf[off:off+klen]...)
			off += klen
			if off+2 > len(buf) {
				return nil, engerrors.Corrupt("index: truncated descriptor len")
			}
			dlen := int(binary.BigEndian.Uint16(buf[off : off+2]))
			off += 2
			if off+dlen > len(buf) {
				return nil, engerrors.Corrupt("index: truncated descriptor")
			}
			desc := append([]byte(nil), buf[off:off+dlen]...)
			off += dlen
			n.entries = append(n.entries, entry{key: key, desc: desc})
		}
		if off+4 > len(buf) {
			return nil, engerrors.Corrupt("index: truncated sibling pointer")
		}
		n.right = page.ID(binary.BigEndian.Uint32(buf[off : off+4]))
	} else {
		n.keys = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			if off+4 > len(buf) {
				return nil, engerrors.Corrupt("index: truncated separator len")
			}
			klen := int(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+klen > len(buf) {
				return nil, engerrors.Corrupt("index: truncated separator")
			}
			n.keys = append(n.keys, append([]byte(nil), buf[off:off+klen]...))
			off += klen
		}
		n.children = make([]page.ID, 0, count+1)
		for i := 0; i <= count; i++ {
			if off+4 > len(buf) {
				return nil, engerrors.Corrupt("index: truncated child pointer")
			}
			n.children = append(n.children, page.ID(binary.BigEndian.Uint32(buf[off:off+4])))
			off += 4
		}
	}
	return n, nil
}

// findLeafPos returns the index of the first entry whose key is >= key
// (lower bound), and whether it is an exact match.
func (n *node) findLeafPos(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
		return i, true
	}
	return i, false
}

// findChildPos returns the index of the child to descend into for key.
func (n *node) findChildPos(key []byte) int {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
	return i
}
