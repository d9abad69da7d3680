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
	"bytes"

	"github.com/leiko57/skiodb/internal/engine/page"
)

// Cursor is a restartable position within a range scan: the leaf page-id
// and the slot within it.
type Cursor struct {
	LeafID page.ID
	Slot   int
}

// Pair is one (key, stored-value) result from a range scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Range yields (key, stored-value) pairs for start <= key < end in
// ascending order, up to limit pairs (0 means unlimited), starting from
// an optional cursor (zero value starts from the smallest key >= start).
func (t *Tree) Range(root page.ID, start, end []byte, limit int, from *Cursor) ([]Pair, *Cursor, error) {
	if root == page.InvalidID {
		return nil, nil, nil
	}

	var leafID page.ID
	var slot int
	if from != nil && from.LeafID != page.InvalidID {
		leafID, slot = from.LeafID, from.Slot
	} else {
		id, err := t.findLeaf(root, start)
		if err != nil {
			return nil, nil, err
		}
		leaf, err := t.readNode(id)
		if err != nil {
			return nil, nil, err
		}
		pos, _ := leaf.findLeafPos(start)
		leafID, slot = id, pos
	}

	var out []Pair
	for leafID != page.InvalidID {
		leaf, err := t.readNode(leafID)
		if err != nil {
			return nil, nil, err
		}
		for ; slot < len(leaf.entries); slot++ {
			e := leaf.entries[slot]
			if end != nil && bytes.Compare(e.key, end) >= 0 {
				return out, nil, nil
			}
			value, derr := decodeDescriptor(t.store, e.desc)
			if derr != nil {
				return nil, nil, derr
			}
			out = append(out, Pair{Key: e.key, Value: value})
			if limit > 0 && len(out) >= limit {
				next := slot + 1
				if next >= len(leaf.entries) {
					return out, &Cursor{LeafID: leaf.right, Slot: 0}, nil
				}
				return out, &Cursor{LeafID: leafID, Slot: next}, nil
			}
		}
		leafID = leaf.right
		slot = 0
	}
	return out, nil, nil
}

func (t *Tree) findLeaf(root page.ID, key []byte) (page.ID, error) {
	id := root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return page.InvalidID, err
		}
		if n.leaf {
			return id, nil
		}
		id = n.children[n.findChildPos(key)]
	}
}
