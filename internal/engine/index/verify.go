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

// Walk performs the structural half of verifyIntegrity: it visits every
// page reachable from root, checking crcs (via readNode, which verifies
// on read) and that keys within each leaf are strictly increasing. It
// returns the page-ids that failed a check, and the full reachable set
// (including overflow chains) for the free-list disjointness check the
// engine facade performs alongside it.
func (t *Tree) Walk(root page.ID) (bad []page.ID, reachable map[page.ID]bool) {
	reachable = make(map[page.ID]bool)
	if root == page.InvalidID {
		return nil, reachable
	}
	t.walk(root, &bad, reachable)
	return bad, reachable
}

func (t *Tree) walk(id page.ID, bad *[]page.ID, reachable map[page.ID]bool) {
	if reachable[id] {
		return
	}
	reachable[id] = true
	n, err := t.readNode(id)
	if err != nil {
		*bad = append(*bad, id)
		return
	}
	if n.leaf {
		for i := 1; i < len(n.entries); i++ {
			if bytes.Compare(n.entries[i-1].key, n.entries[i].key) >= 0 {
				*bad = append(*bad, id)
				break
			}
		}
		for _, e := range n.entries {
			ids, err := overflowPageIDs(t.store, e.desc)
			if err != nil {
				*bad = append(*bad, id)
				continue
			}
			for _, oid := range ids {
				reachable[oid] = true
				if p, err := t.store.Read(oid); err != nil || p.Type() != page.TypeOverflow {
					*bad = append(*bad, oid)
				}
			}
		}
		return
	}
	for _, c := range n.children {
		t.walk(c, bad, reachable)
	}
}
