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

// minFill is the byte-size floor a node may drop to before a remove
// triggers redistribution or merge: nodes target ~50% fill after a
// split, and a merge kicks in once one drops below 25%.
const minFill = capacity / 4

// Tree is a handle over a page.Store; every mutating operation is given
// the current root and returns the new one, so the caller (the
// transaction manager) owns when a new root becomes visible.
type Tree struct {
	store      Store
	currentLSN uint64
}

// New returns a Tree bound to store.
func New(store Store) *Tree {
	return &Tree{store: store}
}

// SetLSN stamps the LSN that subsequent Insert/Remove calls write into
// every page they dirty, matching spec step 4's page_lsn = commit_lsn.
// The single-threaded engine calls this once per transaction commit
// before applying its ops.
func (t *Tree) SetLSN(lsn uint64) { t.currentLSN = lsn }

func (t *Tree) readNode(id page.ID) (*node, error) {
	p, err := t.store.Read(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(p)
}

func (t *Tree) writeNode(n *node) error {
	p := n.encode()
	p.SetLSN(t.currentLSN)
	p.Finalize()
	return t.store.Write(p)
}

// Lookup returns the user-framed stored value for key, or nil if absent.
func (t *Tree) Lookup(root page.ID, key []byte) ([]byte, error) {
	if root == page.InvalidID {
		return nil, nil
	}
	id := root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			pos, ok := n.findLeafPos(key)
			if !ok {
				return nil, nil
			}
			return decodeDescriptor(t.store, n.entries[pos].desc)
		}
		id = n.children[n.findChildPos(key)]
	}
}

// pathEntry records one step down the tree for unwinding after a leaf
// mutation.
type pathEntry struct {
	n       *node
	childIx int // index within parent.children this step descended through
}

// Insert replaces (or adds) key -> storedValue (already codec-framed),
// returning the new root, the old on-disk pages now free, and the
// previous stored value's descriptor bytes if any (so the caller can
// free an old overflow chain).
func (t *Tree) Insert(root page.ID, key, storedValue []byte) (newRoot page.ID, freed []page.ID, replacedOld []byte, err error) {
	var path []pathEntry
	var written []page.ID // overflow pages of the new value: live, never freed

	if root == page.InvalidID {
		leafID, aerr := t.store.Allocate()
		if aerr != nil {
			return page.InvalidID, nil, nil, aerr
		}
		desc, derr := encodeDescriptor(t.store, storedValue, t.currentLSN, &written)
		if derr != nil {
			return page.InvalidID, nil, nil, derr
		}
		leaf := &node{leaf: true, id: leafID, entries: []entry{{key: key, desc: desc}}, right: page.InvalidID}
		if werr := t.writeNode(leaf); werr != nil {
			return page.InvalidID, nil, nil, werr
		}
		return leafID, freed, nil, nil
	}

	id := root
	for {
		n, rerr := t.readNode(id)
		if rerr != nil {
			return page.InvalidID, nil, nil, rerr
		}
		if n.leaf {
			break
		}
		ix := n.findChildPos(key)
		path = append(path, pathEntry{n: n, childIx: ix})
		id = n.children[ix]
	}

	leaf, rerr := t.readNode(id)
	if rerr != nil {
		return page.InvalidID, nil, nil, rerr
	}
	freed = append(freed, leaf.id)

	desc, derr := encodeDescriptor(t.store, storedValue, t.currentLSN, &written)
	if derr != nil {
		return page.InvalidID, nil, nil, derr
	}

	pos, exact := leaf.findLeafPos(key)
	if exact {
		old := leaf.entries[pos].desc
		replacedOld = old
		if oldChain, cerr := overflowPageIDs(t.store, old); cerr == nil {
			freed = append(freed, oldChain...)
		}
		leaf.entries[pos] = entry{key: key, desc: desc}
	} else {
		leaf.entries = append(leaf.entries, entry{})
		copy(leaf.entries[pos+1:], leaf.entries[pos:])
		leaf.entries[pos] = entry{key: key, desc: desc}
	}

	newLeafID, newErr := t.store.Allocate()
	if newErr != nil {
		return page.InvalidID, nil, nil, newErr
	}
	leaf.id = newLeafID

	var promote *promotion
	if leaf.size() > capacity {
		promote, err = t.splitLeaf(leaf)
		if err != nil {
			return page.InvalidID, nil, nil, err
		}
	} else {
		if werr := t.writeNode(leaf); werr != nil {
			return page.InvalidID, nil, nil, werr
		}
	}

	return t.unwindInsert(path, leaf.id, promote, freed, replacedOld)
}

// promotion describes a split that must be reflected in the parent: a
// new separator key and the new right-hand child.
type promotion struct {
	sep        []byte
	rightChild page.ID
}

func (t *Tree) splitLeaf(n *node) (*promotion, error) {
	mid := len(n.entries) / 2
	leftEntries := append([]entry(nil), n.entries[:mid]...)
	rightEntries := append([]entry(nil), n.entries[mid:]...)

	rightID, err := t.store.Allocate()
	if err != nil {
		return nil, err
	}
	right := &node{leaf: true, id: rightID, entries: rightEntries, right: n.right}
	left := &node{leaf: true, id: n.id, entries: leftEntries, right: rightID}

	if err := t.writeNode(left); err != nil {
		return nil, err
	}
	if err := t.writeNode(right); err != nil {
		return nil, err
	}
	return &promotion{sep: right.entries[0].key, rightChild: rightID}, nil
}

func (t *Tree) splitInternal(n *node) (*promotion, error) {
	mid := len(n.keys) / 2
	sep := n.keys[mid]

	leftKeys := append([][]byte(nil), n.keys[:mid]...)
	leftChildren := append([]page.ID(nil), n.children[:mid+1]...)
	rightKeys := append([][]byte(nil), n.keys[mid+1:]...)
	rightChildren := append([]page.ID(nil), n.children[mid+1:]...)

	rightID, err := t.store.Allocate()
	if err != nil {
		return nil, err
	}
	right := &node{leaf: false, id: rightID, keys: rightKeys, children: rightChildren}
	left := &node{leaf: false, id: n.id, keys: leftKeys, children: leftChildren}

	if err := t.writeNode(left); err != nil {
		return nil, err
	}
	if err := t.writeNode(right); err != nil {
		return nil, err
	}
	return &promotion{sep: sep, rightChild: rightID}, nil
}

// unwindInsert rewrites every ancestor on path (COW) to point at the new
// child id, handling a pending split promotion at each level, and
// returns the resulting root.
func (t *Tree) unwindInsert(path []pathEntry, newChild page.ID, promote *promotion, freed []page.ID, replacedOld []byte) (page.ID, []page.ID, []byte, error) {
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		n := step.n
		freed = append(freed, n.id)

		n.children[step.childIx] = newChild
		if promote != nil {
			n.keys = append(n.keys, nil)
			copy(n.keys[step.childIx+1:], n.keys[step.childIx:])
			n.keys[step.childIx] = promote.sep
			n.children = append(n.children, page.InvalidID)
			copy(n.children[step.childIx+2:], n.children[step.childIx+1:])
			n.children[step.childIx+1] = promote.rightChild
		}

		newID, err := t.store.Allocate()
		if err != nil {
			return page.InvalidID, nil, nil, err
		}
		n.id = newID

		if n.size() > capacity {
			promote, err = t.splitInternal(n)
			if err != nil {
				return page.InvalidID, nil, nil, err
			}
			newChild = n.id
		} else {
			if err := t.writeNode(n); err != nil {
				return page.InvalidID, nil, nil, err
			}
			newChild = n.id
			promote = nil
		}
	}

	if promote != nil {
		rootID, err := t.store.Allocate()
		if err != nil {
			return page.InvalidID, nil, nil, err
		}
		root := &node{
			leaf:     false,
			id:       rootID,
			keys:     [][]byte{promote.sep},
			children: []page.ID{newChild, promote.rightChild},
		}
		if err := t.writeNode(root); err != nil {
			return page.InvalidID, nil, nil, err
		}
		return rootID, freed, replacedOld, nil
	}
	return newChild, freed, replacedOld, nil
}

// Remove deletes key if present, returning the new root, freed pages
// (including the removed entry's overflow chain if any), and whether a
// live entry existed.
func (t *Tree) Remove(root page.ID, key []byte) (newRoot page.ID, freed []page.ID, existed bool, err error) {
	if root == page.InvalidID {
		return root, nil, false, nil
	}

	var path []pathEntry
	id := root
	for {
		n, rerr := t.readNode(id)
		if rerr != nil {
			return page.InvalidID, nil, false, rerr
		}
		if n.leaf {
			break
		}
		ix := n.findChildPos(key)
		path = append(path, pathEntry{n: n, childIx: ix})
		id = n.children[ix]
	}

	leaf, rerr := t.readNode(id)
	if rerr != nil {
		return page.InvalidID, nil, false, rerr
	}
	pos, exact := leaf.findLeafPos(key)
	if !exact {
		return root, nil, false, nil
	}
	freed = append(freed, leaf.id)
	if chain, cerr := overflowPageIDs(t.store, leaf.entries[pos].desc); cerr == nil {
		freed = append(freed, chain...)
	}
	leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)

	newID, aerr := t.store.Allocate()
	if aerr != nil {
		return page.InvalidID, nil, false, aerr
	}
	leaf.id = newID
	if err := t.writeNode(leaf); err != nil {
		return page.InvalidID, nil, false, err
	}

	newRoot, freed, err = t.unwindRemove(path, leaf, freed)
	if err != nil {
		return page.InvalidID, nil, false, err
	}
	return newRoot, freed, true, nil
}

// unwindRemove rewrites ancestors (COW) after a leaf shrink, rebalancing
// via borrow-from-sibling or merge whenever a node drops below minFill.
func (t *Tree) unwindRemove(path []pathEntry, child *node, freed []page.ID) (page.ID, []page.ID, error) {
	cur := child
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		parent := step.n
		freed = append(freed, parent.id)
		parent.children[step.childIx] = cur.id

		if cur.size() < minFill && (len(parent.children) > 1) {
			rebalanced, rfreed, rerr := t.rebalance(parent, step.childIx)
			if rerr != nil {
				return page.InvalidID, nil, rerr
			}
			freed = append(freed, rfreed...)
			parent = rebalanced
		}

		newID, aerr := t.store.Allocate()
		if aerr != nil {
			return page.InvalidID, nil, aerr
		}
		parent.id = newID
		if err := t.writeNode(parent); err != nil {
			return page.InvalidID, nil, err
		}
		cur = parent
	}

	// Root collapse: an internal root with a single child becomes that
	// child.
	if !cur.leaf && len(cur.children) == 1 {
		freed = append(freed, cur.id)
		return cur.children[0], freed, nil
	}
	return cur.id, freed, nil
}

// rebalance fixes an underfull child of parent at childIx by borrowing
// from a sibling or merging with one, rewriting parent's key/child
// arrays in place (parent is later re-persisted by the caller under a
// fresh id). It returns the (possibly same) parent and any additionally
// freed page ids.
func (t *Tree) rebalance(parent *node, childIx int) (*node, []page.ID, error) {
	var freed []page.ID

	child, err := t.childNode(parent, childIx)
	if err != nil {
		return nil, nil, err
	}

	if childIx+1 < len(parent.children) {
		right, rerr := t.childNode(parent, childIx+1)
		if rerr != nil {
			return nil, nil, rerr
		}
		if right.size() > minFill*2 {
			t.borrowFromRight(parent, childIx, child, right)
			if err := t.rewriteSiblings(&freed, child, right); err != nil {
				return nil, nil, err
			}
			parent.children[childIx] = child.id
			parent.children[childIx+1] = right.id
			return parent, freed, nil
		}
	}
	if childIx > 0 {
		left, lerr := t.childNode(parent, childIx-1)
		if lerr != nil {
			return nil, nil, lerr
		}
		if left.size() > minFill*2 {
			t.borrowFromLeft(parent, childIx, left, child)
			if err := t.rewriteSiblings(&freed, left, child); err != nil {
				return nil, nil, err
			}
			parent.children[childIx-1] = left.id
			parent.children[childIx] = child.id
			return parent, freed, nil
		}
	}

	if childIx+1 < len(parent.children) {
		right, rerr := t.childNode(parent, childIx+1)
		if rerr != nil {
			return nil, nil, rerr
		}
		freed = append(freed, child.id, right.id)
		merged := t.merge(parent, childIx, child, right)
		mid, aerr := t.store.Allocate()
		if aerr != nil {
			return nil, nil, aerr
		}
		merged.id = mid
		if err := t.writeNode(merged); err != nil {
			return nil, nil, err
		}
		parent.children[childIx] = merged.id
		parent.children = append(parent.children[:childIx+1], parent.children[childIx+2:]...)
		parent.keys = append(parent.keys[:childIx], parent.keys[childIx+1:]...)
		return parent, freed, nil
	}
	if childIx > 0 {
		left, lerr := t.childNode(parent, childIx-1)
		if lerr != nil {
			return nil, nil, lerr
		}
		freed = append(freed, left.id, child.id)
		merged := t.merge(parent, childIx-1, left, child)
		mid, aerr := t.store.Allocate()
		if aerr != nil {
			return nil, nil, aerr
		}
		merged.id = mid
		if err := t.writeNode(merged); err != nil {
			return nil, nil, err
		}
		parent.children[childIx-1] = merged.id
		parent.children = append(parent.children[:childIx], parent.children[childIx+1:]...)
		parent.keys = append(parent.keys[:childIx-1], parent.keys[childIx:]...)
		return parent, freed, nil
	}
	return parent, freed, nil
}

func (t *Tree) childNode(parent *node, ix int) (*node, error) {
	return t.readNode(parent.children[ix])
}

func (t *Tree) rewriteSiblings(freed *[]page.ID, nodes ...*node) error {
	for _, n := range nodes {
		*freed = append(*freed, n.id)
		newID, err := t.store.Allocate()
		if err != nil {
			return err
		}
		n.id = newID
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) borrowFromRight(parent *node, childIx int, child, right *node) {
	if child.leaf {
		moved := right.entries[0]
		right.entries = right.entries[1:]
		child.entries = append(child.entries, moved)
		parent.keys[childIx] = right.entries[0].key
	} else {
		sep := parent.keys[childIx]
		child.keys = append(child.keys, sep)
		child.children = append(child.children, right.children[0])
		parent.keys[childIx] = right.keys[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]
	}
	parent.children[childIx] = child.id
	parent.children[childIx+1] = right.id
}

func (t *Tree) borrowFromLeft(parent *node, childIx int, left, child *node) {
	if child.leaf {
		moved := left.entries[len(left.entries)-1]
		left.entries = left.entries[:len(left.entries)-1]
		child.entries = append([]entry{moved}, child.entries...)
		parent.keys[childIx-1] = child.entries[0].key
	} else {
		sep := parent.keys[childIx-1]
		child.keys = append([][]byte{sep}, child.keys...)
		child.children = append([]page.ID{left.children[len(left.children)-1]}, child.children...)
		parent.keys[childIx-1] = left.keys[len(left.keys)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.children = left.children[:len(left.children)-1]
	}
	parent.children[childIx-1] = left.id
	parent.children[childIx] = child.id
}

// merge combines left and the node at parent.children[leftIx+1] into a
// single new node, reusing left's id; it is re-allocated by the caller.
func (t *Tree) merge(parent *node, leftIx int, left, right *node) *node {
	if left.leaf {
		merged := &node{leaf: true, id: left.id, entries: append(append([]entry(nil), left.entries...), right.entries...), right: right.right}
		return merged
	}
	sep := parent.keys[leftIx]
	keys := append(append([][]byte(nil), left.keys...), sep)
	keys = append(keys, right.keys...)
	children := append(append([]page.ID(nil), left.children...), right.children...)
	return &node{leaf: false, id: left.id, keys: keys, children: children}
}

// Compare exposes unsigned byte-lex comparison for callers building
// bounds (scanRange's hi-exclusive check, etc).
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
