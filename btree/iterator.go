package btree

import (
	"bytes"

	"pagedb/page"
)

// Cmp selects the comparator a Seek is relative to.
type Cmp int

const (
	CmpLE Cmp = iota
	CmpLT
	CmpGE
	CmpGT
)

// Iter walks the leaf level of a tree. Its state is a pair of
// parallel stacks: the path of nodes from root to the current leaf,
// and the selected index at each level.
type Iter struct {
	tree *BTree
	path []page.BNode
	pos  []uint16
}

// Valid reports whether the iterator is positioned at a real entry
// (not the empty-tree / off-the-end state).
func (it *Iter) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	idx := it.pos[len(it.pos)-1]
	return idx < leaf.Nkeys() && len(leaf.GetKey(idx)) > 0
}

// Deref returns the key/value at the iterator's current position.
// The caller must check Valid first.
func (it *Iter) Deref() ([]byte, []byte) {
	leaf := it.path[len(it.path)-1]
	idx := it.pos[len(it.pos)-1]
	return leaf.GetKey(idx), leaf.GetVal(idx)
}

// seekLE walks the tree once, recording lookup_le's index at every
// level, and returns an iterator positioned at the largest key <= key.
func seekLE(tree *BTree, key []byte) *Iter {
	it := &Iter{tree: tree}
	for ptr := tree.Root; ptr != 0; {
		node := tree.GetPage(ptr)
		idx := page.LookupLE(node, key)
		it.path = append(it.path, node)
		it.pos = append(it.pos, idx)
		if node.Type() == page.TypeInternal {
			ptr = node.GetPtr(idx)
		} else {
			ptr = 0
		}
	}
	return it
}

// Seek returns an iterator positioned at the entry satisfying cmp
// against key, or an iterator at the logical end if none exists.
// Implemented as seekLE followed by at most one correcting step.
func Seek(tree *BTree, key []byte, cmp Cmp) *Iter {
	it := seekLE(tree, key)
	if !it.Valid() {
		if cmp == CmpGE || cmp == CmpGT {
			it.Next()
		}
		return it
	}
	gotKey, _ := it.Deref()
	moved := true
	switch cmp {
	case CmpLE:
		// seek_le already lands here.
	case CmpLT:
		if bytes.Equal(gotKey, key) {
			moved = it.Prev()
		}
	case CmpGE:
		if !bytes.Equal(gotKey, key) {
			moved = it.Next()
		}
	case CmpGT:
		moved = it.Next()
	}
	if !moved {
		// no entry satisfies cmp: return the logical end.
		return &Iter{tree: tree}
	}
	return it
}

// Next advances to the following leaf entry. It returns false (and
// leaves the iterator unmoved) if already at the last entry.
func (it *Iter) Next() bool {
	return it.step(+1)
}

// Prev moves to the preceding leaf entry, symmetric to Next. Stepping
// onto the leading empty-key sentinel counts as falling off the end:
// the iterator stays at the first real entry and Prev reports false.
func (it *Iter) Prev() bool {
	return it.step(-1)
}

func (it *Iter) step(dir int) bool {
	if len(it.path) == 0 {
		return false
	}
	savedPos := append([]uint16(nil), it.pos...)
	savedPath := append([]page.BNode(nil), it.path...)
	if !iterStep(it, len(it.path)-1, dir) {
		return false
	}
	if !it.Valid() {
		it.pos = savedPos
		it.path = savedPath
		return false
	}
	return true
}

// iterStep moves pos[level] by dir, recursing upward on overflow and
// refilling the path downward (along first/last children) on the way
// back. It reports whether the move succeeded.
func iterStep(it *Iter, level int, dir int) bool {
	if dir > 0 {
		if it.pos[level]+1 < it.path[level].Nkeys() {
			it.pos[level]++
		} else if level > 0 {
			if !iterStep(it, level-1, dir) {
				return false
			}
		} else {
			return false
		}
	} else {
		if it.pos[level] > 0 {
			it.pos[level]--
		} else if level > 0 {
			if !iterStep(it, level-1, dir) {
				return false
			}
		} else {
			return false
		}
	}
	if level+1 < len(it.pos) {
		parent := it.path[level]
		kid := it.tree.GetPage(parent.GetPtr(it.pos[level]))
		it.path[level+1] = kid
		if dir > 0 {
			it.pos[level+1] = 0
		} else {
			it.pos[level+1] = kid.Nkeys() - 1
		}
	}
	return true
}
