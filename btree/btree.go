// Package btree implements a copy-on-write B+tree: every mutation
// descends recursively, schedules the old kid pages for deletion, and
// rebuilds ancestors around the possibly-split replacement. The tree
// never mutates a page in place; callers supply GetPage/NewPage/DelPage
// callbacks that talk to the pager and free list.
package btree

import (
	"bytes"

	"pagedb/assert"
	"pagedb/dberr"
	"pagedb/page"
)

// Update modes for a single key.
const (
	ModeUpsert = iota
	ModeInsertOnly
	ModeUpdateOnly
)

// BTree is the tree itself: just a root pointer plus the callbacks
// that give it access to storage. The zero value with Root == 0 is an
// empty tree.
type BTree struct {
	Root uint64

	GetPage func(uint64) page.BNode // dereference a page number
	NewPage func(page.BNode) uint64 // allocate a page number for a brand-new page
	DelPage func(uint64)            // schedule a page number for deletion
}

func checkLimit(key, val []byte) error {
	if len(key) == 0 {
		return dberr.BadArgumentf("key must not be empty")
	}
	if len(key) > page.MaxKeySize {
		return dberr.BadArgumentf("key length %d exceeds %d", len(key), page.MaxKeySize)
	}
	if len(val) > page.MaxValSize {
		return dberr.BadArgumentf("value length %d exceeds %d", len(val), page.MaxValSize)
	}
	return nil
}

// Get returns the value for key, or (nil, false) if absent.
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.Root == 0 || len(key) == 0 {
		return nil, false
	}
	node := tree.GetPage(tree.Root)
	for {
		idx := page.LookupLE(node, key)
		switch node.Type() {
		case page.TypeLeaf:
			if idx < node.Nkeys() && bytes.Equal(node.GetKey(idx), key) {
				return node.GetVal(idx), true
			}
			return nil, false
		case page.TypeInternal:
			node = tree.GetPage(node.GetPtr(idx))
		default:
			panic("btree: invalid node type")
		}
	}
}

// Insert upserts key/val. Returns whether a new key was added (false
// on update of an existing key).
func (tree *BTree) Insert(key, val []byte) (bool, error) {
	return tree.Update(key, val, ModeUpsert)
}

// Delete removes key, returning whether it was present.
func (tree *BTree) Delete(key []byte) bool {
	if tree.Root == 0 {
		return false
	}
	if err := checkLimit(key, nil); err != nil {
		return false
	}
	updated := treeDelete(tree, tree.GetPage(tree.Root), key)
	if updated.Data == nil {
		return false
	}
	tree.DelPage(tree.Root)
	if updated.Type() == page.TypeInternal && updated.Nkeys() == 1 {
		tree.Root = updated.GetPtr(0)
	} else {
		tree.Root = tree.NewPage(updated)
	}
	return true
}

// Update applies mode's semantics and reports whether a new key was
// added.
func (tree *BTree) Update(key, val []byte, mode int) (bool, error) {
	if err := checkLimit(key, val); err != nil {
		return false, err
	}
	switch mode {
	case ModeUpsert, ModeInsertOnly, ModeUpdateOnly:
	default:
		return false, dberr.BadArgumentf("invalid update mode %d", mode)
	}

	old, exists := tree.Get(key)
	switch mode {
	case ModeInsertOnly:
		if exists {
			return false, nil
		}
	case ModeUpdateOnly:
		if !exists {
			return false, nil
		}
	}
	if exists && bytes.Equal(old, val) {
		return false, nil // no-op write: elide the page allocation
	}

	if tree.Root == 0 {
		root := page.New(page.PageSize)
		root.SetHeader(page.TypeLeaf, 2)
		page.AppendKV(root, 0, 0, nil, nil) // sentinel
		page.AppendKV(root, 1, 0, key, val)
		tree.Root = tree.NewPage(root)
		return true, nil
	}

	node := tree.GetPage(tree.Root)
	tree.DelPage(tree.Root)
	node = treeInsert(tree, node, key, val)
	parts := page.Split3(node)
	if len(parts) > 1 {
		root := page.New(page.PageSize)
		root.SetHeader(page.TypeInternal, uint16(len(parts)))
		for i, kid := range parts {
			ptr := tree.NewPage(kid)
			page.AppendKV(root, uint16(i), ptr, kid.GetKey(0), nil)
		}
		tree.Root = tree.NewPage(root)
	} else {
		tree.Root = tree.NewPage(parts[0])
	}
	return !exists, nil
}

func treeInsert(tree *BTree, node page.BNode, key, val []byte) page.BNode {
	new := page.New(2 * page.PageSize)
	idx := page.LookupLE(node, key)
	switch node.Type() {
	case page.TypeLeaf:
		if bytes.Equal(key, node.GetKey(idx)) {
			page.LeafUpdate(new, node, idx, key, val)
		} else {
			page.LeafInsert(new, node, idx+1, key, val)
		}
	case page.TypeInternal:
		nodeInsert(tree, new, node, idx, key, val)
	default:
		panic("btree: invalid node type")
	}
	return new
}

func nodeInsert(tree *BTree, new, node page.BNode, idx uint16, key, val []byte) {
	kptr := node.GetPtr(idx)
	kid := tree.GetPage(kptr)
	tree.DelPage(kptr)
	kid = treeInsert(tree, kid, key, val)
	parts := page.Split3(kid)
	ptrs := make([]uint64, len(parts))
	for i, part := range parts {
		ptrs[i] = tree.NewPage(part)
	}
	page.ReplaceKidN(new, node, idx, ptrs, parts)
}

func treeDelete(tree *BTree, node page.BNode, key []byte) page.BNode {
	idx := page.LookupLE(node, key)
	switch node.Type() {
	case page.TypeLeaf:
		if !bytes.Equal(key, node.GetKey(idx)) {
			return page.BNode{}
		}
		new := page.New(page.PageSize)
		page.LeafDelete(new, node, idx)
		return new
	case page.TypeInternal:
		return nodeDelete(tree, node, idx, key)
	default:
		panic("btree: invalid node type")
	}
}

func nodeDelete(tree *BTree, node page.BNode, idx uint16, key []byte) page.BNode {
	kptr := node.GetPtr(idx)
	updated := treeDelete(tree, tree.GetPage(kptr), key)
	if updated.Data == nil {
		return page.BNode{}
	}
	tree.DelPage(kptr)

	new := page.New(page.PageSize)
	mergeDir, sibling := shouldMerge(tree, node, idx, updated)
	switch {
	case mergeDir < 0:
		merged := page.New(page.PageSize)
		page.Merge(merged, sibling, updated)
		tree.DelPage(node.GetPtr(idx - 1))
		page.Replace2Kid(new, node, idx-1, tree.NewPage(merged), merged.GetKey(0))
	case mergeDir > 0:
		merged := page.New(page.PageSize)
		page.Merge(merged, updated, sibling)
		tree.DelPage(node.GetPtr(idx + 1))
		page.Replace2Kid(new, node, idx, tree.NewPage(merged), merged.GetKey(0))
	default:
		if updated.Nkeys() == 0 {
			assert.Assert(node.Nkeys() == 1 && idx == 0, "btree: empty kid without a singleton parent")
			new.SetHeader(page.TypeInternal, 0)
			return new
		}
		replaceKid1(new, node, idx, tree.NewPage(updated), updated.GetKey(0))
	}
	return new
}

// replaceKid1 rewrites a single child pointer/separator in place,
// leaving the rest of the node unchanged (no split, no merge).
func replaceKid1(new, old page.BNode, idx uint16, ptr uint64, key []byte) {
	new.SetHeader(page.TypeInternal, old.Nkeys())
	page.AppendRange(new, old, 0, 0, idx)
	page.AppendKV(new, idx, ptr, key, nil)
	page.AppendRange(new, old, idx+1, idx+1, old.Nkeys()-(idx+1))
}

func shouldMerge(tree *BTree, node page.BNode, idx uint16, updated page.BNode) (int, page.BNode) {
	if updated.NumBytes() > page.PageSize/4 {
		return 0, page.BNode{}
	}
	if idx > 0 {
		sibling := tree.GetPage(node.GetPtr(idx - 1))
		if sibling.NumBytes()+updated.NumBytes()-4 <= page.PageSize {
			return -1, sibling
		}
	}
	if idx+1 < node.Nkeys() {
		sibling := tree.GetPage(node.GetPtr(idx + 1))
		if sibling.NumBytes()+updated.NumBytes()-4 <= page.PageSize {
			return +1, sibling
		}
	}
	return 0, page.BNode{}
}
