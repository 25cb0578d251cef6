// Package freelist implements an on-disk singly-linked list of
// recyclable page pointers. It is itself copy-on-write, like the tree:
// Update never mutates a node in place, it stages replacement nodes
// through the callbacks supplied by the pager.
package freelist

import (
	"pagedb/assert"
	"pagedb/page"
)

// FreeList tracks pointers to pages freed by prior commits. head is
// the page number of the first (most recently pushed) list node, 0 if
// the list is empty.
type FreeList struct {
	Head uint64

	Get func(uint64) page.BNode  // dereference a pointer
	New func(page.BNode) uint64  // append a new page, used only for list nodes themselves
	Use func(uint64, page.BNode) // reuse a page number to host a list node
}

// Total is 0 if the list is empty, else the head node's total field.
func (fl *FreeList) Total() int {
	if fl.Head == 0 {
		return 0
	}
	return int(page.FLTotal(fl.Get(fl.Head)))
}

// GetPtr returns the n-th pointer counted from the head (0-based, LIFO
// within each node).
func (fl *FreeList) GetPtr(topn int) uint64 {
	assert.Assert(0 <= topn && topn < fl.Total(), "freelist: GetPtr index out of range")
	node := fl.Get(fl.Head)
	for int(page.FLSize(node)) <= topn {
		topn -= int(page.FLSize(node))
		next := page.FLNext(node)
		assert.Assert(next != 0, "freelist: ran off the end of the list")
		node = fl.Get(next)
	}
	return page.FLPtr(node, int(page.FLSize(node))-topn-1)
}

// Update removes popn pointers from the front of the list and adds
// the pointers in freed, in a single pass that also recycles the
// pages used to host the list's own nodes: pop first, then push new
// nodes onto freshly reclaimed pointers before falling back to
// appending brand-new pages.
func (fl *FreeList) Update(popn int, freed []uint64) {
	assert.Assert(popn <= fl.Total(), "freelist: popn exceeds total")
	if popn == 0 && len(freed) == 0 {
		return
	}

	total := fl.Total()
	reuse := []uint64{}

	// phase 1 & 2: walk head nodes while pointers remain to be popped
	// or we still need capacity to host the new list; each walked node
	// is itself freed (recycled), and any pointers it still holds
	// beyond popn are folded back into freed so they get re-pushed.
	for fl.Head != 0 && (popn > 0 || len(reuse)*page.FreeListCap < len(freed)) {
		node := fl.Get(fl.Head)
		freed = append(freed, fl.Head)
		size := int(page.FLSize(node))
		if popn >= size {
			popn -= size
		} else {
			remain := size - popn
			popn = 0
			// take a host only if the entries left after taking it
			// still need that many nodes, so push uses every one.
			for remain > 0 && len(reuse)*page.FreeListCap < len(freed)+remain-1 {
				remain--
				reuse = append(reuse, page.FLPtr(node, remain))
			}
			for i := 0; i < remain; i++ {
				freed = append(freed, page.FLPtr(node, i))
			}
		}
		total -= size
		fl.Head = page.FLNext(node)
	}
	assert.Assert(len(reuse)*page.FreeListCap >= len(freed) || fl.Head == 0,
		"freelist: reuse deque cannot host the new list nodes")

	// phase 3: prepend new nodes built from freed, preferring to host
	// them on reuse pages before falling back to append.
	push(fl, freed, reuse)

	page.FLSetTotal(fl.Get(fl.Head), uint64(total+len(freed)))
}

func push(fl *FreeList, freed, reuse []uint64) {
	for len(freed) > 0 {
		newNode := page.New(page.PageSize)
		size := len(freed)
		if size > page.FreeListCap {
			size = page.FreeListCap
		}
		page.FLSetHeader(newNode, uint16(size), fl.Head)
		for i, ptr := range freed[:size] {
			page.FLSetPtr(newNode, i, ptr)
		}
		freed = freed[size:]

		if len(reuse) > 0 {
			fl.Head, reuse = reuse[0], reuse[1:]
			fl.Use(fl.Head, newNode)
		} else {
			fl.Head = fl.New(newNode)
		}
	}
	assert.Assert(len(reuse) == 0, "freelist: reuse deque left over after push")
}
