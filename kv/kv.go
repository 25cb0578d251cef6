// Package kv is the public facade: it wires the pager, free list and
// B+tree together and implements commit sequencing, including
// rollback of in-memory state when a commit fails before the master
// page is rewritten.
package kv

import (
	"os"

	"pagedb/btree"
	"pagedb/dberr"
	"pagedb/freelist"
	"pagedb/page"
	"pagedb/pager"
)

// Re-exported so callers don't need to import btree directly for
// common cases.
const (
	ModeUpsert     = btree.ModeUpsert
	ModeInsertOnly = btree.ModeInsertOnly
	ModeUpdateOnly = btree.ModeUpdateOnly
)

type Cmp = btree.Cmp

const (
	CmpLE = btree.CmpLE
	CmpLT = btree.CmpLT
	CmpGE = btree.CmpGE
	CmpGT = btree.CmpGT
)

// KV is one open database. It owns the file for its lifetime; there
// is exactly one logical writer.
type KV struct {
	path  string
	pager *pager.Pager
	free  *freelist.FreeList
	tree  *btree.BTree
	nfree int // pages handed out from the free list so far this commit
}

// Open opens (creating if necessary) the database file at path and
// recovers its master page.
func Open(path string) (*KV, error) {
	p, err := pager.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := pager.LoadMaster(p)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	// the file may be longer than the database: extendFile over-allocates.
	p.Flushed = m.TotalPages

	kv := &KV{path: path, pager: p}
	kv.tree = &btree.BTree{
		Root:    m.Root,
		GetPage: p.PageGet,
		DelPage: p.PageDel,
		NewPage: kv.pageNew,
	}
	kv.free = &freelist.FreeList{
		Head: m.FreeListHead,
		Get:  p.PageGet,
		New:  p.PageAppend,
		Use:  p.PageReuse,
	}
	return kv, nil
}

func (kv *KV) Close() error {
	return kv.pager.Close()
}

// File exposes the backing file, for tests that need to simulate an
// I/O failure partway through a commit.
func (kv *KV) File() *os.File {
	return kv.pager.File()
}

// pageNew is the tree's allocator: it satisfies allocations from the
// free list before growing the file.
func (kv *KV) pageNew(node page.BNode) uint64 {
	if kv.nfree < kv.free.Total() {
		ptr := kv.free.GetPtr(kv.nfree)
		kv.nfree++
		kv.pager.PageReuse(ptr, node)
		return ptr
	}
	return kv.pager.PageAppend(node)
}

// Get returns the value for key, or ok == false if absent.
func (kv *KV) Get(key []byte) (val []byte, ok bool) {
	return kv.tree.Get(key)
}

// Set upserts key/val, returning whether a new key was added.
func (kv *KV) Set(key, val []byte) (bool, error) {
	return kv.mutate(func() (bool, error) { return kv.tree.Insert(key, val) })
}

// Del removes key, returning whether it was present.
func (kv *KV) Del(key []byte) (bool, error) {
	return kv.mutate(func() (bool, error) { return kv.tree.Delete(key), nil })
}

// Update applies mode's semantics, returning whether a new key was
// added.
func (kv *KV) Update(key, val []byte, mode int) (bool, error) {
	return kv.mutate(func() (bool, error) { return kv.tree.Update(key, val, mode) })
}

// Seek returns an iterator positioned per cmp against key.
func (kv *KV) Seek(key []byte, cmp Cmp) *btree.Iter {
	return btree.Seek(kv.tree, key, cmp)
}

// mutate runs fn against the tree, then commits. Any failure --
// whether fn's own validation error or a later I/O failure -- rolls
// the in-memory root, free-list head and nfree counter back to their
// pre-mutation values and discards staged pages.
func (kv *KV) mutate(fn func() (bool, error)) (bool, error) {
	savedRoot := kv.tree.Root
	savedFreeHead := kv.free.Head
	savedNfree := kv.nfree

	changed, err := fn()
	if err != nil {
		kv.rollback(savedRoot, savedFreeHead, savedNfree)
		return false, err
	}
	if !kv.pager.Dirty() {
		return changed, nil // no-op write or key-not-found delete: nothing to commit
	}
	if err := kv.commit(); err != nil {
		kv.rollback(savedRoot, savedFreeHead, savedNfree)
		return false, err
	}
	return changed, nil
}

func (kv *KV) rollback(root, freeHead uint64, nfree int) {
	kv.tree.Root = root
	kv.free.Head = freeHead
	kv.nfree = nfree
	kv.pager.Rollback()
}

// commit folds tombstones into the free list, flushes data pages with
// one fsync, then atomically rewrites the master page with a second
// fsync.
func (kv *KV) commit() error {
	freed := kv.pager.PendingDeletes()
	kv.free.Update(kv.nfree, freed)
	kv.nfree = 0

	if err := kv.pager.Flush(); err != nil {
		return dberr.IOErrorf(err, "flush commit")
	}
	return pager.SaveMaster(kv.pager, pager.Master{
		Root:         kv.tree.Root,
		TotalPages:   kv.pager.Flushed,
		FreeListHead: kv.free.Head,
	})
}

// FreeListTotal exposes the free list's bookkeeping, used by tests
// checking that freed pages stay reachable for reuse.
func (kv *KV) FreeListTotal() int {
	return kv.free.Total()
}
