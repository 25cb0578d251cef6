// Package pager owns the database file and its memory map. It serves
// page reads, stages page writes in a pending-writes table, extends
// the file and map as needed, and commits staged pages followed by an
// atomically-written master page.
package pager

import (
	"os"

	"golang.org/x/sys/unix"

	"pagedb/assert"
	"pagedb/dberr"
	"pagedb/page"
)

// Pager owns the open file, its mmap chunks, and the bookkeeping a
// commit needs: how many pages are durably on disk (Flushed), how
// many pages this commit has appended so far, and the pending table
// of staged writes/deletes.
type Pager struct {
	fp *os.File

	mmapFile  int      // file size in bytes, may exceed the logical db size
	mmapTotal int      // total mapped bytes, may exceed mmapFile
	chunks    [][]byte // possibly non-contiguous mmap regions

	Flushed uint64 // database size in pages, durable on disk
	Nappend int     // pages appended (not yet flushed) this commit

	// pending holds staged writes (non-nil bytes) and staged
	// deletions (nil) keyed by page number. Cleared by Flush.
	pending map[uint64][]byte
}

// Open opens (creating if necessary) the backing file and establishes
// the initial memory map. It does not load the master page; callers
// do that separately once the pager is ready to serve pageGet for
// page 0.
func Open(path string) (*Pager, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, dberr.IOErrorf(err, "open %s", path)
	}
	p := &Pager{fp: fp, pending: map[uint64][]byte{}}

	sz, chunk, err := mmapInit(fp)
	if err != nil {
		_ = fp.Close()
		return nil, err
	}
	p.mmapFile = sz
	p.mmapTotal = len(chunk)
	p.chunks = [][]byte{chunk}
	p.Flushed = uint64(sz) / page.PageSize
	if p.Flushed == 0 {
		// page 0 is always reserved for the master page, even before
		// it has ever been written; data pages start at 1.
		p.Flushed = 1
	}
	return p, nil
}

func (p *Pager) Close() error {
	for _, chunk := range p.chunks {
		if err := unix.Munmap(chunk); err != nil {
			return dberr.IOErrorf(err, "munmap")
		}
	}
	return p.fp.Close()
}

func mmapInit(fp *os.File) (int, []byte, error) {
	fi, err := fp.Stat()
	if err != nil {
		return 0, nil, dberr.IOErrorf(err, "stat")
	}
	if fi.Size()%page.PageSize != 0 {
		return 0, nil, dberr.Corruptionf("file size %d is not a multiple of the page size", fi.Size())
	}
	mmapSize := 64 << 20
	for mmapSize < int(fi.Size()) {
		mmapSize *= 2
	}
	if mmapSize == 0 {
		mmapSize = 64 << 20
	}
	chunk, err := unix.Mmap(int(fp.Fd()), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, nil, dberr.IOErrorf(err, "mmap")
	}
	return int(fi.Size()), chunk, nil
}

// extendMmap grows the address space so it can cover npages, doubling
// the previously mapped span (chunks need not be contiguous; PageGet
// locates the owning chunk by accumulating chunk sizes).
func (p *Pager) extendMmap(npages int) error {
	need := npages * page.PageSize
	if p.mmapTotal >= need {
		return nil
	}
	alloc := p.mmapTotal
	if alloc == 0 {
		alloc = 64 << 20
	}
	for p.mmapTotal+alloc < need {
		alloc *= 2
	}
	chunk, err := unix.Mmap(int(p.fp.Fd()), int64(p.mmapTotal), alloc, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return dberr.IOErrorf(err, "mmap extend")
	}
	p.mmapTotal += alloc
	p.chunks = append(p.chunks, chunk)
	return nil
}

// extendFile grows the file to at least npages, over-allocating
// exponentially so most commits don't need to extend it.
func (p *Pager) extendFile(npages int) error {
	filePages := p.mmapFile / page.PageSize
	if filePages >= npages {
		return nil
	}
	for filePages < npages {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	fileSize := filePages * page.PageSize
	if err := unix.Fallocate(int(p.fp.Fd()), 0, 0, int64(fileSize)); err != nil {
		return dberr.IOErrorf(err, "fallocate")
	}
	p.mmapFile = fileSize
	return nil
}

// pageGetMapped reads directly from the memory map, bypassing pending.
func (p *Pager) pageGetMapped(ptr uint64) page.BNode {
	start := uint64(0)
	for _, chunk := range p.chunks {
		end := start + uint64(len(chunk))/page.PageSize
		if ptr < end {
			offset := page.PageSize * (ptr - start)
			return page.NewBNode(chunk[offset : offset+page.PageSize])
		}
		start = end
	}
	panic("pager: page number out of mapped range")
}

// PageGet returns ptr's bytes: the pending write if one is staged,
// otherwise the mapped page.
func (p *Pager) PageGet(ptr uint64) page.BNode {
	if data, ok := p.pending[ptr]; ok {
		assert.Assert(data != nil, "pager: PageGet on a page staged for deletion")
		return page.NewBNode(data)
	}
	return p.pageGetMapped(ptr)
}

// PageGetRawMut returns a mutable view suitable for in-place fixups
// such as patching the free-list head's total. The page must already
// be staged or already mapped; writes are visible on the next PageGet.
func (p *Pager) PageGetRawMut(ptr uint64) page.BNode {
	return p.PageGet(ptr)
}

// PageAppend mints the next page number (Flushed + Nappend) and
// stages node's bytes there.
func (p *Pager) PageAppend(node page.BNode) uint64 {
	assert.Assert(len(node.Data) <= page.PageSize, "pager: PageAppend node too large")
	ptr := p.Flushed + uint64(p.Nappend)
	p.Nappend++
	p.pending[ptr] = node.Data
	return ptr
}

// PageReuse stages bytes at an already-known page number (used by the
// free list when it hosts a new node on a page it just reclaimed).
func (p *Pager) PageReuse(ptr uint64, node page.BNode) {
	assert.Assert(len(node.Data) <= page.PageSize, "pager: PageReuse node too large")
	p.pending[ptr] = node.Data
}

// PageDel records ptr as freed: its replacement has already been
// written elsewhere, so the old bytes become dead on commit.
func (p *Pager) PageDel(ptr uint64) {
	p.pending[ptr] = nil
}

// PendingDeletes returns the page numbers staged as deletions this commit —
// the set the free list must fold in via Update.
func (p *Pager) PendingDeletes() []uint64 {
	var freed []uint64
	for ptr, data := range p.pending {
		if data == nil {
			freed = append(freed, ptr)
		}
	}
	return freed
}

// Flush extends the file/map to cover every staged page, copies the
// staged writes into the map, and fsyncs. It does not touch the
// master page; callers write that separately once Flush succeeds, as
// the first of a two-fsync commit: data pages durable before the
// master page is ever allowed to point at them.
func (p *Pager) Flush() error {
	npages := int(p.Flushed) + p.Nappend
	if err := p.extendFile(npages); err != nil {
		return err
	}
	if err := p.extendMmap(npages); err != nil {
		return err
	}
	for ptr, data := range p.pending {
		if data != nil {
			copy(p.pageGetMapped(ptr).Data, data)
		}
	}
	if err := p.fp.Sync(); err != nil {
		return dberr.IOErrorf(err, "fsync data pages")
	}
	p.Flushed += uint64(p.Nappend)
	p.Nappend = 0
	p.pending = map[uint64][]byte{}
	return nil
}

// Rollback discards all pending writes without touching Flushed —
// used when a commit step before the data fsync fails.
func (p *Pager) Rollback() {
	p.Nappend = 0
	p.pending = map[uint64][]byte{}
}

// Dirty reports whether any writes or deletions are staged. A commit
// with nothing dirty can skip flush and the master-page rewrite
// entirely.
func (p *Pager) Dirty() bool {
	return len(p.pending) > 0
}

// File exposes the backing *os.File; kv.File passes it on to tests
// that simulate I/O failures.
func (p *Pager) File() *os.File { return p.fp }

// SyncFile fsyncs the underlying file descriptor (used to bracket the
// master-page write per the commit contract).
func (p *Pager) SyncFile() error {
	if err := p.fp.Sync(); err != nil {
		return dberr.IOErrorf(err, "fsync master page")
	}
	return nil
}
