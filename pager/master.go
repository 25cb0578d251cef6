package pager

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"pagedb/dberr"
	"pagedb/page"
)

// Master page layout (page 0, never memory-mapped for writes — it is
// always pwrite'n directly so a crash mid-write can't tear a page the
// mmap is also exposing to readers):
//
//	offset  size  field
//	  0      16   signature "BuildYourOwnDB00"
//	  16     8    btree root page number
//	  24     8    total page count
//	  32     8    free list head page number
const (
	masterSig  = "BuildYourOwnDB00"
	masterSize = 40
)

// Master mirrors the committed contents of page 0.
type Master struct {
	Root         uint64
	TotalPages   uint64
	FreeListHead uint64
}

// LoadMaster reads and validates the master page. An empty (freshly
// created) file is a valid empty database: Root and FreeListHead are
// both 0 and TotalPages is 1 (page 0 itself).
func LoadMaster(p *Pager) (Master, error) {
	if p.mmapFile == 0 {
		return Master{TotalPages: 1}, nil
	}
	data := p.pageGetMapped(0).Data[:masterSize]
	if string(data[:16]) != masterSig {
		return Master{}, dberr.Corruptionf("bad master page signature")
	}
	m := Master{
		Root:         binary.LittleEndian.Uint64(data[16:24]),
		TotalPages:   binary.LittleEndian.Uint64(data[24:32]),
		FreeListHead: binary.LittleEndian.Uint64(data[32:40]),
	}
	if m.TotalPages == 0 {
		return Master{}, dberr.Corruptionf("master page reports zero pages")
	}
	if m.TotalPages > uint64(p.mmapFile)/page.PageSize {
		return Master{}, dberr.Corruptionf("master page reports %d pages, file holds only %d", m.TotalPages, uint64(p.mmapFile)/page.PageSize)
	}
	if m.Root >= m.TotalPages || m.FreeListHead >= m.TotalPages {
		return Master{}, dberr.Corruptionf("master page pointers out of range")
	}
	if m.FreeListHead != 0 && m.FreeListHead == m.Root {
		return Master{}, dberr.Corruptionf("free list head and btree root must not coincide")
	}
	return m, nil
}

// SaveMaster writes m to page 0 under an exclusive advisory lock,
// using Pwrite (not the mmap) so the write is a single atomic
// operation from the kernel's point of view, then fsyncs. This is the
// second of the two fsyncs in the commit contract; by the time it
// runs, every page m.Root and m.FreeListHead can reach is already
// durable on disk.
func SaveMaster(p *Pager, m Master) error {
	if err := unix.Flock(int(p.fp.Fd()), unix.LOCK_EX); err != nil {
		return dberr.IOErrorf(err, "flock master page")
	}
	defer unix.Flock(int(p.fp.Fd()), unix.LOCK_UN)

	var buf [masterSize]byte
	copy(buf[0:16], masterSig)
	binary.LittleEndian.PutUint64(buf[16:24], m.Root)
	binary.LittleEndian.PutUint64(buf[24:32], m.TotalPages)
	binary.LittleEndian.PutUint64(buf[32:40], m.FreeListHead)

	if _, err := p.fp.WriteAt(buf[:], 0); err != nil {
		return dberr.IOErrorf(err, "write master page")
	}
	return p.SyncFile()
}
