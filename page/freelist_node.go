package page

import "encoding/binary"

// Free-list node layout:
//
//	offset  size  field
//	  0      2    type = TypeFreeList
//	  2      2    size (count of pointers in this node)
//	  4      8    total (u64, meaningful only on the head node)
//	  12     8    next (u64 page number, 0 = end)
//	  20     8*S  pointer slots
const (
	FreeListHeader = 4 + 8 + 8
	FreeListCap    = (PageSize - FreeListHeader) / 8
)

func FLSize(n BNode) uint16 {
	return binary.LittleEndian.Uint16(n.Data[2:4])
}

func FLTotal(n BNode) uint64 {
	return binary.LittleEndian.Uint64(n.Data[4:12])
}

func FLSetTotal(n BNode, total uint64) {
	binary.LittleEndian.PutUint64(n.Data[4:12], total)
}

func FLNext(n BNode) uint64 {
	return binary.LittleEndian.Uint64(n.Data[12:20])
}

func FLSetHeader(n BNode, size uint16, next uint64) {
	binary.LittleEndian.PutUint16(n.Data[0:2], TypeFreeList)
	binary.LittleEndian.PutUint16(n.Data[2:4], size)
	binary.LittleEndian.PutUint64(n.Data[12:20], next)
}

func FLPtr(n BNode, idx int) uint64 {
	pos := FreeListHeader + idx*8
	return binary.LittleEndian.Uint64(n.Data[pos:])
}

func FLSetPtr(n BNode, idx int, ptr uint64) {
	pos := FreeListHeader + idx*8
	binary.LittleEndian.PutUint64(n.Data[pos:], ptr)
}
