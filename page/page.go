// Package page implements the fixed-size page byte layout shared by
// tree nodes and free-list nodes, and the pure in-memory operations
// that read and rewrite it. Nothing here touches a file or a map;
// every function operates on a []byte buffer that may be up to
// 2*PageSize long during a split.
package page

import (
	"encoding/binary"

	"pagedb/assert"
)

// Node type tags, the first 2 bytes of every non-master page.
const (
	TypeInternal = 1
	TypeLeaf     = 2
	TypeFreeList = 3
)

const (
	PageSize    = 4096
	MaxKeySize  = 1000
	MaxValSize  = 3000
	nodeHeader  = 4 // type(2) + nkeys(2)
	ptrSize     = 8
	offsetSize  = 2
	kvSizeField = 4 // klen(2) + vlen(2)
)

func init() {
	// one KV cell at the limits, plus header/pointer/offset for a
	// single-entry node, must always fit on one page.
	max := nodeHeader + ptrSize + offsetSize + kvSizeField + MaxKeySize + MaxValSize
	if max > PageSize {
		panic("page: MaxKeySize/MaxValSize exceed PageSize")
	}
}

// BNode is a view over a page-shaped byte buffer. It never copies or
// owns bytes beyond what's handed to it; callers decide buffer
// lifetime (map-backed for live pages, a fresh slice for pages under
// construction).
type BNode struct {
	Data []byte
}

func NewBNode(data []byte) BNode { return BNode{Data: data} }

// New allocates a fresh, zeroed scratch node of the given byte
// capacity (PageSize for a normal node, 2*PageSize while a mutation
// may still be oversize).
func New(capacity int) BNode {
	return BNode{Data: make([]byte, capacity)}
}

func (n BNode) Type() uint16 {
	return binary.LittleEndian.Uint16(n.Data[0:2])
}

func (n BNode) Nkeys() uint16 {
	return binary.LittleEndian.Uint16(n.Data[2:4])
}

func (n BNode) SetHeader(typ uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(n.Data[0:2], typ)
	binary.LittleEndian.PutUint16(n.Data[2:4], nkeys)
}

func (n BNode) GetPtr(idx uint16) uint64 {
	assert.Assert(idx < n.Nkeys(), "page: GetPtr index out of bounds")
	pos := nodeHeader + idx*ptrSize
	return binary.LittleEndian.Uint64(n.Data[pos:])
}

func (n BNode) SetPtr(idx uint16, val uint64) {
	assert.Assert(idx < n.Nkeys(), "page: SetPtr index out of bounds")
	pos := nodeHeader + idx*ptrSize
	binary.LittleEndian.PutUint64(n.Data[pos:], val)
}

func (n BNode) offsetPos(idx uint16) uint16 {
	assert.Assert(1 <= idx && idx <= n.Nkeys(), "page: offset index out of bounds")
	return nodeHeader + n.Nkeys()*ptrSize + (idx-1)*offsetSize
}

// GetOffset returns the byte distance from the end of the offsets
// array to the END of the idx-th KV cell (1-based). GetOffset(0) is 0
// by construction.
func (n BNode) GetOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n.Data[n.offsetPos(idx):])
}

func (n BNode) SetOffset(idx uint16, val uint16) {
	binary.LittleEndian.PutUint16(n.Data[n.offsetPos(idx):], val)
}

// KVPos is the byte position of the idx-th cell (idx may equal Nkeys,
// giving the node's total byte length).
func (n BNode) KVPos(idx uint16) uint16 {
	assert.Assert(idx <= n.Nkeys(), "page: KVPos index out of bounds")
	return nodeHeader + n.Nkeys()*ptrSize + n.Nkeys()*offsetSize + n.GetOffset(idx)
}

func (n BNode) GetKey(idx uint16) []byte {
	assert.Assert(idx < n.Nkeys(), "page: GetKey index out of bounds")
	pos := n.KVPos(idx)
	klen := binary.LittleEndian.Uint16(n.Data[pos:])
	return n.Data[pos+4:][:klen]
}

func (n BNode) GetVal(idx uint16) []byte {
	assert.Assert(idx < n.Nkeys(), "page: GetVal index out of bounds")
	pos := n.KVPos(idx)
	klen := binary.LittleEndian.Uint16(n.Data[pos+0:])
	vlen := binary.LittleEndian.Uint16(n.Data[pos+2:])
	return n.Data[pos+4+klen:][:vlen]
}

// NumBytes is the node's total byte length: the position just past
// the last KV cell.
func (n BNode) NumBytes() uint16 {
	return n.KVPos(n.Nkeys())
}

// AppendKV writes ptr, the key/value sizes and bytes at slot idx, and
// advances offset[idx+1] accordingly. The caller must have already set
// the header (Nkeys) so KVPos/offsetPos resolve correctly.
func AppendKV(dst BNode, idx uint16, ptr uint64, key, val []byte) {
	dst.SetPtr(idx, ptr)
	pos := dst.KVPos(idx)
	binary.LittleEndian.PutUint16(dst.Data[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(dst.Data[pos+2:], uint16(len(val)))
	copy(dst.Data[pos+4:], key)
	copy(dst.Data[pos+4+uint16(len(key)):], val)
	dst.SetOffset(idx+1, dst.GetOffset(idx)+4+uint16(len(key))+uint16(len(val)))
}

// AppendRange bulk-copies n pointers/offsets/KV bytes from old
// starting at srcStart into dst starting at dstStart. Offsets are
// shifted so they remain relative to dst's own running total.
func AppendRange(dst, old BNode, dstStart, srcStart, n uint16) {
	assert.Assert(srcStart+n <= old.Nkeys(), "page: AppendRange source out of bounds")
	assert.Assert(dstStart+n <= dst.Nkeys(), "page: AppendRange dest out of bounds")
	if n == 0 {
		return
	}
	for i := uint16(0); i < n; i++ {
		dst.SetPtr(dstStart+i, old.GetPtr(srcStart+i))
	}
	dstBegin := dst.GetOffset(dstStart)
	srcBegin := old.GetOffset(srcStart)
	for i := uint16(1); i <= n; i++ {
		dst.SetOffset(dstStart+i, dstBegin+old.GetOffset(srcStart+i)-srcBegin)
	}
	begin := old.KVPos(srcStart)
	end := old.KVPos(srcStart + n)
	copy(dst.Data[dst.KVPos(dstStart):], old.Data[begin:end])
}

// LookupLE returns the largest index i with GetKey(i) <= key. The
// first key of any node is a copy of its parent separator (or the
// empty sentinel at the root), so it is always <= key and the search
// never underflows.
func LookupLE(n BNode, key []byte) uint16 {
	nkeys := n.Nkeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		if string(n.GetKey(i)) <= string(key) {
			found = i
		} else {
			break
		}
	}
	return found
}

// LeafInsert produces a leaf with one more key than old: everything
// before idx, then (k, v), then everything from idx on. dst must have
// capacity for an oversize node (2*PageSize) since the result may
// temporarily exceed PageSize.
func LeafInsert(dst, old BNode, idx uint16, key, val []byte) {
	dst.SetHeader(TypeLeaf, old.Nkeys()+1)
	AppendRange(dst, old, 0, 0, idx)
	AppendKV(dst, idx, 0, key, val)
	AppendRange(dst, old, idx+1, idx, old.Nkeys()-idx)
}

// LeafUpdate replaces the key/value at idx, keeping key count the same.
func LeafUpdate(dst, old BNode, idx uint16, key, val []byte) {
	dst.SetHeader(TypeLeaf, old.Nkeys())
	AppendRange(dst, old, 0, 0, idx)
	AppendKV(dst, idx, 0, key, val)
	AppendRange(dst, old, idx+1, idx+1, old.Nkeys()-(idx+1))
}

// LeafDelete produces a leaf with one fewer key, the one at idx removed.
func LeafDelete(dst, old BNode, idx uint16) {
	dst.SetHeader(TypeLeaf, old.Nkeys()-1)
	AppendRange(dst, old, 0, 0, idx)
	AppendRange(dst, old, idx, idx+1, old.Nkeys()-(idx+1))
}

// Merge concatenates left and right into dst. The caller is
// responsible for checking the result fits on one page.
func Merge(dst, left, right BNode) {
	dst.SetHeader(left.Type(), left.Nkeys()+right.Nkeys())
	AppendRange(dst, left, 0, 0, left.Nkeys())
	AppendRange(dst, right, left.Nkeys(), 0, right.Nkeys())
}

// ReplaceKidN replaces the single child at idx with 1..3 new kids,
// each already resident at a page number (ptrs[i]), keyed by
// kids[i].GetKey(0) as the new separator.
func ReplaceKidN(dst, old BNode, idx uint16, ptrs []uint64, kids []BNode) {
	inc := uint16(len(kids))
	dst.SetHeader(TypeInternal, old.Nkeys()+inc-1)
	AppendRange(dst, old, 0, 0, idx)
	for i, kid := range kids {
		AppendKV(dst, idx+uint16(i), ptrs[i], kid.GetKey(0), nil)
	}
	AppendRange(dst, old, idx+inc, idx+1, old.Nkeys()-(idx+1))
}

// Replace2Kid collapses the two adjacent separators at idx, idx+1
// into one, pointing at the merged child.
func Replace2Kid(dst, old BNode, idx uint16, ptr uint64, key []byte) {
	dst.SetHeader(TypeInternal, old.Nkeys()-1)
	AppendRange(dst, old, 0, 0, idx)
	AppendKV(dst, idx, ptr, key, nil)
	AppendRange(dst, old, idx+1, idx+2, old.Nkeys()-(idx+2))
}

// split2 splits old (which may exceed PageSize) into left and right,
// guaranteeing right fits on a page. left may still be oversize; the
// caller (Split3) re-splits it if so.
func split2(left, right, old BNode) {
	assert.Assert(old.Nkeys() >= 2, "page: split2 needs at least 2 keys")
	nleft := old.Nkeys() / 2

	leftBytes := func() uint16 {
		return nodeHeader + ptrSize*nleft + offsetSize*nleft + old.GetOffset(nleft)
	}
	for leftBytes() > PageSize {
		nleft--
	}
	assert.Assert(nleft >= 1, "page: split2 left half collapsed to zero")

	rightBytes := func() uint16 {
		return old.NumBytes() - leftBytes() + nodeHeader
	}
	for rightBytes() > PageSize {
		nleft++
	}
	assert.Assert(nleft < old.Nkeys(), "page: split2 right half never fit")

	nright := old.Nkeys() - nleft
	left.SetHeader(old.Type(), nleft)
	right.SetHeader(old.Type(), nright)
	AppendRange(left, old, 0, 0, nleft)
	AppendRange(right, old, 0, nleft, nright)
	assert.Assert(right.NumBytes() <= PageSize, "page: split2 right half still oversize")
}

// Split3 takes a node whose size may exceed PageSize and returns 1 to
// 3 nodes each within PageSize.
func Split3(old BNode) []BNode {
	if old.NumBytes() <= PageSize {
		return []BNode{{Data: old.Data[:PageSize]}}
	}
	left := New(2 * PageSize)
	right := New(PageSize)
	split2(left, right, old)
	if left.NumBytes() <= PageSize {
		return []BNode{{Data: left.Data[:PageSize]}, right}
	}
	leftleft := New(PageSize)
	middle := New(PageSize)
	split2(leftleft, middle, left)
	assert.Assert(leftleft.NumBytes() <= PageSize, "page: split3 left-left still oversize")
	return []BNode{leftleft, middle, right}
}
