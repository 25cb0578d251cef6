package btree_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"pagedb/btree"
	"pagedb/page"
)

// harness is an in-memory stand-in for the pager + free list, enough
// to exercise the tree's copy-on-write contract in isolation.
type harness struct {
	pages map[uint64]page.BNode
	next  uint64
}

func newHarness() *harness {
	return &harness{pages: map[uint64]page.BNode{}, next: 1}
}

func (h *harness) tree() *btree.BTree {
	return &btree.BTree{
		GetPage: func(ptr uint64) page.BNode {
			n, ok := h.pages[ptr]
			if !ok {
				panic(fmt.Sprintf("harness: page %d missing", ptr))
			}
			return n
		},
		NewPage: func(n page.BNode) uint64 {
			if len(n.Data) > page.PageSize {
				panic("harness: page larger than PageSize committed")
			}
			ptr := h.next
			h.next++
			cp := make([]byte, page.PageSize)
			copy(cp, n.Data)
			h.pages[ptr] = page.NewBNode(cp)
			return ptr
		},
		DelPage: func(ptr uint64) {
			delete(h.pages, ptr)
		},
	}
}

func TestInsertGetDelete(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	added, err := tree.Insert([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, added)

	val, ok := tree.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v", string(val))

	require.True(t, tree.Delete([]byte("k")))
	_, ok = tree.Get([]byte("k"))
	require.False(t, ok)
}

func TestUpdateExistingKeyNotCountedAsAdded(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	added, err := tree.Insert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, added)

	added, err = tree.Insert([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, added)

	val, _ := tree.Get([]byte("k"))
	require.Equal(t, "v2", string(val))
}

func TestInsertOnlyAndUpdateOnlyModes(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	added, err := tree.Update([]byte("k"), []byte("v1"), btree.ModeUpdateOnly)
	require.NoError(t, err)
	require.False(t, added)
	_, ok := tree.Get([]byte("k"))
	require.False(t, ok)

	added, err = tree.Update([]byte("k"), []byte("v1"), btree.ModeInsertOnly)
	require.NoError(t, err)
	require.True(t, added)

	added, err = tree.Update([]byte("k"), []byte("v2"), btree.ModeInsertOnly)
	require.NoError(t, err)
	require.False(t, added)
	val, _ := tree.Get([]byte("k"))
	require.Equal(t, "v1", string(val))
}

func TestKeyValueLimits(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	_, err := tree.Insert([]byte(""), []byte("v"))
	require.Error(t, err)

	_, err = tree.Insert(make([]byte, page.MaxKeySize+1), []byte("v"))
	require.Error(t, err)

	_, err = tree.Insert([]byte("k"), make([]byte, page.MaxValSize+1))
	require.Error(t, err)

	_, err = tree.Insert(make([]byte, page.MaxKeySize), make([]byte, page.MaxValSize))
	require.NoError(t, err)
}

// TestSplitGrowsTreeAndPreservesOrder is scenario S2: eleven large
// values force the root to split into an internal node.
func TestSplitGrowsTreeAndPreservesOrder(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	big := make([]byte, 3000)
	for i := range big {
		big[i] = 'V'
	}
	for i := 0; i <= 10; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		_, err := tree.Insert(key, big)
		require.NoError(t, err)
	}

	root := tree.GetPage(tree.Root)
	require.EqualValues(t, page.TypeInternal, root.Type())
	require.GreaterOrEqual(t, int(root.Nkeys()), 2)

	it := btree.Seek(tree, []byte(""), btree.CmpGE)
	count := 0
	for it.Valid() {
		k, _ := it.Deref()
		require.Equal(t, fmt.Sprintf("k%04d", count), string(k))
		count++
		if !it.Next() {
			break
		}
	}
	require.Equal(t, 11, count)
}

// TestShuffledInsertThenIterate is scenario S6.
func TestShuffledInsertThenIterate(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("%03d", i)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	for _, k := range keys {
		_, err := tree.Insert([]byte(k), []byte("v"))
		require.NoError(t, err)
	}

	it := btree.Seek(tree, []byte("500"), btree.CmpGE)
	require.True(t, it.Valid())
	k, _ := it.Deref()
	require.Equal(t, "500", string(k))
	for i := 0; i < 499; i++ {
		require.True(t, it.Next())
	}
	k, _ = it.Deref()
	require.Equal(t, "999", string(k))
	require.False(t, it.Next())
	k, _ = it.Deref()
	require.Equal(t, "999", string(k))

	it2 := btree.Seek(tree, []byte("500"), btree.CmpLT)
	require.True(t, it2.Valid())
	k, _ = it2.Deref()
	require.Equal(t, "499", string(k))
	for i := 0; i < 499; i++ {
		require.True(t, it2.Prev())
	}
	k, _ = it2.Deref()
	require.Equal(t, "000", string(k))
	require.False(t, it2.Prev())
	k, _ = it2.Deref()
	require.Equal(t, "000", string(k))
}

// TestDeleteAllLeavesSentinelOnly checks the boundary case: deleting
// every real key collapses the tree to the single sentinel leaf.
func TestDeleteAllLeavesSentinelOnly(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	for i := 0; i < 50; i++ {
		_, err := tree.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte("v"))
		require.NoError(t, err)
	}
	for i := 0; i < 50; i++ {
		require.True(t, tree.Delete([]byte(fmt.Sprintf("k%02d", i))))
	}

	require.Len(t, h.pages, 1)
	it := btree.Seek(tree, []byte(""), btree.CmpGE)
	require.False(t, it.Valid())
}

func TestMergeOnDeleteKeepsTreeShallow(t *testing.T) {
	h := newHarness()
	tree := h.tree()

	big := make([]byte, 3000)
	for i := range big {
		big[i] = 'V'
	}
	for i := 0; i <= 10; i++ {
		_, err := tree.Insert([]byte(fmt.Sprintf("k%04d", i)), big)
		require.NoError(t, err)
	}
	for i := 1; i <= 9; i++ {
		require.True(t, tree.Delete([]byte(fmt.Sprintf("k%04d", i))))
	}
	_, ok := tree.Get([]byte("k0000"))
	require.True(t, ok)
	_, ok = tree.Get([]byte("k0010"))
	require.True(t, ok)

	// each emptied leaf was merged into its left sibling, so the root is
	// left with just two leaf children.
	root := tree.GetPage(tree.Root)
	require.EqualValues(t, page.TypeInternal, root.Type())
	require.EqualValues(t, 2, root.Nkeys())
	require.EqualValues(t, page.TypeLeaf, tree.GetPage(root.GetPtr(0)).Type())
	require.EqualValues(t, page.TypeLeaf, tree.GetPage(root.GetPtr(1)).Type())
}
