package page_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pagedb/page"
)

func leafWithKVs(t *testing.T, kvs [][2]string) page.BNode {
	t.Helper()
	n := page.New(page.PageSize)
	n.SetHeader(page.TypeLeaf, uint16(len(kvs)))
	for i, kv := range kvs {
		page.AppendKV(n, uint16(i), 0, []byte(kv[0]), []byte(kv[1]))
	}
	return n
}

func TestHeaderRoundTrip(t *testing.T) {
	n := page.New(page.PageSize)
	n.SetHeader(page.TypeLeaf, 3)
	require.EqualValues(t, page.TypeLeaf, n.Type())
	require.EqualValues(t, 3, n.Nkeys())
}

func TestAppendKVAndGet(t *testing.T) {
	n := leafWithKVs(t, [][2]string{{"", ""}, {"apple", "red"}, {"banana", "yellow"}})
	require.Equal(t, "apple", string(n.GetKey(1)))
	require.Equal(t, "red", string(n.GetVal(1)))
	require.Equal(t, "banana", string(n.GetKey(2)))
	require.LessOrEqual(t, n.NumBytes(), uint16(page.PageSize))
}

func TestLookupLE(t *testing.T) {
	n := leafWithKVs(t, [][2]string{{"", ""}, {"b", "1"}, {"d", "2"}, {"f", "3"}})
	require.EqualValues(t, 0, page.LookupLE(n, []byte("a")))
	require.EqualValues(t, 1, page.LookupLE(n, []byte("b")))
	require.EqualValues(t, 1, page.LookupLE(n, []byte("c")))
	require.EqualValues(t, 3, page.LookupLE(n, []byte("z")))
}

func TestLeafInsertUpdateDelete(t *testing.T) {
	old := leafWithKVs(t, [][2]string{{"", ""}, {"a", "1"}, {"c", "3"}})

	inserted := page.New(2 * page.PageSize)
	page.LeafInsert(inserted, old, 2, []byte("b"), []byte("2"))
	require.EqualValues(t, 4, inserted.Nkeys())
	require.Equal(t, "b", string(inserted.GetKey(2)))
	require.Equal(t, "c", string(inserted.GetKey(3)))

	updated := page.New(2 * page.PageSize)
	page.LeafUpdate(updated, old, 1, []byte("a"), []byte("99"))
	require.EqualValues(t, 3, updated.Nkeys())
	require.Equal(t, "99", string(updated.GetVal(1)))

	deleted := page.New(2 * page.PageSize)
	page.LeafDelete(deleted, old, 1)
	require.EqualValues(t, 2, deleted.Nkeys())
	require.Equal(t, "c", string(deleted.GetKey(1)))
}

func TestMergeAndReplace2Kid(t *testing.T) {
	left := leafWithKVs(t, [][2]string{{"", ""}, {"a", "1"}})
	right := leafWithKVs(t, [][2]string{{"c", "3"}, {"d", "4"}})

	merged := page.New(page.PageSize)
	page.Merge(merged, left, right)
	require.EqualValues(t, 4, merged.Nkeys())
	require.Equal(t, "d", string(merged.GetKey(3)))

	parent := page.New(page.PageSize)
	parent.SetHeader(page.TypeInternal, 3)
	page.AppendKV(parent, 0, 100, []byte(""), nil)
	page.AppendKV(parent, 1, 200, []byte("m"), nil)
	page.AppendKV(parent, 2, 300, []byte("z"), nil)

	replaced := page.New(page.PageSize)
	page.Replace2Kid(replaced, parent, 0, 999, []byte(""))
	require.EqualValues(t, 2, replaced.Nkeys())
	require.EqualValues(t, 999, replaced.GetPtr(0))
	require.Equal(t, "z", string(replaced.GetKey(1)))
}

func TestSplit3NotSplit(t *testing.T) {
	n := leafWithKVs(t, [][2]string{{"", ""}, {"a", "1"}})
	parts := page.Split3(n)
	require.Len(t, parts, 1)
}

func TestSplit3IntoThree(t *testing.T) {
	big := make([]byte, page.MaxKeySize)
	for i := range big {
		big[i] = 'x'
	}
	bigVal := make([]byte, page.MaxValSize)
	for i := range bigVal {
		bigVal[i] = 'y'
	}

	old := page.New(2 * page.PageSize)
	// a maximal cell between two mid-sized ones: after the first split
	// the left half (sentinel, k1, k2) still overflows and is split again.
	old.SetHeader(page.TypeLeaf, 4)
	page.AppendKV(old, 0, 0, []byte(""), nil)
	page.AppendKV(old, 1, 0, []byte("k1"), bigVal[:1000])
	page.AppendKV(old, 2, 0, append([]byte("k2-"), big...), bigVal)
	page.AppendKV(old, 3, 0, []byte("k3"), bigVal[:1000])

	parts := page.Split3(old)
	require.Len(t, parts, 3)
	for _, p := range parts {
		require.LessOrEqual(t, int(p.NumBytes()), page.PageSize)
	}
}

func TestFreeListNodeRoundTrip(t *testing.T) {
	n := page.New(page.PageSize)
	page.FLSetHeader(n, 2, 77)
	page.FLSetTotal(n, 5000)
	page.FLSetPtr(n, 0, 10)
	page.FLSetPtr(n, 1, 20)

	require.EqualValues(t, page.TypeFreeList, n.Type())
	require.EqualValues(t, 2, page.FLSize(n))
	require.EqualValues(t, 77, page.FLNext(n))
	require.EqualValues(t, 5000, page.FLTotal(n))
	require.EqualValues(t, 10, page.FLPtr(n, 0))
	require.EqualValues(t, 20, page.FLPtr(n, 1))
}
