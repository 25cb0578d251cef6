package rel_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pagedb/kv"
	"pagedb/rel"
)

func open(t *testing.T) *rel.DB {
	t.Helper()
	db, err := rel.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func usersTable() *rel.TableDef {
	return &rel.TableDef{
		Name:  "users",
		Cols:  []string{"id", "name", "age"},
		Types: []uint32{rel.TypeInt64, rel.TypeBytes, rel.TypeInt64},
		PKeys: 1,
	}
}

func TestTableNewAndGet(t *testing.T) {
	db := open(t)
	require.NoError(t, db.TableNew(usersTable()))

	rec := Record(t, 1, "alice", 30)
	added, err := db.Set("users", rec, kv.ModeUpsert)
	require.NoError(t, err)
	require.True(t, added)

	got := (&rel.Record{}).AddInt64("id", 1)
	ok, err := db.Get("users", got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", string(got.Get("name").Str))
	require.EqualValues(t, 30, got.Get("age").I64)
}

func TestTableNewTwiceFails(t *testing.T) {
	db := open(t)
	require.NoError(t, db.TableNew(usersTable()))
	err := db.TableNew(usersTable())
	require.Error(t, err)
}

func TestSetUpdateAndDelete(t *testing.T) {
	db := open(t)
	require.NoError(t, db.TableNew(usersTable()))

	_, err := db.Set("users", Record(t, 1, "alice", 30), kv.ModeUpsert)
	require.NoError(t, err)
	_, err = db.Set("users", Record(t, 1, "alice", 31), kv.ModeUpsert)
	require.NoError(t, err)

	got := (&rel.Record{}).AddInt64("id", 1)
	_, err = db.Get("users", got)
	require.NoError(t, err)
	require.EqualValues(t, 31, got.Get("age").I64)

	ok, err := db.Delete("users", Record(t, 1, "", 0))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.Get("users", (&rel.Record{}).AddInt64("id", 1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanOrdersByPrimaryKeyIncludingNegatives(t *testing.T) {
	db := open(t)
	require.NoError(t, db.TableNew(usersTable()))

	ids := []int64{5, -3, 0, 100, -50}
	for _, id := range ids {
		_, err := db.Set("users", Record(t, id, "u", 1), kv.ModeUpsert)
		require.NoError(t, err)
	}

	var seen []int64
	err := db.Scan("users", func(r rel.Record) bool {
		seen = append(seen, r.Get("id").I64)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []int64{-50, -3, 0, 5, 100}, seen)
}

func TestStringColumnWithEscapedBytes(t *testing.T) {
	db := open(t)
	require.NoError(t, db.TableNew(usersTable()))

	tricky := string([]byte{0x01, 0x00, 0x02, 0x01})
	_, err := db.Set("users", Record(t, 1, tricky, 1), kv.ModeUpsert)
	require.NoError(t, err)

	got := (&rel.Record{}).AddInt64("id", 1)
	ok, err := db.Get("users", got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tricky, string(got.Get("name").Str))
}

func Record(t *testing.T, id int64, name string, age int64) rel.Record {
	t.Helper()
	r := rel.Record{}
	r.AddInt64("id", id)
	r.AddStr("name", []byte(name))
	r.AddInt64("age", age)
	return r
}
