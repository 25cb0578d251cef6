// Package rel is a small relational layer on top of kv: tables,
// records and primary-key encoding. It does not implement secondary
// indexes, SQL, or multi-key transactions -- those are explicitly out
// of scope.
package rel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"pagedb/assert"
	"pagedb/kv"
)

// Column types.
const (
	TypeBytes = 1
	TypeInt64 = 2
)

// Value is one cell of a Record.
type Value struct {
	Type uint32
	I64  int64
	Str  []byte
}

// TableDef describes a table's columns and how many of the leading
// ones make up its primary key.
type TableDef struct {
	Name  string
	Types []uint32
	Cols  []string
	PKeys int

	Prefix uint32 // auto-assigned B+tree key prefix
}

// Record is one row, addressed by column name rather than position.
type Record struct {
	Cols []string
	Vals []Value
}

func (r *Record) AddStr(col string, val []byte) *Record {
	r.Cols = append(r.Cols, col)
	r.Vals = append(r.Vals, Value{Type: TypeBytes, Str: val})
	return r
}

func (r *Record) AddInt64(col string, val int64) *Record {
	r.Cols = append(r.Cols, col)
	r.Vals = append(r.Vals, Value{Type: TypeInt64, I64: val})
	return r
}

// Get returns the value stored under col, or nil if not present.
func (r *Record) Get(col string) *Value {
	for i, c := range r.Cols {
		if c == col {
			return &r.Vals[i]
		}
	}
	return nil
}

const tablePrefixMin = 3

var tdefMeta = &TableDef{
	Prefix: 1,
	Name:   "@meta",
	Types:  []uint32{TypeBytes, TypeBytes},
	Cols:   []string{"key", "val"},
	PKeys:  1,
}

var tdefTable = &TableDef{
	Prefix: 2,
	Name:   "@table",
	Types:  []uint32{TypeBytes, TypeBytes},
	Cols:   []string{"name", "def"},
	PKeys:  1,
}

// DB is a relational database backed by one kv.KV.
type DB struct {
	kv     *kv.KV
	tables map[string]*TableDef
}

// Open opens the kv store at path and wraps it for table access.
func Open(path string) (*DB, error) {
	store, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	return &DB{kv: store, tables: map[string]*TableDef{}}, nil
}

func (db *DB) Close() error { return db.kv.Close() }

// KV exposes the underlying key-value store for callers that need raw
// access alongside the table layer.
func (db *DB) KV() *kv.KV { return db.kv }

func tableDefCheck(tdef *TableDef) error {
	if tdef.Name == "" {
		return fmt.Errorf("rel: table name must not be empty")
	}
	if len(tdef.Cols) == 0 || len(tdef.Types) != len(tdef.Cols) {
		return fmt.Errorf("rel: table %s: Cols/Types length mismatch", tdef.Name)
	}
	if tdef.PKeys <= 0 || tdef.PKeys > len(tdef.Cols) {
		return fmt.Errorf("rel: table %s: invalid PKeys %d", tdef.Name, tdef.PKeys)
	}
	return nil
}

// TableNew registers a new table definition, assigning it a fresh key
// prefix drawn from the @meta "next_prefix" counter.
func (db *DB) TableNew(tdef *TableDef) error {
	if err := tableDefCheck(tdef); err != nil {
		return err
	}
	existing := (&Record{}).AddStr("name", []byte(tdef.Name))
	ok, err := db.dbGet(tdefTable, existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("rel: table already exists: %s", tdef.Name)
	}

	assert.Assert(tdef.Prefix == 0, "rel: TableNew called with a pre-assigned prefix")
	meta := (&Record{}).AddStr("key", []byte("next_prefix"))
	ok, err = db.dbGet(tdefMeta, meta)
	if err != nil {
		return err
	}
	if ok {
		tdef.Prefix = binary.LittleEndian.Uint32(meta.Get("val").Str)
	} else {
		tdef.Prefix = tablePrefixMin
		meta.AddStr("val", make([]byte, 4))
	}

	next := make([]byte, 4)
	binary.LittleEndian.PutUint32(next, tdef.Prefix+1)
	meta.Get("val").Str = next
	if _, err := db.dbUpdate(tdefMeta, *meta, kv.ModeUpsert); err != nil {
		return err
	}

	val, err := json.Marshal(tdef)
	assert.Assert(err == nil, "rel: TableDef must be JSON-marshalable")
	existing.AddStr("def", val)
	_, err = db.dbUpdate(tdefTable, *existing, kv.ModeUpsert)
	return err
}

// TableDef returns the registered definition for table, or nil if no
// such table exists.
func (db *DB) TableDef(table string) (*TableDef, error) {
	return db.getTableDef(table)
}

func (db *DB) getTableDef(name string) (*TableDef, error) {
	if tdef, ok := db.tables[name]; ok {
		return tdef, nil
	}
	rec := (&Record{}).AddStr("name", []byte(name))
	ok, err := db.dbGet(tdefTable, rec)
	if err != nil || !ok {
		return nil, err
	}
	tdef := &TableDef{}
	if err := json.Unmarshal(rec.Get("def").Str, tdef); err != nil {
		return nil, fmt.Errorf("rel: corrupt table definition for %s: %w", name, err)
	}
	db.tables[name] = tdef
	return tdef, nil
}

// Get fetches a row by primary key; rec must supply the PK columns
// and receives the rest.
func (db *DB) Get(table string, rec *Record) (bool, error) {
	tdef, err := db.getTableDef(table)
	if err != nil {
		return false, err
	}
	if tdef == nil {
		return false, fmt.Errorf("rel: table not found: %s", table)
	}
	return db.dbGet(tdef, rec)
}

// Set inserts or updates a full row (every column must be present).
func (db *DB) Set(table string, rec Record, mode int) (bool, error) {
	tdef, err := db.getTableDef(table)
	if err != nil {
		return false, err
	}
	if tdef == nil {
		return false, fmt.Errorf("rel: table not found: %s", table)
	}
	return db.dbUpdate(tdef, rec, mode)
}

// Delete removes a row by primary key.
func (db *DB) Delete(table string, rec Record) (bool, error) {
	tdef, err := db.getTableDef(table)
	if err != nil {
		return false, err
	}
	if tdef == nil {
		return false, fmt.Errorf("rel: table not found: %s", table)
	}
	values, err := checkRecord(tdef, rec, tdef.PKeys)
	if err != nil {
		return false, err
	}
	key := encodeKey(nil, tdef.Prefix, values[:tdef.PKeys])
	return db.kv.Del(key)
}

func (db *DB) dbGet(tdef *TableDef, rec *Record) (bool, error) {
	values, err := checkRecord(tdef, *rec, tdef.PKeys)
	if err != nil {
		return false, err
	}
	key := encodeKey(nil, tdef.Prefix, values[:tdef.PKeys])
	val, ok := db.kv.Get(key)
	if !ok {
		return false, nil
	}
	for i := tdef.PKeys; i < len(tdef.Cols); i++ {
		values[i].Type = tdef.Types[i]
	}
	decodeValues(val, values[tdef.PKeys:])
	rec.Cols = append(rec.Cols, tdef.Cols[tdef.PKeys:]...)
	rec.Vals = append(rec.Vals, values[tdef.PKeys:]...)
	return true, nil
}

func (db *DB) dbUpdate(tdef *TableDef, rec Record, mode int) (bool, error) {
	values, err := checkRecord(tdef, rec, len(tdef.Cols))
	if err != nil {
		return false, err
	}
	key := encodeKey(nil, tdef.Prefix, values[:tdef.PKeys])
	val := encodeValues(nil, values[tdef.PKeys:])
	return db.kv.Update(key, val, mode)
}

// Scan iterates every row of table in primary-key order, calling fn
// for each until fn returns false or rows are exhausted.
func (db *DB) Scan(table string, fn func(Record) bool) error {
	tdef, err := db.getTableDef(table)
	if err != nil {
		return err
	}
	if tdef == nil {
		return fmt.Errorf("rel: table not found: %s", table)
	}
	return db.scanPrefix(tdef, fn)
}

func (db *DB) scanPrefix(tdef *TableDef, fn func(Record) bool) error {
	var prefixBuf [4]byte
	binary.BigEndian.PutUint32(prefixBuf[:], tdef.Prefix)
	start := prefixBuf[:]
	var end [4]byte
	binary.BigEndian.PutUint32(end[:], tdef.Prefix+1)

	it := db.kv.Seek(start, kv.CmpGE)
	for it.Valid() {
		k, v := it.Deref()
		if string(k) >= string(end[:]) {
			break
		}
		rec, err := decodeRow(tdef, k, v)
		if err != nil {
			return err
		}
		if !fn(rec) {
			break
		}
		if !it.Next() {
			break
		}
	}
	return nil
}

func decodeRow(tdef *TableDef, key, val []byte) (Record, error) {
	pkVals := make([]Value, tdef.PKeys)
	for i := range pkVals {
		pkVals[i].Type = tdef.Types[i]
	}
	decodeValues(key[4:], pkVals)

	rest := make([]Value, len(tdef.Cols)-tdef.PKeys)
	for i := range rest {
		rest[i].Type = tdef.Types[tdef.PKeys+i]
	}
	decodeValues(val, rest)

	rec := Record{}
	rec.Cols = append(rec.Cols, tdef.Cols[:tdef.PKeys]...)
	rec.Vals = append(rec.Vals, pkVals...)
	rec.Cols = append(rec.Cols, tdef.Cols[tdef.PKeys:]...)
	rec.Vals = append(rec.Vals, rest...)
	return rec, nil
}

// checkRecord reorders rec's columns to match tdef's first n columns
// and reports a missing column as an error.
func checkRecord(tdef *TableDef, rec Record, n int) ([]Value, error) {
	values := make([]Value, len(tdef.Cols))
	for i := 0; i < n; i++ {
		v := rec.Get(tdef.Cols[i])
		if v == nil {
			return nil, fmt.Errorf("rel: missing column %s", tdef.Cols[i])
		}
		if v.Type != tdef.Types[i] {
			return nil, fmt.Errorf("rel: column %s: type mismatch", tdef.Cols[i])
		}
		values[i] = *v
	}
	return values, nil
}

func encodeKey(out []byte, prefix uint32, vals []Value) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	out = append(out, buf[:]...)
	return encodeValues(out, vals)
}

// encodeValues appends an order-preserving encoding of vals: int64
// columns as sign-flipped big-endian u64 (so byte order matches
// numeric order including negatives), byte-string columns with their
// 0x00/0x01 bytes escaped and a 0x00 terminator so a string's
// encoding never appears as a prefix of another value's.
func encodeValues(out []byte, vals []Value) []byte {
	for _, v := range vals {
		switch v.Type {
		case TypeInt64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v.I64)^(1<<63))
			out = append(out, buf[:]...)
		case TypeBytes:
			for _, b := range v.Str {
				switch b {
				case 0x00:
					out = append(out, 0x01, 0x01)
				case 0x01:
					out = append(out, 0x01, 0x02)
				default:
					out = append(out, b)
				}
			}
			out = append(out, 0x00)
		default:
			panic("rel: unknown value type")
		}
	}
	return out
}

// decodeValues is encodeValues' inverse; out supplies the expected
// type of each value in order.
func decodeValues(in []byte, out []Value) {
	pos := 0
	for i := range out {
		switch out[i].Type {
		case TypeInt64:
			u := binary.BigEndian.Uint64(in[pos : pos+8])
			out[i].I64 = int64(u ^ (1 << 63))
			pos += 8
		case TypeBytes:
			var str []byte
			for {
				b := in[pos]
				switch {
				case b == 0x00:
					pos++
					goto done
				case b == 0x01:
					switch in[pos+1] {
					case 0x01:
						str = append(str, 0x00)
					case 0x02:
						str = append(str, 0x01)
					default:
						panic("rel: invalid escape sequence")
					}
					pos += 2
				default:
					str = append(str, b)
					pos++
				}
			}
		done:
			out[i].Str = str
		default:
			panic("rel: unknown value type")
		}
	}
}
