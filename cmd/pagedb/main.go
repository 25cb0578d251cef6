// Command pagedb is a small interactive shell over a pagedb file: it
// opens (or creates) the database at -db and executes simple
// line-oriented commands against both the raw key-value layer and the
// table-aware relational layer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"pagedb/kv"
	"pagedb/rel"
)

func main() {
	dbPath := flag.String("db", "pagedb.db", "path to the database file")
	flag.Parse()

	fmt.Printf("Opening pagedb at %s...\n", *dbPath)
	db, err := rel.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	fmt.Println("Database opened successfully.")

	if flag.NArg() > 0 {
		runCommand(db, flag.Args())
		return
	}

	fmt.Println("Type 'help' for a list of commands, 'quit' to exit.")
	repl(db)
}

func repl(db *rel.DB) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("pagedb> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		runCommand(db, args)
	}
}

func runCommand(db *rel.DB, args []string) {
	switch args[0] {
	case "help":
		printHelp()
	case "get":
		cmdGet(db, args[1:])
	case "set":
		cmdSet(db, args[1:])
	case "del":
		cmdDel(db, args[1:])
	case "table-new":
		cmdTableNew(db, args[1:])
	case "table-get":
		cmdTableGet(db, args[1:])
	case "table-set":
		cmdTableSet(db, args[1:])
	case "table-del":
		cmdTableDel(db, args[1:])
	case "table-scan":
		cmdTableScan(db, args[1:])
	default:
		fmt.Printf("unknown command %q; try 'help'\n", args[0])
	}
}

func printHelp() {
	fmt.Println("raw kv layer:")
	fmt.Println("  get <key>                            print the value for key")
	fmt.Println("  set <key> <val>                      upsert key/val")
	fmt.Println("  del <key>                             delete key")
	fmt.Println("table layer:")
	fmt.Println("  table-new <name> <pkeys> <col:type>...   create a table (type is int64 or bytes)")
	fmt.Println("  table-get <table> <col=val>...           fetch a row by its primary key")
	fmt.Println("  table-set <table> <col=val>...           upsert a full row")
	fmt.Println("  table-del <table> <col=val>...           delete a row by its primary key")
	fmt.Println("  table-scan <table>                       print every row in primary-key order")
	fmt.Println("  quit                                  exit")
}

func cmdGet(db *rel.DB, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	val, ok := rawKV(db).Get([]byte(args[0]))
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(string(val))
}

func cmdSet(db *rel.DB, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: set <key> <val>")
		return
	}
	added, err := rawKV(db).Set([]byte(args[0]), []byte(args[1]))
	if err != nil {
		log.Printf("set failed: %v", err)
		return
	}
	fmt.Println("added:", strconv.FormatBool(added))
}

func cmdDel(db *rel.DB, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	present, err := rawKV(db).Del([]byte(args[0]))
	if err != nil {
		log.Printf("delete failed: %v", err)
		return
	}
	fmt.Println("present:", strconv.FormatBool(present))
}

// rawKV reaches past the relational layer for direct key/value access,
// handy for inspecting raw entries from the shell.
func rawKV(db *rel.DB) *kv.KV {
	return db.KV()
}

// cmdTableNew parses "name pkeys col:type col:type ...", e.g.:
//
//	table-new users 1 id:int64 name:bytes age:int64
func cmdTableNew(db *rel.DB, args []string) {
	if len(args) < 3 {
		fmt.Println("usage: table-new <name> <pkeys> <col:type>...")
		return
	}
	name := args[0]
	pkeys, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Printf("invalid pkeys %q: %v\n", args[1], err)
		return
	}
	tdef := &rel.TableDef{Name: name, PKeys: pkeys}
	for _, spec := range args[2:] {
		col, typ, ok := strings.Cut(spec, ":")
		if !ok {
			fmt.Printf("invalid column spec %q, want col:type\n", spec)
			return
		}
		t, err := columnType(typ)
		if err != nil {
			fmt.Println(err)
			return
		}
		tdef.Cols = append(tdef.Cols, col)
		tdef.Types = append(tdef.Types, t)
	}
	if err := db.TableNew(tdef); err != nil {
		log.Printf("table-new failed: %v", err)
		return
	}
	fmt.Printf("table %s created\n", name)
}

func cmdTableGet(db *rel.DB, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: table-get <table> <col=val>...")
		return
	}
	rec, err := buildRecord(db, args[0], args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}
	ok, err := db.Get(args[0], rec)
	if err != nil {
		log.Printf("table-get failed: %v", err)
		return
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	printRecord(*rec)
}

func cmdTableSet(db *rel.DB, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: table-set <table> <col=val>...")
		return
	}
	rec, err := buildRecord(db, args[0], args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}
	added, err := db.Set(args[0], *rec, kv.ModeUpsert)
	if err != nil {
		log.Printf("table-set failed: %v", err)
		return
	}
	fmt.Println("added:", strconv.FormatBool(added))
}

func cmdTableDel(db *rel.DB, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: table-del <table> <col=val>...")
		return
	}
	rec, err := buildRecord(db, args[0], args[1:])
	if err != nil {
		fmt.Println(err)
		return
	}
	present, err := db.Delete(args[0], *rec)
	if err != nil {
		log.Printf("table-del failed: %v", err)
		return
	}
	fmt.Println("present:", strconv.FormatBool(present))
}

func cmdTableScan(db *rel.DB, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: table-scan <table>")
		return
	}
	err := db.Scan(args[0], func(rec rel.Record) bool {
		printRecord(rec)
		return true
	})
	if err != nil {
		log.Printf("table-scan failed: %v", err)
	}
}

func columnType(typ string) (uint32, error) {
	switch typ {
	case "int64":
		return rel.TypeInt64, nil
	case "bytes":
		return rel.TypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown column type %q, want int64 or bytes", typ)
	}
}

// buildRecord looks up table's definition so each "col=val" argument is
// encoded with its registered type rather than guessed.
func buildRecord(db *rel.DB, table string, colVals []string) (*rel.Record, error) {
	tdef, err := db.TableDef(table)
	if err != nil {
		return nil, err
	}
	if tdef == nil {
		return nil, fmt.Errorf("table not found: %s", table)
	}
	rec := &rel.Record{}
	for _, assignment := range colVals {
		col, val, ok := strings.Cut(assignment, "=")
		if !ok {
			return nil, fmt.Errorf("invalid column assignment %q, want col=val", assignment)
		}
		typ, err := colType(tdef, col)
		if err != nil {
			return nil, err
		}
		switch typ {
		case rel.TypeInt64:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %v", col, err)
			}
			rec.AddInt64(col, n)
		case rel.TypeBytes:
			rec.AddStr(col, []byte(val))
		}
	}
	return rec, nil
}

func colType(tdef *rel.TableDef, col string) (uint32, error) {
	for i, c := range tdef.Cols {
		if c == col {
			return tdef.Types[i], nil
		}
	}
	return 0, fmt.Errorf("table %s has no column %s", tdef.Name, col)
}

func printRecord(rec rel.Record) {
	parts := make([]string, len(rec.Cols))
	for i, col := range rec.Cols {
		v := rec.Vals[i]
		if v.Type == rel.TypeInt64 {
			parts[i] = fmt.Sprintf("%s=%d", col, v.I64)
		} else {
			parts[i] = fmt.Sprintf("%s=%s", col, string(v.Str))
		}
	}
	fmt.Println(strings.Join(parts, " "))
}
