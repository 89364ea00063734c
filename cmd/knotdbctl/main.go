// Command knotdbctl is a minimal front end over the knotdb storage core:
// no query language, just direct Database/Table calls behind four
// subcommands. It exists to exercise the storage/transaction core from
// outside the module, not to be a client language.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	knotdb "github.com/knotgraph/knotdb"
	"github.com/knotgraph/knotdb/internal/column"
	"github.com/knotgraph/knotdb/internal/hashindex"
	"github.com/knotgraph/knotdb/internal/storeerr"
	"github.com/knotgraph/knotdb/internal/table"
	"github.com/knotgraph/knotdb/internal/txnmgr"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}
	switch args[0] {
	case "create-node-table":
		return exitCode(cmdCreateNodeTable(args[1:]))
	case "insert":
		return exitCode(cmdInsert(args[1:]))
	case "scan":
		return exitCode(cmdScan(args[1:]))
	case "checkpoint":
		return exitCode(cmdCheckpoint(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "knotdbctl: unknown subcommand %q\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: knotdbctl <subcommand> [flags]

Subcommands:
  create-node-table  --db PATH --table NAME --columns "col:TYPE,..." --pk NAME
  insert             --db PATH --table NAME --values "v1,v2,..."
  scan               --db PATH --table NAME --column NAME [--node-group N] [--start N] [--count N]
  checkpoint         --db PATH

Column types: BOOL, INT32, INT64, STRING.`)
}

// exitCode maps a subcommand's error to spec §6's exit code contract: 0
// success, 1 parse/bind error, 2 runtime error, 3 IO error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "knotdbctl: %v\n", err)
	kind, ok := storeerr.KindOf(err)
	if !ok {
		return 1 // flag parsing / schema errors never reach storeerr
	}
	switch kind {
	case storeerr.IoError, storeerr.CorruptionError:
		return 3
	case storeerr.ConfigError, storeerr.TypeError:
		return 1
	default:
		return 2
	}
}

// columnSpec is one --columns entry: a name and a type drawn from the
// small fixed set this CLI knows how to encode/decode on the command
// line. Nested and dictionary-compressed types are not reachable from
// here — they have no flag-friendly textual form — but remain fully
// usable by any Go caller that builds a *column.Column directly.
type columnSpec struct {
	name  string
	typ   column.PhysicalType
	width int
}

func parseColumns(spec string) ([]columnSpec, error) {
	var out []columnSpec
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.SplitN(field, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid column spec %q: want name:TYPE", field)
		}
		typ, width, err := parseType(parts[1])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", parts[0], err)
		}
		out = append(out, columnSpec{name: parts[0], typ: typ, width: width})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--columns must name at least one column")
	}
	return out, nil
}

func parseType(s string) (column.PhysicalType, int, error) {
	switch strings.ToUpper(s) {
	case "BOOL":
		return column.BOOL, 1, nil
	case "INT32":
		return column.INT32, 4, nil
	case "INT64":
		return column.INT64, 8, nil
	case "STRING":
		return column.STRING, 0, nil
	default:
		return 0, 0, fmt.Errorf("unsupported type %q", s)
	}
}

// encodeValue turns one command-line token into a column's on-disk
// encoding, honoring the literal "null" for a null value.
func encodeValue(spec columnSpec, raw string) ([]byte, bool, error) {
	if raw == "null" {
		if spec.width == 0 {
			return nil, true, nil
		}
		return make([]byte, spec.width), true, nil
	}
	switch spec.typ {
	case column.STRING:
		return []byte(raw), false, nil
	case column.BOOL:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false, fmt.Errorf("column %q: %w", spec.name, err)
		}
		if v {
			return []byte{1}, false, nil
		}
		return []byte{0}, false, nil
	case column.INT32:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, false, fmt.Errorf("column %q: %w", spec.name, err)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		return b, false, nil
	case column.INT64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("column %q: %w", spec.name, err)
		}
		return hashindex.EncodeInt64(v), false, nil
	default:
		return nil, false, fmt.Errorf("column %q: unsupported type for encoding", spec.name)
	}
}

// decodeValue renders one column value back to a human-readable token
// for scan output.
func decodeValue(t column.PhysicalType, raw []byte, null bool) string {
	if null {
		return "null"
	}
	switch t {
	case column.STRING:
		return string(raw)
	case column.BOOL:
		if len(raw) > 0 && raw[0] != 0 {
			return "true"
		}
		return "false"
	case column.INT32:
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10)
	case column.INT64:
		return strconv.FormatInt(hashindex.DecodeInt64(raw), 10)
	default:
		return fmt.Sprintf("%x", raw)
	}
}

func pkKindFor(spec columnSpec) hashindex.KeyKind {
	if spec.width == 0 {
		return hashindex.VariableWidthKey
	}
	return hashindex.FixedWidthKey
}

func cmdCreateNodeTable(args []string) error {
	fs := flag.NewFlagSet("create-node-table", flag.ContinueOnError)
	dbPath := fs.String("db", "", "database directory")
	tableName := fs.String("table", "", "node table name")
	columnsFlag := fs.String("columns", "", `column list, "name:TYPE,..."`)
	pkName := fs.String("pk", "", "name of the primary-key column")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *tableName == "" || *columnsFlag == "" || *pkName == "" {
		return fmt.Errorf("create-node-table: --db, --table, --columns, and --pk are all required")
	}
	specs, err := parseColumns(*columnsFlag)
	if err != nil {
		return err
	}
	pkCol := -1
	for i, s := range specs {
		if s.name == *pkName {
			pkCol = i
			break
		}
	}
	if pkCol < 0 {
		return fmt.Errorf("create-node-table: --pk %q does not name a column in --columns", *pkName)
	}

	cfg := knotdb.DefaultConfig()
	db, err := knotdb.Open(*dbPath, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Table(*tableName); err == nil {
		return fmt.Errorf("create-node-table: table %q already exists", *tableName)
	}

	cols := make([]*column.Column, len(specs))
	for i, s := range specs {
		cols[i] = column.NewColumn(s.name, s.typ, s.width)
	}
	tableID := uint32(len(specs)) // placeholder id scheme: fine for a single-process CLI demo
	nt := knotdb.NewHashIndexedNodeTable(tableID, cols, uint32(pkCol), pkKindFor(specs[pkCol]), specs[pkCol].width)
	db.RegisterNodeTable(*tableName, nt)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CheckpointWaitTimeout)
	defer cancel()
	return db.Checkpoint(ctx)
}

func cmdInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ContinueOnError)
	dbPath := fs.String("db", "", "database directory")
	tableName := fs.String("table", "", "node table name")
	valuesFlag := fs.String("values", "", "comma-separated values, in column order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *tableName == "" || *valuesFlag == "" {
		return fmt.Errorf("insert: --db, --table, and --values are all required")
	}

	db, err := knotdb.Open(*dbPath, knotdb.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	nt, err := db.Table(*tableName)
	if err != nil {
		return err
	}
	raw := strings.Split(*valuesFlag, ",")
	if len(raw) != len(nt.Columns) {
		return fmt.Errorf("insert: %d values given for %d columns", len(raw), len(nt.Columns))
	}
	values := make([][]byte, len(raw))
	nulls := make([]bool, len(raw))
	for i, col := range nt.Columns {
		v, null, err := encodeValue(columnSpec{name: col.Name, typ: col.Type, width: col.Width}, strings.TrimSpace(raw[i]))
		if err != nil {
			return err
		}
		values[i] = v
		nulls[i] = null
	}

	conn := db.Connect()
	txn, err := conn.BeginTransaction(txnmgr.ReadWrite)
	if err != nil {
		return err
	}
	offset, err := nt.Insert(asTableTxn(txn), values[nt.PKCol], values, nulls)
	if err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	fmt.Printf("inserted at offset %d\n", offset)
	return nil
}

func cmdScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	dbPath := fs.String("db", "", "database directory")
	tableName := fs.String("table", "", "node table name")
	colName := fs.String("column", "", "column name to scan")
	nodeGroup := fs.Int("node-group", 0, "node group index")
	start := fs.Int("start", 0, "starting row within the node group")
	count := fs.Int("count", 0, "number of rows to scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" || *tableName == "" || *colName == "" || *count <= 0 {
		return fmt.Errorf("scan: --db, --table, --column, and a positive --count are all required")
	}

	db, err := knotdb.Open(*dbPath, knotdb.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	nt, err := db.Table(*tableName)
	if err != nil {
		return err
	}
	colID := -1
	for i, c := range nt.Columns {
		if c.Name == *colName {
			colID = i
			break
		}
	}
	if colID < 0 {
		return fmt.Errorf("scan: no column named %q", *colName)
	}

	conn := db.Connect()
	txn, err := conn.BeginTransaction(txnmgr.ReadOnly)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	col := nt.Columns[colID]
	out := column.NewColumnChunk(col.Type, col.Width)
	if err := nt.Scan(asTableTxn(txn), db.BufferManager(), db.DataFile(), uint32(colID), *nodeGroup, *start, *count, out); err != nil {
		return err
	}
	for i := 0; i < out.NumValues; i++ {
		fmt.Println(decodeValue(col.Type, out.Value(i), out.IsNull(i)))
	}
	return nil
}

func cmdCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	dbPath := fs.String("db", "", "database directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return fmt.Errorf("checkpoint: --db is required")
	}

	cfg := knotdb.DefaultConfig()
	db, err := knotdb.Open(*dbPath, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CheckpointWaitTimeout)
	defer cancel()
	return db.Checkpoint(ctx)
}

// asTableTxn adapts a knotdb.Transaction into the table.Txn view
// NodeTable.Insert/Scan need, using only Transaction's exported surface.
func asTableTxn(txn *knotdb.Transaction) *table.Txn {
	return &table.Txn{ID: uint64(txn.ID()), Local: txn.Local()}
}
