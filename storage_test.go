package knotdb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/knotgraph/knotdb/internal/column"
	"github.com/knotgraph/knotdb/internal/hashindex"
	"github.com/knotgraph/knotdb/internal/storeerr"
	"github.com/knotgraph/knotdb/internal/table"
	"github.com/knotgraph/knotdb/internal/txnmgr"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferPoolSize = 1 << 20
	cfg.MaxDBSize = 1 << 24
	cfg.AutoCheckpoint = false
	cfg.CheckpointWaitTimeout = 2 * time.Second
	return cfg
}

func personTable(id uint32) *table.NodeTable {
	cols := []*column.Column{
		column.NewColumn("id", column.INT64, 8),
		column.NewColumn("name", column.STRING, 0),
		column.NewColumn("age", column.INT32, 4),
	}
	return NewHashIndexedNodeTable(id, cols, 0, hashindex.FixedWidthKey, 8)
}

func tableTxn(txn *Transaction) *table.Txn {
	return &table.Txn{ID: uint64(txn.ID()), Local: txn.Local()}
}

func int32Bytes(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Scenario: a Person node table survives a Close/Open round trip because
// saveCatalog/loadCatalog persist its schema, node groups, and PK index.
func TestNodeTableSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	nt := personTable(1)
	db.RegisterNodeTable("Person", nt)

	conn := db.Connect()
	txn, err := conn.BeginTransaction(txnmgr.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	tt := tableTxn(txn)
	offset, err := nt.Insert(tt, hashindex.EncodeInt64(1), [][]byte{
		hashindex.EncodeInt64(1), []byte("Ada"), int32Bytes(36),
	}, []bool{false, false, false})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if offset != 0 {
		t.Fatalf("offset = %d, want 0", offset)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	reopened, err := db2.Table("Person")
	if err != nil {
		t.Fatalf("Table(Person) after reopen: %v", err)
	}
	if got := reopened.RowCount(); got != 1 {
		t.Fatalf("RowCount after reopen = %d, want 1", got)
	}
	if _, ok := reopened.PKIndex.Lookup(hashindex.EncodeInt64(1)); !ok {
		t.Fatal("PKIndex lost key 1 across reopen")
	}

	rconn := db2.Connect()
	rtxn, err := rconn.BeginTransaction(txnmgr.ReadOnly)
	if err != nil {
		t.Fatalf("BeginTransaction(ReadOnly): %v", err)
	}
	defer rtxn.Rollback()

	out := column.NewColumnChunk(column.STRING, 0)
	if err := reopened.Scan(tableTxn(rtxn), db2.BufferManager(), db2.DataFile(), 1, 0, 0, 1, out); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if out.NumValues != 1 {
		t.Fatalf("Scan returned %d values, want 1", out.NumValues)
	}
	if got := string(out.Value(0)); got != "Ada" {
		t.Fatalf("name column after reopen = %q, want %q", got, "Ada")
	}
}

// Scenario: a rolled-back insert leaves no trace in the persistent PK
// index or row count, and the same key can be inserted again afterward.
func TestInsertRollbackIsInvisible(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	nt := personTable(1)
	db.RegisterNodeTable("Person", nt)
	conn := db.Connect()

	txn, err := conn.BeginTransaction(txnmgr.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := nt.Insert(tableTxn(txn), hashindex.EncodeInt64(7), [][]byte{
		hashindex.EncodeInt64(7), []byte("Grace"), int32Bytes(40),
	}, []bool{false, false, false}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	txn.Rollback()

	if _, ok := nt.PKIndex.Lookup(hashindex.EncodeInt64(7)); ok {
		t.Fatal("PKIndex retained key 7 after rollback")
	}
	if got := nt.RowCount(); got != 0 {
		t.Fatalf("RowCount after rollback = %d, want 0", got)
	}

	txn2, err := conn.BeginTransaction(txnmgr.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTransaction (retry): %v", err)
	}
	if _, err := nt.Insert(tableTxn(txn2), hashindex.EncodeInt64(7), [][]byte{
		hashindex.EncodeInt64(7), []byte("Grace"), int32Bytes(40),
	}, []bool{false, false, false}); err != nil {
		t.Fatalf("Insert after rollback: %v", err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Scenario: inserting the same primary key twice within one transaction
// is rejected via the table's pending-insert PK index, before commit
// ever touches the persistent index.
func TestDuplicateKeyWithinTransactionRejected(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	nt := personTable(1)
	db.RegisterNodeTable("Person", nt)
	conn := db.Connect()
	txn, err := conn.BeginTransaction(txnmgr.ReadWrite)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer txn.Rollback()

	row := [][]byte{hashindex.EncodeInt64(9), []byte("Alan"), int32Bytes(41)}
	if _, err := nt.Insert(tableTxn(txn), hashindex.EncodeInt64(9), row, []bool{false, false, false}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	_, err = nt.Insert(tableTxn(txn), hashindex.EncodeInt64(9), row, []bool{false, false, false})
	if !storeerr.Is(err, storeerr.DuplicateKey) {
		t.Fatalf("second Insert error = %v, want DuplicateKey", err)
	}
}

// Scenario: Checkpoint under contention — two write transactions insert
// and commit concurrently; once both have finished, one Checkpoint call
// with a short wait timeout must succeed and both rows must be counted.
func TestCheckpointUnderContention(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.CheckpointWaitTimeout = 20 * time.Millisecond
	db, err := Open(filepath.Join(dir, "db"), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	nt := personTable(1)
	db.RegisterNodeTable("Person", nt)
	conn := db.Connect()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := conn.BeginTransaction(txnmgr.ReadWrite)
			if err != nil {
				errs <- err
				return
			}
			key := hashindex.EncodeInt64(int64(100 + i))
			row := [][]byte{key, []byte("Worker"), int32Bytes(int32(i))}
			if _, err := nt.Insert(tableTxn(txn), key, row, []bool{false, false, false}); err != nil {
				txn.Rollback()
				errs <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
			errs <- txn.Commit()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got := nt.RowCount(); got != 2 {
		t.Fatalf("RowCount after checkpoint = %d, want 2", got)
	}
}
