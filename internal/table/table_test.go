package table

import (
	"path/filepath"
	"testing"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/column"
	"github.com/knotgraph/knotdb/internal/hashindex"
	"github.com/knotgraph/knotdb/internal/localstore"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

func newTestNodeTable(t *testing.T) *NodeTable {
	t.Helper()
	cols := []*column.Column{
		column.NewColumn("id", column.INT64, 8),
		column.NewColumn("name", column.STRING, 0),
	}
	pk := hashindex.NewInt64Index()
	return NewNodeTable(1, cols, 0, pk, hashindex.FixedWidthKey, 8)
}

func newTxn() *Txn {
	return &Txn{ID: 1, Local: localstore.New()}
}

func TestInsertRejectsDuplicatePrimaryKeyWithinTransaction(t *testing.T) {
	nt := newTestNodeTable(t)
	txn := newTxn()

	pk := hashindex.EncodeInt64(7)
	if _, err := nt.Insert(txn, pk, [][]byte{pk, []byte("alice")}, []bool{false, false}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := nt.Insert(txn, pk, [][]byte{pk, []byte("bob")}, []bool{false, false})
	if !storeerr.Is(err, storeerr.DuplicateKey) {
		t.Fatalf("want DuplicateKey, got %v", err)
	}
}

func TestInsertRejectsDuplicateAgainstPersistentIndex(t *testing.T) {
	nt := newTestNodeTable(t)
	pk := hashindex.EncodeInt64(3)
	if err := nt.PKIndex.Append(pk, 0); err != nil {
		t.Fatalf("seed persistent index: %v", err)
	}

	txn := newTxn()
	_, err := nt.Insert(txn, pk, [][]byte{pk, []byte("x")}, []bool{false, false})
	if !storeerr.Is(err, storeerr.DuplicateKey) {
		t.Fatalf("want DuplicateKey against persistent index, got %v", err)
	}
}

func TestScanComposesLocalOverlayOverPersistent(t *testing.T) {
	dir := t.TempDir()
	pageSize := 256
	fh, err := pagestore.Open(0, filepath.Join(dir, "data.kz"), pageSize, pagestore.OpenFlags{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fh.Close()
	sh, err := shadow.Open(filepath.Join(dir, "shadow.kz"), pageSize)
	if err != nil {
		t.Fatalf("shadow.Open: %v", err)
	}
	bm, err := buffer.NewManager(pageSize, int64(pageSize*64), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	bm.RegisterFile(fh)

	nt := newTestNodeTable(t)
	chunk := column.NewColumnChunk(column.INT64, 8)
	for _, v := range []int64{100, 200, 300} {
		if err := chunk.AppendFixed(hashindex.EncodeInt64(v), false); err != nil {
			t.Fatalf("AppendFixed: %v", err)
		}
	}
	if err := nt.Columns[0].CheckpointChunk(bm, fh, 0, chunk); err != nil {
		t.Fatalf("CheckpointChunk: %v", err)
	}

	txn := newTxn()
	if err := nt.Update(txn, 0, 1, hashindex.EncodeInt64(999), false); err != nil {
		t.Fatalf("Update: %v", err)
	}

	out := column.NewColumnChunk(column.INT64, 8)
	if err := nt.Scan(txn, bm, fh, 0, 0, 0, 3, out); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if hashindex.DecodeInt64(out.Value(0)) != 100 {
		t.Fatalf("row 0 should be unchanged persistent value, got %d", hashindex.DecodeInt64(out.Value(0)))
	}
	if hashindex.DecodeInt64(out.Value(1)) != 999 {
		t.Fatalf("row 1 should be overridden by local update, got %d", hashindex.DecodeInt64(out.Value(1)))
	}
	if hashindex.DecodeInt64(out.Value(2)) != 300 {
		t.Fatalf("row 2 should be unchanged persistent value, got %d", hashindex.DecodeInt64(out.Value(2)))
	}
}

func newTestRelTable(t *testing.T) *RelTable {
	t.Helper()
	fwdCols := []*column.Column{column.NewColumn("rel_id", column.INT64, 8)}
	fwdPK := hashindex.NewInt64Index()
	fwd := NewNodeTable(2, fwdCols, 0, fwdPK, hashindex.FixedWidthKey, 8)
	return NewRelTable(1, fwd, nil)
}

func TestDeleteNodeGuardedRejectsWithoutDetach(t *testing.T) {
	rt := newTestRelTable(t)
	txn := newTxn()

	pk := hashindex.EncodeInt64(1)
	if _, err := rt.Insert(txn, pk, 10, 20, [][]byte{pk}, []bool{false}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := rt.DeleteNodeGuarded(10, false); !storeerr.Is(err, storeerr.TransactionError) {
		t.Fatalf("want TransactionError for node with incident rels, got %v", err)
	}
	if err := rt.DeleteNodeGuarded(10, true); err != nil {
		t.Fatalf("detach-delete should be permitted: %v", err)
	}
}

func TestRelTableDeleteRemovesEdgeBookkeeping(t *testing.T) {
	rt := newTestRelTable(t)
	txn := newTxn()
	pk := hashindex.EncodeInt64(5)
	offset, err := rt.Insert(txn, pk, 1, 2, [][]byte{pk}, []bool{false})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rt.Delete(txn, 1, 2, offset)
	if rt.HasIncidentEdges(1) {
		t.Fatal("edge should be removed after Delete")
	}
}
