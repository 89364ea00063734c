// Package table implements NodeTable and RelTable: the row-oriented view
// composed from Columns, the primary-key hash index, and a transaction's
// local storage overlay.
//
// What: NodeTable.Scan/Insert/Delete/Update and RelTable's forward/
// backward adjacency plus rel property columns, with detach-delete.
// How: grounded in tinySQL's backend_disk.go row-store (a catalog-bound
// set of columns addressed by row offset, with insert/update/delete
// mutating both the backing store and any indexes) generalized from a
// single flat row store to the column-group-plus-PK-index shape this
// module's catalog describes.
// Why: this is the layer callers actually use — the one place primary-key
// uniqueness, local-storage overlay composition, and adjacency
// maintenance are all enforced together, so every mutation path is
// reachable from one Insert/Delete/Update call instead of being spread
// across callers.
package table

import (
	"sync"
	"sync/atomic"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/column"
	"github.com/knotgraph/knotdb/internal/hashindex"
	"github.com/knotgraph/knotdb/internal/localstore"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

// Txn is the minimal view of a transaction a table needs: its id (for
// local-storage routing) and its local write overlay.
type Txn struct {
	ID    uint64
	Local *localstore.Store
}

// NodeTable is a set of property Columns plus a primary-key hash index.
type NodeTable struct {
	ID      uint32
	Columns []*column.Column
	PKIndex *hashindex.Index
	PKCol   uint32 // index into Columns of the primary-key column
	PKKind  hashindex.KeyKind
	PKWidth int

	mu        sync.Mutex
	rowCount  atomic.Uint64 // persistent row count as of the last commit
	localPK   *hashindex.Index
}

// NewNodeTable creates a NodeTable over cols, with the primary key on
// column pkCol using pkIndex for persistent lookups. pkKind/pkWidth must
// match pkIndex's own key encoding, since the table's pending-insert PK
// index (one per table, shared by every uncommitted transaction, used to
// reject duplicates before commit) has to hash keys identically to the
// persistent one.
func NewNodeTable(id uint32, cols []*column.Column, pkCol uint32, pkIndex *hashindex.Index, pkKind hashindex.KeyKind, pkWidth int) *NodeTable {
	return &NodeTable{
		ID:      id,
		Columns: cols,
		PKIndex: pkIndex,
		PKCol:   pkCol,
		PKKind:  pkKind,
		PKWidth: pkWidth,
		localPK: hashindex.New(pkKind, pkWidth),
	}
}

// Insert allocates the next row offset, stages the property vector into
// the transaction's local storage, and registers (pk, offset) in the
// table's pending-insert PK index so a second insert of a key already
// reserved by an uncommitted insert (in this or any other transaction) is
// rejected immediately. The authoritative PK index is only updated at
// commit.
func (t *NodeTable) Insert(txn *Txn, pkEncoded []byte, values [][]byte, nulls []bool) (uint64, error) {
	if len(values) != len(t.Columns) {
		return 0, storeerr.New(storeerr.TypeError, "insert: %d values for %d columns", len(values), len(t.Columns))
	}

	if _, ok := t.PKIndex.Lookup(pkEncoded); ok {
		return 0, storeerr.New(storeerr.DuplicateKey, "primary key already present in persistent index")
	}

	// offset allocation, the local-PK duplicate check, and the local-PK
	// reservation itself all happen under one t.mu critical section: two
	// concurrent Inserts into the same table (from two different write
	// transactions, which txnmgr.Manager allows to be simultaneously
	// active) must never read the same offset before either reserves it.
	t.mu.Lock()
	if _, ok := t.localPK.Lookup(pkEncoded); ok {
		t.mu.Unlock()
		return 0, storeerr.New(storeerr.DuplicateKey, "primary key already reserved by an uncommitted insert")
	}
	offset := t.rowCount.Load() + uint64(t.countLocalInserts())
	if err := t.localPK.Append(pkEncoded, offset); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	t.mu.Unlock()

	for i := range t.Columns {
		txn.Local.StageInsert(t.ID, uint32(i), offset, values[i], nulls[i])
	}
	txn.Local.AddHook(localstore.Hook{
		Commit:   func() error { return t.CommitInsert(pkEncoded, offset) },
		Rollback: func() { t.localPK.Delete(pkEncoded) },
	})
	return offset, nil
}

// CommitInsert migrates one transaction-local primary-key reservation
// into the authoritative persistent index and widens rowCount if this
// offset is the new high-water mark, per spec §4.5/§4.7: "the
// authoritative PK index receives the write only at commit." It is
// registered as a localstore commit hook from Insert, so it runs exactly
// once, in the same commit that durably writes the row's columns.
func (t *NodeTable) CommitInsert(pkEncoded []byte, offset uint64) error {
	if err := t.PKIndex.Append(pkEncoded, offset); err != nil {
		return err
	}
	t.localPK.Delete(pkEncoded)
	for {
		cur := t.rowCount.Load()
		if offset+1 <= cur {
			return nil
		}
		if t.rowCount.CompareAndSwap(cur, offset+1) {
			return nil
		}
	}
}

// countLocalInserts is a placeholder row-count accounting hook; a real
// implementation tracks this incrementally rather than rescanning, but
// the local PK index's live count is a reasonable proxy since every
// local insert registers exactly one PK entry.
func (t *NodeTable) countLocalInserts() int {
	return t.localPK.Count()
}

// Update stages a per-column update to an already-persistent row.
func (t *NodeTable) Update(txn *Txn, columnID uint32, offset uint64, value []byte, null bool) error {
	if int(columnID) >= len(t.Columns) {
		return storeerr.New(storeerr.TypeError, "update: column id %d out of range", columnID)
	}
	txn.Local.StageUpdate(t.ID, columnID, offset, value, null)
	return nil
}

// Delete stages a tombstone for offset across every column. Commit writes
// each tombstone as a TableUpdate WAL record with the null flag set and
// stores a null in the column; no TableDelete record is written and the
// row count does not change. Callers that also know the row's
// primary key should use DeleteWithKey so the persistent PK index is
// tombstoned too.
func (t *NodeTable) Delete(txn *Txn, offset uint64) {
	for i := range t.Columns {
		txn.Local.DeleteTombstone(t.ID, uint32(i), offset)
	}
}

// DeleteWithKey stages the same per-column tombstones as Delete and
// additionally registers a commit hook that tombstones pkEncoded in the
// persistent PK index, so a deleted row's key becomes insertable again
// and no longer resolves via Lookup, per spec §4.3's lazy-tombstone
// deletion contract.
func (t *NodeTable) DeleteWithKey(txn *Txn, pkEncoded []byte, offset uint64) {
	t.Delete(txn, offset)
	txn.Local.AddHook(localstore.Hook{
		Commit: func() error {
			t.PKIndex.Delete(pkEncoded)
			return nil
		},
	})
}

// RowCount returns the table's persistent row count as of the last
// commit (i.e. not counting any transaction's uncommitted local inserts).
func (t *NodeTable) RowCount() uint64 { return t.rowCount.Load() }

// SetRowCount overwrites the persistent row count directly. Only callers
// restoring a NodeTable from previously persisted catalog state (the
// storage-manager glue's catalog reload on Open) should use this; normal
// row-count advancement happens through CommitInsert.
func (t *NodeTable) SetRowCount(n uint64) { t.rowCount.Store(n) }

// Scan composes the persistent column values for [startRow, startRow+n)
// over the transaction's local overlay for columnID, via out.
func (t *NodeTable) Scan(txn *Txn, bm *buffer.Manager, fh *pagestore.FileHandle, columnID uint32, nodeGroupIdx, startRow, numRows int, out *column.ColumnChunk) error {
	if int(columnID) >= len(t.Columns) {
		return storeerr.New(storeerr.TypeError, "scan: column id %d out of range", columnID)
	}
	col := t.Columns[columnID]
	overlay := func(row int) ([]byte, bool, bool) {
		c, ok := txn.Local.Lookup(t.ID, columnID, uint64(row))
		if !ok {
			return nil, false, false
		}
		return c.Value, c.Null, true
	}
	return col.Scan(bm, fh, nodeGroupIdx, startRow, numRows, out, overlay)
}

// RelTable owns forward and (optionally) backward adjacency columns plus
// rel property columns. Deletion of an endpoint node with incident rels
// is rejected unless DetachDelete is used.
type RelTable struct {
	ID       uint32
	Forward  *NodeTable // adjacency + rel properties keyed by src node offset
	Backward *NodeTable // nil if backward adjacency is not maintained

	mu    sync.Mutex
	edges map[uint64][]uint64 // src offset -> dst offsets, for detach-delete checks
}

// NewRelTable creates a RelTable. backward may be nil to skip maintaining
// reverse adjacency.
func NewRelTable(id uint32, forward, backward *NodeTable) *RelTable {
	return &RelTable{ID: id, Forward: forward, Backward: backward, edges: make(map[uint64][]uint64)}
}

// Insert records one edge (src -> dst) plus its rel property vector.
func (r *RelTable) Insert(txn *Txn, pkEncoded []byte, src, dst uint64, values [][]byte, nulls []bool) (uint64, error) {
	offset, err := r.Forward.Insert(txn, pkEncoded, values, nulls)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.edges[src] = append(r.edges[src], dst)
	r.mu.Unlock()
	if r.Backward != nil {
		if _, err := r.Backward.Insert(txn, pkEncoded, values, nulls); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// HasIncidentEdges reports whether src still has outgoing edges recorded,
// for Delete's detach-delete guard.
func (r *RelTable) HasIncidentEdges(src uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.edges[src]) > 0
}

// Delete stages a tombstone for one edge's rel row at offset and drops
// src -> dst from the edge bookkeeping. It never fails; the guard against
// deleting a node with live rels is DeleteNodeGuarded's job.
func (r *RelTable) Delete(txn *Txn, src, dst uint64, offset uint64) {
	r.Forward.Delete(txn, offset)
	r.mu.Lock()
	edges := r.edges[src]
	for i, d := range edges {
		if d == dst {
			r.edges[src] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// DeleteNodeGuarded rejects deleting a node that still has incident rels
// in this table unless detach is set, per spec §4.5.
func (r *RelTable) DeleteNodeGuarded(node uint64, detach bool) error {
	if !detach && r.HasIncidentEdges(node) {
		return storeerr.New(storeerr.TransactionError, "node %d has incident rels in table %d; use detach-delete", node, r.ID)
	}
	return nil
}
