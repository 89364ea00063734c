// Package knotdb is the embedded property-graph storage and transaction
// core: paged I/O with a buffer manager, a shadow-page/WAL crash-recovery
// overlay, columnar node/relationship storage, a primary-key hash index,
// and a task scheduler — wired together behind Database/Connection/
// Transaction/Table.
//
// What: Database.Open(path, config) opens (or creates) a database
// directory holding data.kz, wal.kz, shadow.kz, and metadata.kz.
// Database.Connect returns a Connection; Connection.BeginTransaction
// starts a Transaction; Transaction.Commit/Rollback end it;
// Database.Checkpoint forces a checkpoint outside the auto-checkpoint
// threshold.
// How: grounded in tinySQL's internal/storage/db.go top-level DB type
// (owns the catalog, the backend, and a logger; Open/Close own file
// lifecycle; exposes Begin/Commit/Rollback over its own MVCC manager),
// generalized from a relational catalog-of-tables to this module's
// column-group tables.
// Why: this is the one package external callers (a CLI, an embedding
// host) import; every lower package stays an internal implementation
// detail reachable only through here.
package knotdb

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/column"
	"github.com/knotgraph/knotdb/internal/config"
	"github.com/knotgraph/knotdb/internal/hashindex"
	"github.com/knotgraph/knotdb/internal/localstore"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
	"github.com/knotgraph/knotdb/internal/storeerr"
	"github.com/knotgraph/knotdb/internal/table"
	"github.com/knotgraph/knotdb/internal/txnmgr"
	"github.com/knotgraph/knotdb/internal/walog"
)

// NodeGroupSize is the fixed row-offset span of one node group, per spec
// §3's "typically 2^17 rows". Offsets are mapped to a node group with
// offset/NodeGroupSize and a row-in-group with offset%NodeGroupSize.
const NodeGroupSize = 1 << 17

const (
	dataFileName     = "data.kz"
	walFileName      = "wal.kz"
	shadowFileName   = "shadow.kz"
	metadataFileName = "metadata.kz"
	catalogFileName  = "catalog.kz"
)

// persistedColumn is one NodeTable column's durable catalog state: its
// type/width declaration plus the per-node-group page ranges Column
// itself only ever keeps in memory.
type persistedColumn struct {
	Name       string
	Type       column.PhysicalType
	Width      int
	NodeGroups []column.NodeGroupState
}

// persistedTable is one NodeTable's full durable catalog state, enough
// to reconstruct it (including its persistent PK index) on reopen
// without replaying every insert.
type persistedTable struct {
	Name         string
	TableID      uint32
	PKCol        uint32
	PKKind       hashindex.KeyKind
	PKWidth      int
	Columns      []persistedColumn
	PKIndexFirst pagestore.PageID
	PKIndexLast  pagestore.PageID
	RowCount     uint64
}

// Config is re-exported so callers configure a Database without
// importing the internal config package directly.
type Config = config.Config

// DefaultConfig returns the conservative defaults documented on
// config.Default.
func DefaultConfig() Config { return config.Default() }

// Database owns one data directory's open files, its buffer manager, its
// transaction manager, and the registered tables.
type Database struct {
	mu sync.RWMutex

	path       string
	cfg        Config
	instanceID uuid.UUID

	dataFile *pagestore.FileHandle
	wal      *walog.Writer
	shadow   *shadow.Store
	bm       *buffer.Manager
	txns     *txnmgr.Manager
	logger   *log.Logger

	tables map[string]*table.NodeTable
	rels   map[string]*table.RelTable

	cronSched *cron.Cron
}

// Open opens path as a knotdb database directory, creating it (and the
// four on-disk files) if it does not exist. If metadata.kz already
// records an instance id, it must match a freshly generated one only in
// the sense that Open never overwrites an existing id — reopening an
// existing database preserves its stamped identity so a data/WAL
// directory accidentally pointed at a different instance is detectable
// by comparing ids, not by failing outright here.
func Open(path string, cfg Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, storeerr.Wrap(storeerr.IoError, err, "create database directory %s", path)
	}

	dataFile, err := pagestore.Open(0, filepath.Join(path, dataFileName), cfg.PageSize, pagestore.OpenFlags{Create: true, ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, err
	}
	sh, err := shadow.Open(filepath.Join(path, shadowFileName), cfg.PageSize)
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	w, err := walog.Open(filepath.Join(path, walFileName))
	if err != nil {
		dataFile.Close()
		sh.Close()
		return nil, err
	}
	bm, err := buffer.NewManager(cfg.PageSize, cfg.MaxDBSize, sh)
	if err != nil {
		dataFile.Close()
		sh.Close()
		w.Close()
		return nil, err
	}
	bm.RegisterFile(dataFile)

	logger := log.New(os.Stderr, "knotdb: ", log.LstdFlags)
	instanceID, err := loadOrStampInstanceID(filepath.Join(path, metadataFileName))
	if err != nil {
		dataFile.Close()
		sh.Close()
		w.Close()
		return nil, err
	}

	txMgr := txnmgr.New(w, sh, bm, txnmgr.Config{
		ReadOnly:              cfg.ReadOnly,
		AutoCheckpoint:        cfg.AutoCheckpoint,
		CheckpointThreshold:   cfg.CheckpointThreshold,
		CheckpointWaitTimeout: cfg.CheckpointWaitTimeout,
		Logger:                logger,
	})

	db := &Database{
		path:       path,
		cfg:        cfg,
		instanceID: instanceID,
		dataFile:   dataFile,
		wal:        w,
		shadow:     sh,
		bm:         bm,
		txns:       txMgr,
		logger:     logger,
		tables:     make(map[string]*table.NodeTable),
		rels:       make(map[string]*table.RelTable),
	}

	if err := db.loadCatalog(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.CheckpointCronExpr != "" {
		if err := db.startCronCheckpoint(cfg.CheckpointCronExpr); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// saveCatalog durably records every registered NodeTable's schema,
// per-column node-group page ranges, persistent PK index, and row count,
// so a later Open of the same path recovers registered tables without
// the caller re-declaring and re-populating them. Called after every
// committing Transaction.Commit, from Checkpoint, and from Close, since
// none of this state is implied by the data/WAL/shadow files alone.
func (d *Database) saveCatalog() error {
	d.mu.RLock()
	tables := make(map[string]*table.NodeTable, len(d.tables))
	for name, nt := range d.tables {
		tables[name] = nt
	}
	d.mu.RUnlock()

	entries := make([]persistedTable, 0, len(tables))
	for name, nt := range tables {
		first, last, err := nt.PKIndex.Flush(d.bm, d.dataFile)
		if err != nil {
			return err
		}
		cols := make([]persistedColumn, len(nt.Columns))
		for i, c := range nt.Columns {
			cols[i] = persistedColumn{Name: c.Name, Type: c.Type, Width: c.Width, NodeGroups: c.NodeGroups}
		}
		entries = append(entries, persistedTable{
			Name:         name,
			TableID:      nt.ID,
			PKCol:        nt.PKCol,
			PKKind:       nt.PKKind,
			PKWidth:      nt.PKWidth,
			Columns:      cols,
			PKIndexFirst: first,
			PKIndexLast:  last,
			RowCount:     nt.RowCount(),
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "encode catalog")
	}
	tmp := filepath.Join(d.path, catalogFileName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "write catalog")
	}
	if err := os.Rename(tmp, filepath.Join(d.path, catalogFileName)); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "install catalog")
	}
	return nil
}

// loadCatalog reconstructs every NodeTable recorded by a prior
// saveCatalog, registering each under its saved name. A database
// directory with no catalog.kz yet (a brand-new database) is not an
// error — there is simply nothing to restore.
func (d *Database) loadCatalog() error {
	data, err := os.ReadFile(filepath.Join(d.path, catalogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storeerr.Wrap(storeerr.IoError, err, "read catalog")
	}
	var entries []persistedTable
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return storeerr.Wrap(storeerr.CorruptionError, err, "decode catalog")
	}
	for _, e := range entries {
		idx, err := hashindex.Load(d.dataFile, e.PKIndexFirst, e.PKIndexLast)
		if err != nil {
			return err
		}
		cols := make([]*column.Column, len(e.Columns))
		for i, pc := range e.Columns {
			col := column.NewColumn(pc.Name, pc.Type, pc.Width)
			col.NodeGroups = pc.NodeGroups
			cols[i] = col
		}
		nt := table.NewNodeTable(e.TableID, cols, e.PKCol, idx, e.PKKind, e.PKWidth)
		nt.SetRowCount(e.RowCount)
		d.RegisterNodeTable(e.Name, nt)
	}
	return nil
}

// loadOrStampInstanceID reads metadata.kz's stamped instance id, or
// generates and writes a new one if the file does not exist yet.
func loadOrStampInstanceID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) >= 16 {
		id, perr := uuid.FromBytes(data[:16])
		if perr == nil {
			return id, nil
		}
	}
	id := uuid.New()
	if werr := os.WriteFile(path, id[:], 0644); werr != nil {
		return uuid.Nil, storeerr.Wrap(storeerr.IoError, werr, "stamp instance id at %s", path)
	}
	return id, nil
}

// InstanceID returns the UUID stamped into metadata.kz when this database
// was first created.
func (d *Database) InstanceID() uuid.UUID { return d.instanceID }

// BufferManager exposes the Database's buffer manager so callers outside
// this package (e.g. cmd/knotdbctl) can drive table.NodeTable.Scan
// directly, per spec §6's "Database/Table is the sole external-facing
// API" — Scan's signature takes the buffer manager and file handle
// explicitly rather than hiding them behind another wrapper method.
func (d *Database) BufferManager() *buffer.Manager { return d.bm }

// DataFile exposes the Database's data file handle for the same reason
// as BufferManager.
func (d *Database) DataFile() *pagestore.FileHandle { return d.dataFile }

func (d *Database) startCronCheckpoint(expr string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CheckpointWaitTimeout)
		defer cancel()
		if err := d.Checkpoint(ctx); err != nil {
			d.logger.Printf("cron checkpoint failed: %v", err)
		}
	})
	if err != nil {
		return storeerr.Wrap(storeerr.ConfigError, err, "invalid checkpoint_cron_expr %q", expr)
	}
	d.cronSched = c
	c.Start()
	return nil
}

// RegisterNodeTable registers a NodeTable under name so Connection/
// Transaction callers can address it.
func (d *Database) RegisterNodeTable(name string, nt *table.NodeTable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = nt
}

// RegisterRelTable registers a RelTable under name.
func (d *Database) RegisterRelTable(name string, rt *table.RelTable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rels[name] = rt
}

// Table returns the registered NodeTable by name.
func (d *Database) Table(name string) (*table.NodeTable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nt, ok := d.tables[name]
	if !ok {
		return nil, storeerr.New(storeerr.NotFound, "node table %q not found", name)
	}
	return nt, nil
}

// RelTable returns the registered RelTable by name.
func (d *Database) RelTable(name string) (*table.RelTable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rt, ok := d.rels[name]
	if !ok {
		return nil, storeerr.New(storeerr.NotFound, "rel table %q not found", name)
	}
	return rt, nil
}

// Connect returns a new Connection bound to this database.
func (d *Database) Connect() *Connection {
	return &Connection{db: d}
}

// Checkpoint forces a checkpoint outside the byte-threshold
// auto-checkpoint path, and re-saves the catalog once the shadow pages
// have been re-based so a reopen after checkpoint sees the same state.
func (d *Database) Checkpoint(ctx context.Context) error {
	if err := d.checkpointInternal(ctx); err != nil {
		return err
	}
	return d.saveCatalog()
}

func (d *Database) checkpointInternal(ctx context.Context) error {
	return d.txns.Checkpoint(ctx, func(key pagestore.Key, page []byte) error {
		fh, err := d.fileForKey(key)
		if err != nil {
			return err
		}
		return fh.WritePage(key.Page, page)
	})
}

func (d *Database) fileForKey(key pagestore.Key) (*pagestore.FileHandle, error) {
	if key.File == d.dataFile.ID() {
		return d.dataFile, nil
	}
	return nil, storeerr.New(storeerr.BufferManagerError, "no registered file for shadow key %s", key)
}

// Close saves the catalog, stops the cron checkpoint trigger, syncs the
// WAL, and closes the data, shadow and WAL files. Transactions that are
// still active are neither rolled back nor waited for. saveCatalog runs
// first (and takes its own lock), since it needs the
// data file still open to flush each table's PK index pages.
func (d *Database) Close() error {
	if err := d.saveCatalog(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cronSched != nil {
		d.cronSched.Stop()
	}
	if err := d.wal.Sync(); err != nil {
		return err
	}
	if err := d.dataFile.Close(); err != nil {
		return err
	}
	if err := d.shadow.Close(); err != nil {
		return err
	}
	return d.wal.Close()
}

// Connection is a lightweight handle through which transactions are
// started; it carries no state of its own beyond the Database reference,
// mirroring tinySQL's DB/Connection split in internal/storage/db.go.
type Connection struct {
	db *Database
}

// BeginTransaction starts a new Transaction in the given mode.
func (c *Connection) BeginTransaction(mode txnmgr.Mode) (*Transaction, error) {
	txn, err := c.db.txns.Begin(mode)
	if err != nil {
		return nil, err
	}
	return &Transaction{db: c.db, txn: txn}, nil
}

// Transaction wraps a txnmgr.Txn with the Commit/Rollback entry points
// external callers use.
type Transaction struct {
	db  *Database
	txn *txnmgr.Txn
}

// Local exposes the transaction's local write overlay for table
// operations.
func (t *Transaction) Local() *localstore.Store { return t.txn.Local }

// ID returns the transaction's monotonically increasing id.
func (t *Transaction) ID() txnmgr.TxnID { return t.txn.ID }

// Commit drains the transaction's local storage into its tables' columns
// through Database.commitColumnWriter. A successful write-commit also
// re-saves the catalog, since commit moves page-range and PK-index state
// that only saveCatalog persists, and then, when AutoCheckpoint is set
// and wal.kz has grown past CheckpointThreshold bytes, runs Checkpoint;
// an auto-checkpoint failure is logged, not returned.
func (t *Transaction) Commit() error {
	if err := t.db.txns.Commit(t.txn, t.db.commitColumnWriter()); err != nil {
		return err
	}
	if t.txn.Mode != txnmgr.ReadWrite {
		return nil
	}
	if err := t.db.saveCatalog(); err != nil {
		return err
	}
	if t.db.cfg.AutoCheckpoint && !t.db.cfg.ReadOnly {
		if fi, err := os.Stat(t.db.wal.Path()); err == nil && fi.Size() > t.db.cfg.CheckpointThreshold {
			if err := t.db.Checkpoint(context.Background()); err != nil {
				t.db.logger.Printf("auto-checkpoint after commit of txn %d failed: %v", t.txn.ID, err)
			}
		}
	}
	return nil
}

// Rollback discards the transaction's local storage.
func (t *Transaction) Rollback() {
	t.db.txns.Rollback(t.txn)
}

// commitColumnWriter returns the callback that routes one staged
// (table, column, offset) write into the right Column through
// applyCommittedValue, which rewrites the node group's chunk with
// CheckpointChunk via shadow pages, since local storage already holds
// the only copy of an uncommitted value and commit's job is just to make
// it durable through a column.
func (d *Database) commitColumnWriter() txnmgr.ColumnWriter {
	return func(ck localstore.ColumnKey, offset uint64, chunk localstore.Chunk, isInsert bool) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for _, nt := range d.tables {
			if nt.ID != ck.TableID {
				continue
			}
			if int(ck.ColumnID) >= len(nt.Columns) {
				return storeerr.New(storeerr.TypeError, "commit: column id %d out of range for table %d", ck.ColumnID, ck.TableID)
			}
			return d.applyCommittedValue(nt.Columns[ck.ColumnID], offset, chunk)
		}
		for _, rt := range d.rels {
			if col, ok := relColumnByID(rt, ck); ok {
				return d.applyCommittedValue(col, offset, chunk)
			}
		}
		return storeerr.New(storeerr.NotFound, "commit: no table registered with id %d", ck.TableID)
	}
}

// relColumnByID resolves ck against a RelTable's forward/backward
// adjacency tables, whose own NodeTable.ID values are distinct from the
// RelTable's own ID (see table.NewRelTable's constituent NodeTables).
func relColumnByID(rt *table.RelTable, ck localstore.ColumnKey) (*column.Column, bool) {
	if rt.Forward != nil && rt.Forward.ID == ck.TableID && int(ck.ColumnID) < len(rt.Forward.Columns) {
		return rt.Forward.Columns[ck.ColumnID], true
	}
	if rt.Backward != nil && rt.Backward.ID == ck.TableID && int(ck.ColumnID) < len(rt.Backward.Columns) {
		return rt.Backward.Columns[ck.ColumnID], true
	}
	return nil, false
}

// applyCommittedValue makes one staged (column, offset) write durable:
// it loads the node group's current chunk through the buffer manager,
// overwrites or appends the one value at its row-in-group position, and
// checkpoints the chunk back out via shadow pages, per spec §4.4's
// write/checkpoint_chunk contract. Writing one value at a time rather
// than batching an entire transaction's writes per node group is the
// simple-but-correct choice: CheckpointChunk is idempotent to call
// repeatedly for the same node group, and commit-time write volume in
// this module is bounded by one transaction's staged rows, not by table
// size.
func (d *Database) applyCommittedValue(col *column.Column, offset uint64, chunk localstore.Chunk) error {
	nodeGroupIdx := int(offset / NodeGroupSize)
	rowInGroup := int(offset % NodeGroupSize)

	col.AppendChunk(nodeGroupIdx)
	staged, err := col.LoadChunk(d.bm, d.dataFile, nodeGroupIdx)
	if err != nil {
		return err
	}

	src := column.NewColumnChunk(col.Type, col.Width)
	var appendErr error
	if col.Width != 0 {
		appendErr = src.AppendFixed(chunk.Value, chunk.Null)
	} else {
		appendErr = src.AppendVariable(chunk.Value, chunk.Null)
	}
	if appendErr != nil {
		return appendErr
	}

	if err := column.Write(staged, src, rowInGroup, 0, 1, lessBytes); err != nil {
		return err
	}
	return col.CheckpointChunk(d.bm, d.dataFile, nodeGroupIdx, staged)
}

// lessBytes orders encoded stats bytes lexicographically. This is exact
// for STRING/BLOB columns; little-endian fixed-width integer encodings
// (hashindex.EncodeInt64 and friends) do not compare lexicographically
// in numeric order, so min/max stats on such columns are usable for
// equality-style chunk skipping but not for range-skipping without a
// type-aware comparator — a gap this module leaves for a caller that
// needs numeric range stats to supply its own less func instead of this
// default.
func lessBytes(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

// NewHashIndexedNodeTable is a convenience constructor gluing hashindex,
// column, and table together for the common case of one fixed-width or
// string primary key.
func NewHashIndexedNodeTable(id uint32, cols []*column.Column, pkCol uint32, pkKind hashindex.KeyKind, pkWidth int) *table.NodeTable {
	idx := hashindex.New(pkKind, pkWidth)
	return table.NewNodeTable(id, cols, pkCol, idx, pkKind, pkWidth)
}

// String renders a Database for logging/debugging.
func (d *Database) String() string {
	return fmt.Sprintf("knotdb.Database{path=%s, instance=%s}", d.path, d.instanceID)
}
