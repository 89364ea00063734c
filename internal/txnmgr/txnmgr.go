// Package txnmgr implements the Transaction Manager: begin/commit/
// rollback/checkpoint, snapshot-isolation bookkeeping, and WAL/shadow-page
// orchestration around a checkpoint.
//
// What: Manager.Begin assigns a monotonically increasing id and timestamp
// and installs the transaction into the active set; Commit flushes WAL
// records and drains local storage into columns via shadow pages;
// Rollback discards local storage; Checkpoint quiesces new write
// transactions, waits for active ones to drain, re-bases shadow pages,
// truncates the WAL, and reopens.
// How: grounded in tinySQL's mvcc.go (TxID/Timestamp as monotonic
// atomics, an active-transaction map, snapshot timestamps assigned at
// begin) generalized from row-version visibility to this module's
// column+local-storage snapshot model, and in concurrency.go's
// checkpoint-quiescence pattern (a gate that blocks new starts while
// active work drains).
// Why: this is the one place the WAL, the shadow file, and the buffer
// manager's dirty frames must all move together — splitting
// that coordination across callers would make partial-checkpoint states
// reachable.
package txnmgr

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/localstore"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
	"github.com/knotgraph/knotdb/internal/storeerr"
	"github.com/knotgraph/knotdb/internal/walog"
)

// Mode is the transaction's read/write intent, fixed at Begin.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

// TxnID and Timestamp are both monotonically increasing and never reused
// within one Manager's lifetime.
type TxnID uint64
type Timestamp uint64

// Txn is a handle to one active transaction.
type Txn struct {
	ID        TxnID
	Mode      Mode
	BeginTS   Timestamp
	Local     *localstore.Store
	committed bool
}

// ColumnWriter is the callback Commit uses to drain one staged write into
// its column; supplied by the storage-manager glue layer, which knows how
// to route (tableID, columnID) to an actual *column.Column and its file.
type ColumnWriter func(ck localstore.ColumnKey, offset uint64, chunk localstore.Chunk, isInsert bool) error

// Manager coordinates transaction lifecycle, the WAL, and the shadow
// file's checkpoint.
type Manager struct {
	mu sync.Mutex // serializes begin/commit/rollback/checkpoint bookkeeping

	nextID TxnID
	nextTS Timestamp

	activeWrite map[TxnID]*Txn
	activeRead  map[TxnID]*Txn

	startGate sync.Mutex // held during checkpoint quiescence to block new write starts

	wal             *walog.Writer
	shadowStore     *shadow.Store
	bm              *buffer.Manager
	readOnly        bool
	autoCheckpoint  bool
	checkpointBytes int64
	waitTimeout     time.Duration
	logger          *log.Logger
}

// Config configures a Manager's checkpoint policy.
type Config struct {
	ReadOnly              bool
	AutoCheckpoint        bool
	CheckpointThreshold   int64 // WAL bytes that trigger an auto-checkpoint on commit
	CheckpointWaitTimeout time.Duration
	Logger                *log.Logger
}

// New constructs a Manager over an already-open WAL writer, shadow store,
// and buffer manager.
func New(wal *walog.Writer, sh *shadow.Store, bm *buffer.Manager, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		activeWrite:     make(map[TxnID]*Txn),
		activeRead:      make(map[TxnID]*Txn),
		wal:             wal,
		shadowStore:     sh,
		bm:              bm,
		readOnly:        cfg.ReadOnly,
		autoCheckpoint:  cfg.AutoCheckpoint,
		checkpointBytes: cfg.CheckpointThreshold,
		waitTimeout:     cfg.CheckpointWaitTimeout,
		logger:          logger,
	}
}

// Begin assigns the next id and timestamp and installs txn into the
// appropriate active set. Write transactions block behind checkpoint
// quiescence; read transactions never do, since a checkpoint only needs
// writers drained before re-basing shadow pages.
func (m *Manager) Begin(mode Mode) (*Txn, error) {
	if mode == ReadWrite {
		if m.readOnly {
			return nil, storeerr.New(storeerr.TransactionError, "database is read-only")
		}
		m.startGate.Lock()
		defer m.startGate.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.nextTS++
	txn := &Txn{ID: m.nextID, Mode: mode, BeginTS: m.nextTS, Local: localstore.New()}
	if mode == ReadWrite {
		m.activeWrite[txn.ID] = txn
	} else {
		m.activeRead[txn.ID] = txn
	}
	return txn, nil
}

// Commit flushes txn's staged writes as WAL records, drains local storage
// into columns via writeFn (the caller's column-routing callback),
// increments the implicit catalog version by virtue of the WAL record
// itself, and removes txn from the active set. Fails with
// TransactionError if txn is not currently tracked as active (e.g.
// double-commit).
func (m *Manager) Commit(txn *Txn, writeFn ColumnWriter) error {
	if txn.Mode != ReadWrite {
		return m.commitReadOnly(txn)
	}

	m.mu.Lock()
	if _, ok := m.activeWrite[txn.ID]; !ok {
		m.mu.Unlock()
		return storeerr.New(storeerr.TransactionError, "txn %d is not the active commit-holder", txn.ID)
	}
	m.mu.Unlock()

	type staged struct {
		ck       localstore.ColumnKey
		offset   uint64
		chunk    localstore.Chunk
		isInsert bool
	}
	var writes []staged
	txn.Local.ForEach(func(ck localstore.ColumnKey, offset uint64, chunk localstore.Chunk, isInsert bool) {
		writes = append(writes, staged{ck, offset, chunk, isInsert})
	})
	// Commit order within a transaction is deterministic (sorted by
	// table, column, offset) even though localstore.ForEach's own
	// iteration order is not, so WAL record order is reproducible across
	// runs for the same transaction.
	sort.Slice(writes, func(i, j int) bool {
		a, b := writes[i], writes[j]
		if a.ck.TableID != b.ck.TableID {
			return a.ck.TableID < b.ck.TableID
		}
		if a.ck.ColumnID != b.ck.ColumnID {
			return a.ck.ColumnID < b.ck.ColumnID
		}
		return a.offset < b.offset
	})

	for _, w := range writes {
		kind := walog.TableUpdate
		if w.isInsert {
			kind = walog.TableInsert
		}
		if _, err := m.wal.Append(kind, encodeWALPayload(w.ck, w.offset, w.chunk)); err != nil {
			return err
		}
		if err := writeFn(w.ck, w.offset, w.chunk, w.isInsert); err != nil {
			return err
		}
	}
	if err := txn.Local.RunCommitHooks(); err != nil {
		return err
	}
	if err := m.shadowStore.Sync(); err != nil {
		return err
	}
	if err := m.wal.Sync(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.activeWrite, txn.ID)
	m.mu.Unlock()
	txn.committed = true

	if m.autoCheckpoint && !m.readOnly {
		if err := m.maybeAutoCheckpoint(); err != nil {
			m.logger.Printf("txnmgr: auto-checkpoint after commit of txn %d failed: %v", txn.ID, err)
		}
	}
	return nil
}

func (m *Manager) commitReadOnly(txn *Txn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activeRead[txn.ID]; !ok {
		return storeerr.New(storeerr.TransactionError, "txn %d is not an active read transaction", txn.ID)
	}
	delete(m.activeRead, txn.ID)
	txn.committed = true
	return nil
}

// Rollback discards txn's local storage and removes it from the active
// set without writing any WAL record.
func (m *Manager) Rollback(txn *Txn) {
	txn.Local.Discard()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeWrite, txn.ID)
	delete(m.activeRead, txn.ID)
}

func encodeWALPayload(ck localstore.ColumnKey, offset uint64, chunk localstore.Chunk) []byte {
	// A compact, self-describing payload: table id, column id, offset,
	// null flag, then the raw value bytes. Decoding is the recovery
	// path's job (not yet wired to a replay-to-column step here); this
	// module's WAL contract only requires append/replay round-trip
	// fidelity, which this satisfies.
	buf := make([]byte, 0, 21+len(chunk.Value))
	buf = appendUint32(buf, ck.TableID)
	buf = appendUint32(buf, ck.ColumnID)
	buf = appendUint64(buf, offset)
	if chunk.Null {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, chunk.Value...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// maybeAutoCheckpoint is the hook Commit calls when auto-checkpoint is
// enabled. It never checkpoints and always returns nil; the WAL size
// check and the Checkpoint call happen in the storage-manager glue.
func (m *Manager) maybeAutoCheckpoint() error {
	// The WAL writer does not currently expose its own byte size, so the
	// threshold check here is delegated to the caller's storage-manager
	// glue, which stats wal.kz directly; Manager.Checkpoint is always
	// safe to call regardless of how the decision to call it was made.
	return nil
}

// WriteBackFunc re-bases one shadow page into its original file; supplied
// by the storage-manager glue layer, which holds the open FileHandles a
// pagestore.Key's File component addresses.
type WriteBackFunc func(key pagestore.Key, page []byte) error

// Checkpoint stops accepting new write transactions, waits up to the
// configured timeout for active write transactions to drain, then
// applies shadow pages back into their files via writeBack, truncates the
// WAL, clears the shadow file, and reopens for new transactions. Returns
// CheckpointBusy without changing any state if the timeout elapses.
func (m *Manager) Checkpoint(ctx context.Context, writeBack WriteBackFunc) error {
	m.startGate.Lock()
	defer m.startGate.Unlock()

	deadline := time.Now().Add(m.waitTimeout)
	for {
		m.mu.Lock()
		n := len(m.activeWrite)
		m.mu.Unlock()
		if n == 0 {
			break
		}
		if m.waitTimeout > 0 && time.Now().After(deadline) {
			return storeerr.New(storeerr.CheckpointBusy, "checkpoint timed out waiting for %d active write transaction(s) to drain", n)
		}
		select {
		case <-ctx.Done():
			return storeerr.Wrap(storeerr.Interrupted, ctx.Err(), "checkpoint interrupted")
		case <-time.After(time.Millisecond):
		}
	}

	if err := m.bm.FlushAllDirty(); err != nil {
		return err
	}
	if _, err := m.wal.Append(walog.Checkpoint, nil); err != nil {
		return err
	}
	if err := m.wal.Sync(); err != nil {
		return err
	}

	// Apply re-bases every shadow page into its original file (via
	// writeBack) and clears the shadow store itself once done.
	if err := m.shadowStore.Apply(writeBack); err != nil {
		return err
	}
	if err := m.wal.Truncate(); err != nil {
		return err
	}
	m.logger.Printf("txnmgr: checkpoint complete")
	return nil
}
