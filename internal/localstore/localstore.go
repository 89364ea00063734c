// Package localstore implements the per-transaction write overlay: values
// a write transaction has staged but not yet committed into columns.
//
// What: for each (table_id, column_id) pair, two maps from row offset to
// a position in an in-memory chunk collection — insert (offset is new,
// beyond the persistent row count at the transaction's snapshot) and
// update (offset already existed persistently). A read composes local
// storage over persistent storage: local wins when present.
// How: grounded in tinySQL's mvcc.go versioned-row overlay (a
// transaction-scoped map of pending writes consulted before falling
// through to the committed backend), adapted from whole-row MVCC
// versions to per-column offset maps since this module's columns are
// independently chunked.
// Why: resolves the row_idx/offset Open Question explicitly: the map key
// here is always the row offset (what a committed scan would report),
// never row_idx (purely a position inside Chunks). Key() is the only
// sanctioned way to address into insert/update, so that distinction
// cannot be violated by accident elsewhere in the codebase.
package localstore

import "sync"

// ColumnKey identifies one (table, column) pair's overlay.
type ColumnKey struct {
	TableID  uint32
	ColumnID uint32
}

// Key builds the row-offset key used inside one ColumnKey's insert/update
// maps. offset is always the table-relative row offset, never a row_idx
// into Chunks.
func Key(tableID, columnID uint32, offset uint64) (ColumnKey, uint64) {
	return ColumnKey{TableID: tableID, ColumnID: columnID}, offset
}

// entry is one staged write: the row index into Chunks where the actual
// value bytes live, and the sequence number establishing last-writer-wins
// order between two writes to the same (column, offset).
type entry struct {
	rowIdx int
	seq    uint64
}

type overlay struct {
	insert map[uint64]entry
	update map[uint64]entry
}

// Chunk is one staged value: its encoded bytes and whether it is null.
type Chunk struct {
	Value []byte
	Null  bool
}

// Hook is a pending side effect outside the column overlay itself — e.g.
// NodeTable.Insert registering a primary-key reservation that must land
// in the persistent hash index on commit, or be released on rollback.
type Hook struct {
	Commit   func() error
	Rollback func()
}

// Store is one transaction's local write overlay across every column it
// has touched.
type Store struct {
	mu       sync.Mutex
	overlays map[ColumnKey]*overlay
	chunks   []Chunk
	nextSeq  uint64
	hooks    []Hook
}

// New creates an empty per-transaction overlay.
func New() *Store {
	return &Store{overlays: make(map[ColumnKey]*overlay)}
}

func (s *Store) overlayFor(ck ColumnKey) *overlay {
	o, ok := s.overlays[ck]
	if !ok {
		o = &overlay{insert: make(map[uint64]entry), update: make(map[uint64]entry)}
		s.overlays[ck] = o
	}
	return o
}

// StageInsert records a newly inserted row at offset (beyond the
// persistent row count at this transaction's snapshot) for (tableID,
// columnID), storing the value in the transaction-local chunk
// collection.
func (s *Store) StageInsert(tableID, columnID uint32, offset uint64, value []byte, null bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, off := Key(tableID, columnID, offset)
	o := s.overlayFor(ck)
	s.nextSeq++
	idx := len(s.chunks)
	s.chunks = append(s.chunks, Chunk{Value: value, Null: null})
	o.insert[off] = entry{rowIdx: idx, seq: s.nextSeq}
}

// StageUpdate records an update to an already-persistent row at offset
// for (tableID, columnID).
func (s *Store) StageUpdate(tableID, columnID uint32, offset uint64, value []byte, null bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, off := Key(tableID, columnID, offset)
	o := s.overlayFor(ck)
	s.nextSeq++
	idx := len(s.chunks)
	s.chunks = append(s.chunks, Chunk{Value: value, Null: null})
	// Last-writer-wins: only replace if this write is newer than the
	// one already staged for this exact offset.
	if existing, ok := o.update[off]; !ok || s.nextSeq > existing.seq {
		o.update[off] = entry{rowIdx: idx, seq: s.nextSeq}
	}
}

// Lookup returns the staged value for (tableID, columnID, offset), and
// true if either the insert or update map holds it (insert takes
// precedence, since a row cannot be both newly inserted and a pending
// update to a pre-existing persistent row within one transaction).
func (s *Store) Lookup(tableID, columnID uint32, offset uint64) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, off := Key(tableID, columnID, offset)
	o, ok := s.overlays[ck]
	if !ok {
		return Chunk{}, false
	}
	if e, ok := o.insert[off]; ok {
		return s.chunks[e.rowIdx], true
	}
	if e, ok := o.update[off]; ok {
		return s.chunks[e.rowIdx], true
	}
	return Chunk{}, false
}

// DeleteTombstone marks offset as deleted by staging an update with a nil
// value and Null set. Local storage does not distinguish a deletion
// tombstone from a null update, and neither does commit: it writes the
// tombstone as a TableUpdate WAL record, not a TableDelete record, and
// does not touch the PK index.
func (s *Store) DeleteTombstone(tableID, columnID uint32, offset uint64) {
	s.StageUpdate(tableID, columnID, offset, nil, true)
}

// ForEach iterates every staged (ColumnKey, offset, Chunk, isInsert) in
// the overlay, for commit to drain into columns. Iteration order over
// maps is unspecified, matching Go's own map iteration guarantees;
// callers that need a deterministic commit order must sort by offset
// themselves (the Transaction Manager does, for WAL record ordering).
func (s *Store) ForEach(visit func(ck ColumnKey, offset uint64, chunk Chunk, isInsert bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ck, o := range s.overlays {
		for off, e := range o.insert {
			visit(ck, off, s.chunks[e.rowIdx], true)
		}
		for off, e := range o.update {
			visit(ck, off, s.chunks[e.rowIdx], false)
		}
	}
}

// AddHook registers a pending side effect to resolve at commit (Commit)
// or rollback (Rollback), e.g. a primary-key reservation made outside
// the column overlay itself. Either field may be nil.
func (s *Store) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// RunCommitHooks runs every registered hook's Commit side effect, in
// registration order, stopping at the first error (the caller's commit
// fails at that point; already-run hooks are not unwound, matching this
// module's WAL-sync failure semantics elsewhere — commit failures abort
// the transaction rather than attempting partial rollback).
func (s *Store) RunCommitHooks() error {
	s.mu.Lock()
	hooks := s.hooks
	s.mu.Unlock()
	for _, h := range hooks {
		if h.Commit == nil {
			continue
		}
		if err := h.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops every staged write and runs each hook's Rollback side
// effect, for rollback.
func (s *Store) Discard() {
	s.mu.Lock()
	hooks := s.hooks
	s.overlays = make(map[ColumnKey]*overlay)
	s.chunks = nil
	s.nextSeq = 0
	s.hooks = nil
	s.mu.Unlock()
	for _, h := range hooks {
		if h.Rollback != nil {
			h.Rollback()
		}
	}
}
