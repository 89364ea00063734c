// Package shadow implements the copy-on-write page overlay used during a
// checkpoint: shadow.kz, a header followed by (original_file_idx,
// original_page_idx) keys and their full-page replacement payloads.
//
// What: Store.Put registers a replacement page; Get serves it to readers
// that must see the pre-checkpoint snapshot; Apply re-bases every shadow
// page back into its original file and clears the store, atomically with
// respect to concurrent writers because they use disjoint keys by
// construction (the transaction manager serializes checkpoint against
// begin, per spec §5).
// How: an in-memory index plus an on-disk mirror holding one record per
// key (a repeated Put rewrites that key's record in place), following the
// same header-then-records shape tinySQL's pager/wal.go uses for its own
// append-only file.
// Why: readers of the earlier snapshot stay valid until checkpoint commit
// without ever touching the original data file.
package shadow

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

const headerSize = 4 // num_shadow_pages:u32

// Store is the in-memory + on-disk shadow page overlay.
type Store struct {
	mu       sync.RWMutex
	pageSize int
	path     string
	f        *os.File
	pages    map[pagestore.Key][]byte
	order    []pagestore.Key // insertion order, for deterministic re-basing
}

// Open opens or creates shadow.kz at path and loads any pages already
// recorded there (e.g. after a crash between writing shadow pages and
// completing a checkpoint).
func Open(path string, pageSize int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.IoError, err, "open shadow file %s", path)
	}
	s := &Store{
		pageSize: pageSize,
		path:     path,
		f:        f,
		pages:    make(map[pagestore.Key][]byte),
	}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	fi, err := s.f.Stat()
	if err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "stat shadow file")
	}
	if fi.Size() < headerSize {
		return s.writeHeaderLocked(0)
	}
	hdr := make([]byte, headerSize)
	if _, err := s.f.ReadAt(hdr, 0); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "read shadow header")
	}
	n := binary.LittleEndian.Uint32(hdr)
	recSize := 8 + s.pageSize // 4+4 key ints + page payload
	off := int64(headerSize)
	for i := uint32(0); i < n; i++ {
		rec := make([]byte, recSize)
		if _, err := s.f.ReadAt(rec, off); err != nil {
			return storeerr.Wrap(storeerr.CorruptionError, err, "truncated shadow record %d", i)
		}
		key := pagestore.Key{
			File: pagestore.FileID(binary.LittleEndian.Uint32(rec[0:4])),
			Page: pagestore.PageID(binary.LittleEndian.Uint32(rec[4:8])),
		}
		payload := make([]byte, s.pageSize)
		copy(payload, rec[8:])
		s.pages[key] = payload
		s.order = append(s.order, key)
		off += int64(recSize)
	}
	return nil
}

func (s *Store) writeHeaderLocked(n uint32) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr, n)
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "write shadow header")
	}
	return nil
}

// Put registers (or overwrites) the shadow replacement for key and writes
// it to the file: a new key's record is appended, a repeated key's record
// is rewritten in place. It is fsync'd by the caller's checkpoint/commit path via
// Sync, matching the "overflow pointer published before chain link" rule
// used elsewhere: a shadow page must be fully on disk before anything
// depends on it being there.
func (s *Store) Put(key pagestore.Key, page []byte) error {
	if len(page) != s.pageSize {
		return storeerr.New(storeerr.IoError, "shadow page size %d != %d", len(page), s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := append([]byte(nil), page...)
	_, existed := s.pages[key]
	s.pages[key] = payload
	slot := len(s.order)
	if existed {
		for i, k := range s.order {
			if k == key {
				slot = i
				break
			}
		}
	} else {
		s.order = append(s.order, key)
	}
	return s.appendRecordLocked(key, payload, slot)
}

func (s *Store) appendRecordLocked(key pagestore.Key, payload []byte, slot int) error {
	rec := make([]byte, 8+s.pageSize)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(key.File))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(key.Page))
	copy(rec[8:], payload)

	off := headerSize + int64(slot)*int64(8+s.pageSize)
	if _, err := s.f.WriteAt(rec, off); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "append shadow record")
	}
	return s.writeHeaderLocked(uint32(len(s.order)))
}

// Get returns the shadow replacement for key, if one exists.
func (s *Store) Get(key pagestore.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), p...), true
}

// Len reports how many shadow pages are currently recorded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Sync fsyncs the underlying shadow file.
func (s *Store) Sync() error {
	if err := s.f.Sync(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "sync shadow file")
	}
	return nil
}

// Apply re-bases every shadow page back into its original file by calling
// writeBack(key, page) for each, in the order pages were first put, then
// clears the store (in-memory and on disk). If writeBack fails partway,
// Apply stops and returns the error; already-applied pages remain both in
// their original files and in the shadow store, so re-running Apply (as
// checkpoint idempotence requires) simply repeats those writes.
func (s *Store) Apply(writeBack func(key pagestore.Key, page []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.order {
		page := s.pages[key]
		if err := writeBack(key, page); err != nil {
			return fmt.Errorf("apply shadow page %s: %w", key, err)
		}
	}
	return s.clearLocked()
}

// Clear discards all shadow pages without applying them (used by rollback
// paths that never promoted local writes into shadow pages, and by tests).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	s.pages = make(map[pagestore.Key][]byte)
	s.order = nil
	if err := s.f.Truncate(headerSize); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "truncate shadow file")
	}
	return s.writeHeaderLocked(0)
}

// Close closes the underlying shadow file.
func (s *Store) Close() error {
	if err := s.f.Close(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "close shadow file")
	}
	return nil
}

// Path returns the shadow file's on-disk path.
func (s *Store) Path() string { return s.path }
