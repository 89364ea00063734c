// Package buffer implements the Buffer Manager: pin/unpin of page frames
// across one or more VM regions, transparently substituting shadow pages,
// and clock-sweep eviction.
//
// What: Manager.Pin(fh, idx, policy) returns a stable pointer to a frame
// and increments its pin count; Unpin decrements it; Flush writes a dirty
// frame back (to the shadow file when the caller asks for shadow routing,
// else directly to the data file); ReleaseFrame hints the region to drop physical
// backing for an unpinned frame.
// How: one region per page-size class, a fixed slot table sized for
// max_db_size/page_size, and a clock-sweep eviction cursor over the slot
// table — simpler than the teacher's doubly-linked LRU list
// (internal/storage/pager/pager.go's PageBufferPool) but upholding the same
// two guarantees: a pinned frame is never evicted, and eviction makes
// forward progress whenever any unpinned frame exists.
// Why: the buffer manager is the single place page residency and the
// shadow/file read-through policy are decided, so every other layer reads
// and writes through it instead of touching files directly.
package buffer

import (
	"sync"

	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

// ReadPolicy controls how Pin materializes a frame on a cache miss.
type ReadPolicy int

const (
	// ReadFromFile reads the page from its data file.
	ReadFromFile ReadPolicy = iota
	// AssumeInitialized zero-fills the frame without reading the file,
	// for pages the caller is about to overwrite in full (e.g. a freshly
	// allocated column chunk page).
	AssumeInitialized
	// ReadThroughShadow consults the Shadow File first and falls back to
	// the data file on a miss.
	ReadThroughShadow
)

type frameSlot struct {
	key      pagestore.Key
	valid    bool
	pinCount int32
	dirty    bool
	refBit   bool
}

// Manager is a buffer pool over a single page-size class.
type Manager struct {
	pageSize  int
	maxDBSize int64

	mu      sync.Mutex
	reg     region
	slots   []frameSlot
	byKey   map[pagestore.Key]int
	clock  int
	files  map[pagestore.FileID]*pagestore.FileHandle
	shadow *shadow.Store
}

// NewManager constructs a Manager sized for maxDBSize bytes of frames at
// pageSize each. maxDBSize must be a power of two and at least pageSize,
// per spec §4.2; violating this is a ConfigError.
func NewManager(pageSize int, maxDBSize int64, sh *shadow.Store) (*Manager, error) {
	if pageSize <= 0 || maxDBSize < int64(pageSize) {
		return nil, storeerr.New(storeerr.ConfigError, "max_db_size %d must be >= page size %d", maxDBSize, pageSize)
	}
	if maxDBSize&(maxDBSize-1) != 0 {
		return nil, storeerr.New(storeerr.ConfigError, "max_db_size %d must be a power of two", maxDBSize)
	}
	frameCount := int(maxDBSize / int64(pageSize))
	reg, err := newRegion(frameCount * pageSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pageSize:  pageSize,
		maxDBSize: maxDBSize,
		reg:       reg,
		slots:     make([]frameSlot, frameCount),
		byKey:     make(map[pagestore.Key]int, frameCount),
		files:     make(map[pagestore.FileID]*pagestore.FileHandle),
		shadow:    sh,
	}, nil
}

// RegisterFile makes fh resolvable for Pin/Flush by its FileID.
func (m *Manager) RegisterFile(fh *pagestore.FileHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fh.ID()] = fh
}

// Pin returns the frame bytes for (fid, idx), materializing it on a miss
// according to policy, and increments its pin count.
func (m *Manager) Pin(fid pagestore.FileID, idx pagestore.PageID, policy ReadPolicy) ([]byte, error) {
	key := pagestore.Key{File: fid, Page: idx}

	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.byKey[key]; ok {
		m.slots[slot].pinCount++
		m.slots[slot].refBit = true
		return m.frameBytes(slot), nil
	}

	slot, err := m.evictOrAllocateLocked()
	if err != nil {
		return nil, err
	}

	buf := m.frameBytes(slot)
	switch policy {
	case AssumeInitialized:
		for i := range buf {
			buf[i] = 0
		}
	case ReadThroughShadow:
		if page, ok := m.shadow.Get(key); ok {
			copy(buf, page)
			break
		}
		if err := m.readFromFileLocked(key, buf); err != nil {
			return nil, err
		}
	default: // ReadFromFile
		if err := m.readFromFileLocked(key, buf); err != nil {
			return nil, err
		}
	}

	m.slots[slot] = frameSlot{key: key, valid: true, pinCount: 1, refBit: true}
	m.byKey[key] = slot
	return buf, nil
}

func (m *Manager) readFromFileLocked(key pagestore.Key, buf []byte) error {
	fh, ok := m.files[key.File]
	if !ok {
		return storeerr.New(storeerr.BufferManagerError, "no file registered for file id %d", key.File)
	}
	return fh.ReadPage(key.Page, buf)
}

func (m *Manager) frameBytes(slot int) []byte {
	off := slot * m.pageSize
	return m.reg.bytes()[off : off+m.pageSize]
}

// evictOrAllocateLocked returns a free slot index, evicting via clock
// sweep if the slot table is full. Caller must hold m.mu.
func (m *Manager) evictOrAllocateLocked() (int, error) {
	for i, s := range m.slots {
		if !s.valid {
			return i, nil
		}
	}

	n := len(m.slots)
	for scanned := 0; scanned < 2*n; scanned++ {
		i := m.clock
		m.clock = (m.clock + 1) % n
		s := &m.slots[i]
		if s.pinCount > 0 {
			continue
		}
		if s.refBit {
			s.refBit = false
			continue
		}
		if s.dirty {
			if err := m.flushLocked(i, false); err != nil {
				return 0, err
			}
		}
		delete(m.byKey, s.key)
		*s = frameSlot{}
		return i, nil
	}
	return 0, storeerr.New(storeerr.BufferManagerError, "buffer pool exhausted: no evictable frame among %d slots", n)
}

// Unpin decrements the pin count for (fid, idx). Unpinning a frame that is
// not pinned is a programmer error and panics, matching the spec's
// reservation of panics for invariant violations rather than operational
// errors.
func (m *Manager) Unpin(fid pagestore.FileID, idx pagestore.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pagestore.Key{File: fid, Page: idx}
	slot, ok := m.byKey[key]
	if !ok {
		panic("buffer: unpin of a frame that is not resident")
	}
	if m.slots[slot].pinCount <= 0 {
		panic("buffer: pin count underflow")
	}
	m.slots[slot].pinCount--
}

// MarkDirty records that the resident frame for (fid, idx) has been
// modified in place by the caller (who holds a pin on it).
func (m *Manager) MarkDirty(fid pagestore.FileID, idx pagestore.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pagestore.Key{File: fid, Page: idx}
	slot, ok := m.byKey[key]
	if !ok {
		panic("buffer: mark-dirty of a frame that is not resident")
	}
	m.slots[slot].dirty = true
}

// Flush writes the dirty frame for (fid, idx) back to the shadow file (if
// routeToShadow is true) or directly to the data file, then clears the
// dirty bit. Flushing a clean or absent frame is a no-op. routeToShadow is
// the caller's own, since shadow-routing is scoped to one logical write
// (e.g. one Column.CheckpointChunk call), never to shared Manager state:
// two callers can have their page-write loops genuinely interleaved
// (concurrent commits touching different columns through the same
// Manager), and a flag toggled by one caller's defer must never affect
// the other's in-flight writes.
func (m *Manager) Flush(fid pagestore.FileID, idx pagestore.PageID, routeToShadow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pagestore.Key{File: fid, Page: idx}
	slot, ok := m.byKey[key]
	if !ok || !m.slots[slot].dirty {
		return nil
	}
	return m.flushLocked(slot, routeToShadow)
}

func (m *Manager) flushLocked(slot int, routeToShadow bool) error {
	s := &m.slots[slot]
	buf := m.frameBytes(slot)
	if routeToShadow {
		if err := m.shadow.Put(s.key, buf); err != nil {
			return err
		}
	} else {
		fh, ok := m.files[s.key.File]
		if !ok {
			return storeerr.New(storeerr.BufferManagerError, "no file registered for file id %d", s.key.File)
		}
		if err := fh.WritePage(s.key.Page, buf); err != nil {
			return err
		}
	}
	s.dirty = false
	return nil
}

// FlushAllDirty flushes every currently-dirty frame straight to its data
// file; used by checkpoint's pre-re-basing flush, which runs with new
// write transactions already gated out by the start gate, so there is no
// concurrent writer whose snapshot this could disturb.
func (m *Manager) FlushAllDirty() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].valid && m.slots[i].dirty {
			if err := m.flushLocked(i, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReleaseFrame hints the region to return the physical memory for the
// resident frame of (fid, idx) to the kernel. Idempotent; a no-op if the
// frame is not resident or still pinned.
func (m *Manager) ReleaseFrame(fid pagestore.FileID, idx pagestore.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pagestore.Key{File: fid, Page: idx}
	slot, ok := m.byKey[key]
	if !ok || m.slots[slot].pinCount > 0 {
		return nil
	}
	return m.reg.release(m.pageSize, slot)
}

// PinCount reports the current pin count for (fid, idx), 0 if not resident.
// Exposed for tests asserting the pin-count invariant.
func (m *Manager) PinCount(fid pagestore.FileID, idx pagestore.PageID) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pagestore.Key{File: fid, Page: idx}
	slot, ok := m.byKey[key]
	if !ok {
		return 0
	}
	return m.slots[slot].pinCount
}

// Close releases the underlying region.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.close()
}
