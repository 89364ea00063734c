// Package hashindex implements the primary-key hash index: bulk build,
// concurrent point lookup, and page-backed persistence.
//
// What: a power-of-two array of buckets, each an inline run of
// (fingerprint, key-or-offset, value) entries, chained to overflow buckets
// when a bucket page fills. Fixed-width keys (e.g. INT64 primary keys) are
// stored inline; variable-width keys (STRING) are stored in an overflow
// byte area with (length, offset) recorded in the slot.
// How: grounded in the page/slot vocabulary of tinySQL's
// internal/storage/pager/slotted_page.go and btree_page.go (fixed-capacity
// per-page slot arrays, chaining across pages on overflow) but specialized
// to hashing instead of ordered B+Tree search, per spec §4.3.
// Why: this is the one sub-component that must serve many concurrent
// readers with no global lock in steady state while still supporting a
// single-writer bulk-build phase — bucket-granularity locking gets both
// without unsafe tricks.
package hashindex

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

// KeyKind distinguishes inline fixed-width keys from out-of-line variable
// width (string) keys.
type KeyKind uint8

const (
	FixedWidthKey KeyKind = iota
	VariableWidthKey
)

// bucketCapacity is the number of inline entries held by one bucket page
// before it chains to an overflow bucket.
const bucketCapacity = 4

const defaultBucketCount = 16

type entry struct {
	occupied    bool
	tombstone   bool
	fingerprint uint32
	// inline holds the fixed-width key bytes (FixedWidthKey) or, for
	// VariableWidthKey, an encoded (length:u32, offset:u32) pair into the
	// overflow area.
	inline []byte
	value  uint64
}

type bucketPage struct {
	mu       sync.RWMutex
	entries  [bucketCapacity]entry
	count    int
	overflow *bucketPage // published only once fully populated
}

// Index is a primary-key hash index over keys of one KeyKind.
type Index struct {
	kind       KeyKind
	fixedWidth int // byte width of inline keys when kind == FixedWidthKey

	// rebuildMu is the exclusive lock a rebuild (triggered by BulkReserve
	// after appends, or geometric rehash) takes; it blocks all lookups and
	// appends while held. Steady-state lookups only acquire a bucket's own
	// RWMutex.
	rebuildMu sync.RWMutex

	buckets []*bucketPage
	mask    uint64

	overflowMu   sync.Mutex
	overflowArea []byte

	count int // live (non-tombstone) entries, for load-factor decisions
}

// New creates an empty index. fixedWidth is ignored for VariableWidthKey.
func New(kind KeyKind, fixedWidth int) *Index {
	idx := &Index{kind: kind, fixedWidth: fixedWidth}
	idx.resize(defaultBucketCount)
	return idx
}

func (idx *Index) resize(bucketCount int) {
	n := nextPowerOfTwo(bucketCount)
	buckets := make([]*bucketPage, n)
	for i := range buckets {
		buckets[i] = &bucketPage{}
	}
	idx.buckets = buckets
	idx.mask = uint64(n - 1)
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

func fingerprintOf(h uint64) uint32 {
	return uint32(h >> 32)
}

// BulkReserve sizes the bucket array so the load factor after n inserts
// stays below ~0.5 (n/(bucketCapacity*bucketCount) < 0.5). Must be called
// before bulk append for predictable performance; skipping it is not an
// error, only a cause of geometric rehashes during Append. The resize
// takes the exclusive rebuild lock, serialized against all lookups.
func (idx *Index) BulkReserve(n int) {
	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()
	targetBuckets := (n*2)/bucketCapacity + 1
	if targetBuckets <= len(idx.buckets) {
		return
	}
	old := idx.buckets
	idx.resize(targetBuckets)
	idx.count = 0
	for _, b := range old {
		for b != nil {
			for i := 0; i < b.count; i++ {
				e := b.entries[i]
				if e.occupied && !e.tombstone {
					idx.insertLocked(e.fingerprint, e.inline, e.value)
					idx.count++
				}
			}
			b = b.overflow
		}
	}
}

// Append hashes key, probes from the resulting bucket left-to-right, and
// writes the entry into the first empty sub-slot, chaining to an overflow
// bucket when the target bucket is full. Returns DuplicateKey if an
// occupied, non-tombstone entry with an equal full key is found along the
// probe path.
func (idx *Index) Append(key []byte, value uint64) error {
	idx.rebuildMu.RLock()

	encoded, err := idx.encode(key)
	if err != nil {
		idx.rebuildMu.RUnlock()
		return err
	}
	h := hashBytes(key)
	fp := fingerprintOf(h)

	if idx.findLocked(h, fp, key) != nil {
		idx.rebuildMu.RUnlock()
		return storeerr.New(storeerr.DuplicateKey, "key already present in index")
	}
	idx.insertLocked(fp, encoded, value)
	idx.count++
	n := idx.count
	grow := n*2 > bucketCapacity*len(idx.buckets)
	idx.rebuildMu.RUnlock()
	if grow {
		// Geometric rehash once the load factor passes 0.5.
		idx.BulkReserve(n)
	}
	return nil
}

// insertLocked assumes the caller already checked for duplicates (or is
// replaying from a rehash, where duplicates cannot occur). Caller must
// hold at least rebuildMu.RLock (or Lock during a rehash).
func (idx *Index) insertLocked(fp uint32, encoded []byte, value uint64) {
	slot := fp64(fp) & idx.mask
	b := idx.buckets[slot]
	for {
		b.mu.Lock()
		if b.count < bucketCapacity {
			b.entries[b.count] = entry{occupied: true, fingerprint: fp, inline: encoded, value: value}
			b.count++
			b.mu.Unlock()
			return
		}
		next := b.overflow
		if next == nil {
			next = &bucketPage{}
			next.entries[0] = entry{occupied: true, fingerprint: fp, inline: encoded, value: value}
			next.count = 1
			// Publish the overflow pointer only after the new page is
			// fully populated, so a concurrent reader never follows a
			// dangling pointer.
			b.overflow = next
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b = next
	}
}

func fp64(fp uint32) uint64 { return uint64(fp) }

// Lookup returns the stored value for key and true on a hit, or false on a
// miss. Safe for many concurrent callers provided no concurrent mutation of
// the same bucket (a concurrent Append elsewhere proceeds independently).
func (idx *Index) Lookup(key []byte) (uint64, bool) {
	idx.rebuildMu.RLock()
	defer idx.rebuildMu.RUnlock()

	h := hashBytes(key)
	fp := fingerprintOf(h)
	e := idx.findLocked(h, fp, key)
	if e == nil {
		return 0, false
	}
	return e.value, true
}

// findLocked returns the matching entry, or nil on a miss. It rejects a
// slot as soon as the fingerprint mismatches, without touching the
// overflow area, and treats tombstones as probe-continue rather than
// probe-stop.
func (idx *Index) findLocked(h uint64, fp uint32, key []byte) *entry {
	slot := fp64(fp) & idx.mask
	b := idx.buckets[slot]
	for b != nil {
		b.mu.RLock()
		for i := 0; i < b.count; i++ {
			e := &b.entries[i]
			if !e.occupied || e.fingerprint != fp {
				continue
			}
			if !idx.keyEquals(e, key) {
				continue
			}
			if e.tombstone {
				continue
			}
			result := *e
			b.mu.RUnlock()
			return &result
		}
		next := b.overflow
		b.mu.RUnlock()
		b = next
	}
	return nil
}

func (idx *Index) keyEquals(e *entry, key []byte) bool {
	switch idx.kind {
	case FixedWidthKey:
		return bytesEqual(e.inline, key)
	default:
		offset, length := decodeOverflowRef(e.inline)
		idx.overflowMu.Lock()
		stored := idx.overflowArea[offset : offset+length]
		idx.overflowMu.Unlock()
		return bytesEqual(stored, key)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encode returns the slot's inline representation for key: the raw bytes
// for FixedWidthKey, or a (length, offset) pair into the overflow area for
// VariableWidthKey.
func (idx *Index) encode(key []byte) ([]byte, error) {
	if idx.kind == FixedWidthKey {
		if len(key) != idx.fixedWidth {
			return nil, storeerr.New(storeerr.TypeError, "fixed-width key is %d bytes, want %d", len(key), idx.fixedWidth)
		}
		return append([]byte(nil), key...), nil
	}
	idx.overflowMu.Lock()
	offset := uint32(len(idx.overflowArea))
	idx.overflowArea = append(idx.overflowArea, key...)
	idx.overflowMu.Unlock()
	return encodeOverflowRef(offset, uint32(len(key))), nil
}

func encodeOverflowRef(offset, length uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], length)
	binary.LittleEndian.PutUint32(b[4:8], offset)
	return b
}

func decodeOverflowRef(b []byte) (offset, length uint32) {
	length = binary.LittleEndian.Uint32(b[0:4])
	offset = binary.LittleEndian.Uint32(b[4:8])
	return offset, length
}

// LookupBatch is the vectorized form of Lookup: for each i where
// nullMask[i] is false, it looks up keys[i] and sets outOffsets[i] plus the
// returned hit mask entry. Entries where nullMask[i] is true are skipped
// (treated as miss) without hashing, matching the null-respecting contract
// every vectorized scan operation in the engine follows.
func (idx *Index) LookupBatch(keys [][]byte, nullMask []bool, outOffsets []uint64) []bool {
	hits := make([]bool, len(keys))
	for i, k := range keys {
		if nullMask != nil && i < len(nullMask) && nullMask[i] {
			continue
		}
		if v, ok := idx.Lookup(k); ok {
			outOffsets[i] = v
			hits[i] = true
		}
	}
	return hits
}

// Delete marks key's entry as a tombstone (lazy deletion): subsequent
// lookups treat it as probe-continue, not probe-stop, matching spec §4.3.
func (idx *Index) Delete(key []byte) bool {
	idx.rebuildMu.RLock()
	defer idx.rebuildMu.RUnlock()

	h := hashBytes(key)
	fp := fingerprintOf(h)
	slot := fp64(fp) & idx.mask
	b := idx.buckets[slot]
	for b != nil {
		b.mu.Lock()
		for i := 0; i < b.count; i++ {
			e := &b.entries[i]
			if e.occupied && !e.tombstone && e.fingerprint == fp && idx.keyEquals(e, key) {
				e.tombstone = true
				b.mu.Unlock()
				idx.count--
				return true
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
	return false
}

// Count returns the number of live (non-tombstone) entries.
func (idx *Index) Count() int {
	idx.rebuildMu.RLock()
	defer idx.rebuildMu.RUnlock()
	return idx.count
}

// Flush writes the index's slot pages through the buffer manager,
// establishing their persistent page range on fh, and returns the page
// range [firstPage, lastPage) occupied.
func (idx *Index) Flush(bm *buffer.Manager, fh *pagestore.FileHandle) (pagestore.PageID, pagestore.PageID, error) {
	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()

	blob := idx.serializeLocked()
	pageSize := fh.PageSize()
	numPages := (len(blob) + pageSize - 1) / pageSize
	if numPages == 0 {
		numPages = 1
	}

	first := pagestore.PageID(0)
	for i := 0; i < numPages; i++ {
		pid, err := fh.AddNewPage()
		if err != nil {
			return 0, 0, err
		}
		if i == 0 {
			first = pid
		}
		buf, err := bm.Pin(fh.ID(), pid, buffer.AssumeInitialized)
		if err != nil {
			return 0, 0, err
		}
		start := i * pageSize
		end := start + pageSize
		if end > len(blob) {
			end = len(blob)
		}
		copy(buf, blob[start:end])
		bm.MarkDirty(fh.ID(), pid)
		// routeToShadow=false: pid is a page fh.AddNewPage just allocated,
		// never previously readable, so no snapshot has a prior version of
		// it to preserve.
		if err := bm.Flush(fh.ID(), pid, false); err != nil {
			bm.Unpin(fh.ID(), pid)
			return 0, 0, err
		}
		bm.Unpin(fh.ID(), pid)
	}
	return first, first + pagestore.PageID(numPages), nil
}

// Load reconstructs an Index previously written by Flush, reading pages
// [first, last) from fh directly (bypassing the buffer manager, as a bulk
// sequential load does not benefit from caching individual pages).
func Load(fh *pagestore.FileHandle, first, last pagestore.PageID) (*Index, error) {
	pageSize := fh.PageSize()
	blob := make([]byte, 0, int(last-first)*pageSize)
	buf := make([]byte, pageSize)
	for p := first; p < last; p++ {
		if err := fh.ReadPage(p, buf); err != nil {
			return nil, err
		}
		blob = append(blob, buf...)
	}
	return deserialize(blob)
}
