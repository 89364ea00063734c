package hashindex

import (
	"encoding/binary"

	"github.com/knotgraph/knotdb/internal/storeerr"
)

func (idx *Index) inlineSize() int {
	if idx.kind == FixedWidthKey {
		return idx.fixedWidth
	}
	return 8 // encodeOverflowRef: length:u32 + offset:u32
}

// serializeLocked dumps the whole index (bucket chains + overflow area) to
// a single contiguous byte blob. Caller must hold rebuildMu for writing.
func (idx *Index) serializeLocked() []byte {
	inlineSize := idx.inlineSize()
	entrySize := 1 + 1 + 4 + inlineSize + 8 // occupied, tombstone, fingerprint, inline, value

	var out []byte
	hdr := make([]byte, 1+4+4+4)
	hdr[0] = byte(idx.kind)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(idx.fixedWidth))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(idx.buckets)))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(idx.overflowArea)))
	out = append(out, hdr...)

	for _, b := range idx.buckets {
		chain := chainOf(b)
		chainLenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(chainLenBuf, uint32(len(chain)))
		out = append(out, chainLenBuf...)
		for _, page := range chain {
			page.mu.RLock()
			out = append(out, byte(page.count))
			for i := 0; i < page.count; i++ {
				e := page.entries[i]
				rec := make([]byte, entrySize)
				if e.occupied {
					rec[0] = 1
				}
				if e.tombstone {
					rec[1] = 1
				}
				binary.LittleEndian.PutUint32(rec[2:6], e.fingerprint)
				copy(rec[6:6+inlineSize], e.inline)
				binary.LittleEndian.PutUint64(rec[6+inlineSize:6+inlineSize+8], e.value)
				out = append(out, rec...)
			}
			page.mu.RUnlock()
		}
	}

	idx.overflowMu.Lock()
	out = append(out, idx.overflowArea...)
	idx.overflowMu.Unlock()
	return out
}

func chainOf(b *bucketPage) []*bucketPage {
	var chain []*bucketPage
	for b != nil {
		chain = append(chain, b)
		b = b.overflow
	}
	return chain
}

// deserialize reconstructs an Index from a blob previously produced by
// serializeLocked.
func deserialize(blob []byte) (*Index, error) {
	if len(blob) < 13 {
		return nil, storeerr.New(storeerr.CorruptionError, "hash index blob too short: %d bytes", len(blob))
	}
	kind := KeyKind(blob[0])
	fixedWidth := int(binary.LittleEndian.Uint32(blob[1:5]))
	bucketCount := int(binary.LittleEndian.Uint32(blob[5:9]))
	overflowLen := int(binary.LittleEndian.Uint32(blob[9:13]))
	off := 13

	idx := &Index{kind: kind, fixedWidth: fixedWidth}
	idx.buckets = make([]*bucketPage, bucketCount)
	idx.mask = uint64(bucketCount - 1)

	inlineSize := idx.inlineSize()
	entrySize := 1 + 1 + 4 + inlineSize + 8

	for i := 0; i < bucketCount; i++ {
		if off+4 > len(blob) {
			return nil, storeerr.New(storeerr.CorruptionError, "hash index blob truncated at bucket %d", i)
		}
		chainLen := int(binary.LittleEndian.Uint32(blob[off : off+4]))
		off += 4
		var head, tail *bucketPage
		for c := 0; c < chainLen; c++ {
			if off >= len(blob) {
				return nil, storeerr.New(storeerr.CorruptionError, "hash index blob truncated in bucket %d chain", i)
			}
			count := int(blob[off])
			off++
			page := &bucketPage{count: count}
			for e := 0; e < count; e++ {
				if off+entrySize > len(blob) {
					return nil, storeerr.New(storeerr.CorruptionError, "hash index blob truncated reading entry")
				}
				rec := blob[off : off+entrySize]
				off += entrySize
				ent := entry{
					occupied:    rec[0] == 1,
					tombstone:   rec[1] == 1,
					fingerprint: binary.LittleEndian.Uint32(rec[2:6]),
					inline:      append([]byte(nil), rec[6:6+inlineSize]...),
					value:       binary.LittleEndian.Uint64(rec[6+inlineSize : 6+inlineSize+8]),
				}
				page.entries[e] = ent
				if ent.occupied && !ent.tombstone {
					idx.count++
				}
			}
			if head == nil {
				head = page
			} else {
				tail.overflow = page
			}
			tail = page
		}
		if head == nil {
			head = &bucketPage{}
		}
		idx.buckets[i] = head
	}

	if off+overflowLen > len(blob) {
		return nil, storeerr.New(storeerr.CorruptionError, "hash index blob truncated in overflow area")
	}
	idx.overflowArea = append([]byte(nil), blob[off:off+overflowLen]...)
	return idx, nil
}
