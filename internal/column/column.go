// Package column implements the on-disk columnar storage unit: a Column
// owns one chunk per node group, each chunk a run of typed values
// plus a null bitmask and min/max/null-guarantee stats.
//
// What: PhysicalType is the closed set of value encodings every higher
// layer (table, local storage) speaks in terms of. ColumnChunk is the
// in-memory staging area for one chunk's values before/after a page
// round trip; Column tracks, per node group, the page range and
// compression metadata the chunk was last flushed under.
// How: grounded in tinySQL's CatalogColumn/DataType closed-string-enum
// pattern (internal/storage/catalog.go), generalized to a typed Go enum
// since this layer is below the catalog, not a catalog entry itself.
// Why: stats-driven chunk skipping and shadow-paged checkpointing both
// need a single place that knows the page range a node group's chunk
// currently lives at, separate from the value bytes themselves.
package column

import (
	"encoding/binary"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

// PhysicalType is the closed set of value encodings a Column can hold.
type PhysicalType uint8

const (
	BOOL PhysicalType = iota
	INT8
	INT16
	INT32
	INT64
	UINT8
	UINT16
	UINT32
	UINT64
	INT128
	FLOAT32
	FLOAT64
	DATE
	TIMESTAMP
	INTERVAL
	STRING
	BLOB
	FIXED_LIST
	VAR_LIST
	STRUCT
	MAP // represented as VAR_LIST<STRUCT<key,value>>
	INTERNAL_ID // struct of (offset, table_id)
	NODE_ID
)

func (t PhysicalType) String() string {
	switch t {
	case BOOL:
		return "BOOL"
	case INT8:
		return "INT8"
	case INT16:
		return "INT16"
	case INT32:
		return "INT32"
	case INT64:
		return "INT64"
	case UINT8:
		return "UINT8"
	case UINT16:
		return "UINT16"
	case UINT32:
		return "UINT32"
	case UINT64:
		return "UINT64"
	case INT128:
		return "INT128"
	case FLOAT32:
		return "FLOAT32"
	case FLOAT64:
		return "FLOAT64"
	case DATE:
		return "DATE"
	case TIMESTAMP:
		return "TIMESTAMP"
	case INTERVAL:
		return "INTERVAL"
	case STRING:
		return "STRING"
	case BLOB:
		return "BLOB"
	case FIXED_LIST:
		return "FIXED_LIST"
	case VAR_LIST:
		return "VAR_LIST"
	case STRUCT:
		return "STRUCT"
	case MAP:
		return "MAP"
	case INTERNAL_ID:
		return "INTERNAL_ID"
	case NODE_ID:
		return "NODE_ID"
	default:
		return "UNKNOWN"
	}
}

// isNested reports whether values of t are composed of Children columns
// rather than a flat value slice.
func (t PhysicalType) isNested() bool {
	switch t {
	case FIXED_LIST, VAR_LIST, STRUCT, MAP, INTERNAL_ID:
		return true
	default:
		return false
	}
}

// PageRange is a half-open [First, Last) span of pages within a file.
type PageRange struct {
	First pagestore.PageID
	Last  pagestore.PageID
}

func (r PageRange) Len() int { return int(r.Last - r.First) }

// CompressionKind tags the CompressionMetadata union.
type CompressionKind uint8

const (
	Uncompressed CompressionKind = iota
	DictionaryEncoded
)

// CompressionMetadata is the tagged union resolving the compression
// descriptor shape: Uncompressed carries nothing, DictionaryEncoded
// carries the page range of the dictionary. New schemes extend this
// union without changing any caller that already handles the tag.
type CompressionMetadata struct {
	Kind     CompressionKind
	DictPage PageRange // meaningful only when Kind == DictionaryEncoded
}

// Stats tracks per-chunk min/max and null guarantees. Min/Max are encoded
// value bytes in the column's own encoding (so comparison and merge never
// need to know the PhysicalType's native Go representation).
type Stats struct {
	Min                []byte
	Max                []byte
	GuaranteedNoNulls  bool
	GuaranteedAllNulls bool
}

// Merge returns the widened stats resulting from combining s and other:
// the min/max span both, and the guarantee flags are ANDed (a guarantee
// only holds if it held for both halves).
func (s Stats) Merge(other Stats, less func(a, b []byte) bool) Stats {
	out := Stats{
		GuaranteedNoNulls:  s.GuaranteedNoNulls && other.GuaranteedNoNulls,
		GuaranteedAllNulls: s.GuaranteedAllNulls && other.GuaranteedAllNulls,
	}
	out.Min = s.Min
	if out.Min == nil || (other.Min != nil && less(other.Min, out.Min)) {
		out.Min = other.Min
	}
	out.Max = s.Max
	if out.Max == nil || (other.Max != nil && less(out.Max, other.Max)) {
		out.Max = other.Max
	}
	return out
}

// ColumnChunk is the in-memory staging form of one chunk: a flat run of
// encoded values (each exactly Width bytes for fixed-width types, or an
// offset table for STRING/BLOB/list types held in Offsets), a null
// bitmask (one bit per value, 1 == null), and the Stats computed over the
// currently-resident values.
type ColumnChunk struct {
	Type     PhysicalType
	Width    int // byte width of one fixed-width value; 0 for variable-width
	Values   []byte
	Offsets  []uint32 // populated only for variable-width types
	Nulls    []byte   // bitmask, len = ceil(NumValues/8)
	NumValues int
	Stats    Stats
}

// NewColumnChunk allocates an empty chunk of the given type and fixed
// width (0 for variable-width types).
func NewColumnChunk(t PhysicalType, width int) *ColumnChunk {
	return &ColumnChunk{Type: t, Width: width}
}

func (c *ColumnChunk) bitmaskLen(n int) int { return (n + 7) / 8 }

// IsNull reports whether value i is null.
func (c *ColumnChunk) IsNull(i int) bool {
	if i >= c.NumValues || len(c.Nulls) == 0 {
		return false
	}
	return c.Nulls[i/8]&(1<<uint(i%8)) != 0
}

func (c *ColumnChunk) setNull(i int, null bool) {
	need := c.bitmaskLen(i + 1)
	for len(c.Nulls) < need {
		c.Nulls = append(c.Nulls, 0)
	}
	if null {
		c.Nulls[i/8] |= 1 << uint(i%8)
	} else {
		c.Nulls[i/8] &^= 1 << uint(i%8)
	}
}

// AppendFixed appends one fixed-width encoded value (or a null).
func (c *ColumnChunk) AppendFixed(value []byte, null bool) error {
	if c.Width == 0 {
		return storeerr.New(storeerr.TypeError, "AppendFixed called on variable-width column of type %s", c.Type)
	}
	if !null && len(value) != c.Width {
		return storeerr.New(storeerr.TypeError, "value is %d bytes, want %d for %s", len(value), c.Width, c.Type)
	}
	if null {
		value = make([]byte, c.Width)
	}
	c.Values = append(c.Values, value...)
	c.setNull(c.NumValues, null)
	c.NumValues++
	return nil
}

// AppendVariable appends one variable-width encoded value (or a null).
func (c *ColumnChunk) AppendVariable(value []byte, null bool) error {
	if c.Width != 0 {
		return storeerr.New(storeerr.TypeError, "AppendVariable called on fixed-width column of type %s", c.Type)
	}
	if len(c.Offsets) == 0 {
		c.Offsets = append(c.Offsets, 0)
	}
	if !null {
		c.Values = append(c.Values, value...)
	}
	c.Offsets = append(c.Offsets, uint32(len(c.Values)))
	c.setNull(c.NumValues, null)
	c.NumValues++
	return nil
}

// Value returns the raw encoded bytes for value i (empty slice if null).
func (c *ColumnChunk) Value(i int) []byte {
	if c.IsNull(i) {
		return nil
	}
	if c.Width != 0 {
		return c.Values[i*c.Width : (i+1)*c.Width]
	}
	return c.Values[c.Offsets[i]:c.Offsets[i+1]]
}

// Column owns, per node group, the persisted page range and compression
// metadata of its chunk, plus (for nested types) child columns. Nulls are
// kept in each chunk's own bitmask; there is no separate null column.
type Column struct {
	Name  string
	Type  PhysicalType
	Width int

	// NodeGroups[i] describes the i-th node group's on-disk chunk.
	NodeGroups []NodeGroupState

	// Children holds sub-columns for FIXED_LIST/VAR_LIST/STRUCT/MAP/
	// INTERNAL_ID. Empty for scalar types.
	Children []*Column
}

// NodeGroupState is what Column tracks per node group: where its chunk
// currently lives and how it is compressed.
type NodeGroupState struct {
	Pages       PageRange
	Compression CompressionMetadata
	Stats       Stats
}

// NewColumn creates an empty scalar column. Use NewNestedColumn for
// FIXED_LIST/VAR_LIST/STRUCT/MAP/INTERNAL_ID types.
func NewColumn(name string, t PhysicalType, width int) *Column {
	return &Column{Name: name, Type: t, Width: width}
}

// NewNestedColumn creates a column of a nested type with the given child
// columns (e.g. STRUCT's fields, or VAR_LIST's single element column).
func NewNestedColumn(name string, t PhysicalType, children ...*Column) *Column {
	return &Column{Name: name, Type: t, Children: children}
}

// AppendChunk makes room for node group nodeGroupIdx before its chunk is
// written out, establishing an empty NodeGroupState entry (and any
// missing entries before it) if one does not exist yet.
func (c *Column) AppendChunk(nodeGroupIdx int) {
	for len(c.NodeGroups) <= nodeGroupIdx {
		c.NodeGroups = append(c.NodeGroups, NodeGroupState{})
	}
}

// Write copies num values from src (starting at srcOffset) into dst
// (starting at dstOffset), widening dst's stats in the same pass. It does
// not itself touch the buffer manager — callers page values in/out
// through Scan/CheckpointChunk, which do.
func Write(dst, src *ColumnChunk, dstOffset, srcOffset, num int, less func(a, b []byte) bool) error {
	if dst.Type != src.Type {
		return storeerr.New(storeerr.TypeError, "write type mismatch: dst=%s src=%s", dst.Type, src.Type)
	}
	for i := 0; i < num; i++ {
		null := src.IsNull(srcOffset + i)
		val := src.Value(srcOffset + i)
		di := dstOffset + i
		if dst.Width != 0 {
			for di >= dst.NumValues {
				if err := dst.AppendFixed(make([]byte, dst.Width), true); err != nil {
					return err
				}
			}
			copy(dst.Values[di*dst.Width:(di+1)*dst.Width], val)
			dst.setNull(di, null)
		} else {
			// Variable-width overwrite in place is not representable
			// without rebuilding the offset table; append-only growth
			// (di == dst.NumValues, or a gap padded with null rows) is
			// the supported path, matching how local storage always
			// assigns new offsets for STRING property inserts.
			if di < dst.NumValues {
				return storeerr.New(storeerr.TypeError, "variable-width in-place overwrite at row %d is not supported", di)
			}
			for di > dst.NumValues {
				if err := dst.AppendVariable(nil, true); err != nil {
					return err
				}
			}
			if err := dst.AppendVariable(val, null); err != nil {
				return err
			}
			if !null {
				dst.Stats.Min = minBytes(dst.Stats.Min, val, less)
				dst.Stats.Max = maxBytes(dst.Stats.Max, val, less)
				dst.Stats.GuaranteedAllNulls = false
			} else {
				dst.Stats.GuaranteedNoNulls = false
			}
			continue
		}
		if !null {
			dst.Stats.Min = minBytes(dst.Stats.Min, val, less)
			dst.Stats.Max = maxBytes(dst.Stats.Max, val, less)
			dst.Stats.GuaranteedAllNulls = false
		} else {
			dst.Stats.GuaranteedNoNulls = false
		}
	}
	return nil
}

func minBytes(cur, v []byte, less func(a, b []byte) bool) []byte {
	if cur == nil || less(v, cur) {
		return append([]byte(nil), v...)
	}
	return cur
}

func maxBytes(cur, v []byte, less func(a, b []byte) bool) []byte {
	if cur == nil || less(cur, v) {
		return append([]byte(nil), v...)
	}
	return cur
}

// Scan copies num values starting at startRow from the persisted chunk
// identified by the node group's page range into out, through the buffer
// manager, honoring the spec's "local writes override on-disk values"
// contract via the overlay callback: if overlay(row) returns (value, null,
// true) the on-disk value for that row is skipped in favor of the overlay.
func (c *Column) Scan(bm *buffer.Manager, fh *pagestore.FileHandle, nodeGroupIdx, startRow, numRows int, out *ColumnChunk, overlay func(row int) ([]byte, bool, bool)) error {
	if numRows == 0 {
		return nil
	}
	if nodeGroupIdx >= len(c.NodeGroups) {
		return storeerr.New(storeerr.NotFound, "node group %d has no chunk", nodeGroupIdx)
	}
	chunk, err := c.LoadChunk(bm, fh, nodeGroupIdx)
	if err != nil {
		return err
	}
	for i := 0; i < numRows; i++ {
		row := startRow + i
		if overlay != nil {
			if val, null, ok := overlay(row); ok {
				if out.Width != 0 {
					if err := out.AppendFixed(val, null); err != nil {
						return err
					}
				} else {
					if err := out.AppendVariable(val, null); err != nil {
						return err
					}
				}
				continue
			}
		}
		val := chunk.Value(row)
		null := chunk.IsNull(row)
		if out.Width != 0 {
			if err := out.AppendFixed(val, null); err != nil {
				return err
			}
		} else {
			if err := out.AppendVariable(val, null); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadChunk materializes a node group's chunk by pinning its pages in
// order and concatenating their payload into one logical byte stream,
// then decoding that stream back into values, null bitmap, and (for
// variable-width types) the offset table. A node group with no chunk yet
// (empty page range) yields an empty chunk rather than an error, so
// commit's first write to a fresh node group has something to extend.
func (c *Column) LoadChunk(bm *buffer.Manager, fh *pagestore.FileHandle, nodeGroupIdx int) (*ColumnChunk, error) {
	if nodeGroupIdx >= len(c.NodeGroups) {
		return NewColumnChunk(c.Type, c.Width), nil
	}
	ng := c.NodeGroups[nodeGroupIdx]
	if ng.Pages.Len() == 0 {
		return NewColumnChunk(c.Type, c.Width), nil
	}
	pageSize := fh.PageSize()
	stream := make([]byte, 0, ng.Pages.Len()*pageSize)
	for p := ng.Pages.First; p < ng.Pages.Last; p++ {
		buf, err := bm.Pin(fh.ID(), p, buffer.ReadThroughShadow)
		if err != nil {
			return nil, err
		}
		stream = append(stream, buf...)
		bm.Unpin(fh.ID(), p)
	}
	return decodeChunk(stream, c.Type, c.Width)
}

// encodeChunk serializes a chunk into one logical byte stream: a 4-byte
// value count, the null bitmask, then either the flat fixed-width value
// bytes or (for variable-width types) the offset table followed by the
// value bytes.
func encodeChunk(chunk *ColumnChunk) []byte {
	nullLen := (chunk.NumValues + 7) / 8
	nulls := chunk.Nulls
	for len(nulls) < nullLen {
		nulls = append(nulls, 0)
	}
	buf := make([]byte, 4, 4+nullLen+len(chunk.Values)+4*(chunk.NumValues+1))
	binary.LittleEndian.PutUint32(buf, uint32(chunk.NumValues))
	buf = append(buf, nulls[:nullLen]...)
	if chunk.Width != 0 {
		buf = append(buf, chunk.Values...)
		return buf
	}
	offsets := chunk.Offsets
	for len(offsets) < chunk.NumValues+1 {
		offsets = append(offsets, uint32(len(chunk.Values)))
	}
	for _, o := range offsets[:chunk.NumValues+1] {
		buf = binary.LittleEndian.AppendUint32(buf, o)
	}
	buf = append(buf, chunk.Values...)
	return buf
}

// decodeChunk is encodeChunk's inverse.
func decodeChunk(stream []byte, t PhysicalType, width int) (*ColumnChunk, error) {
	chunk := NewColumnChunk(t, width)
	if len(stream) < 4 {
		return chunk, nil
	}
	numValues := int(binary.LittleEndian.Uint32(stream))
	off := 4
	nullLen := (numValues + 7) / 8
	if off+nullLen > len(stream) {
		return nil, storeerr.New(storeerr.CorruptionError, "chunk null bitmap truncated")
	}
	chunk.Nulls = append([]byte(nil), stream[off:off+nullLen]...)
	off += nullLen
	chunk.NumValues = numValues
	if width != 0 {
		need := numValues * width
		if off+need > len(stream) {
			return nil, storeerr.New(storeerr.CorruptionError, "chunk values truncated")
		}
		chunk.Values = append([]byte(nil), stream[off:off+need]...)
		return chunk, nil
	}
	if off+4*(numValues+1) > len(stream) {
		return nil, storeerr.New(storeerr.CorruptionError, "chunk offsets truncated")
	}
	offsets := make([]uint32, numValues+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(stream[off : off+4])
		off += 4
	}
	chunk.Offsets = offsets
	valLen := int(offsets[numValues])
	if off+valLen > len(stream) {
		return nil, storeerr.New(storeerr.CorruptionError, "chunk value bytes truncated")
	}
	chunk.Values = append([]byte(nil), stream[off:off+valLen]...)
	return chunk, nil
}

// CheckpointChunk decides between an in-place overwrite (compression
// metadata still fits the existing page range) and a full rewrite
// (doesn't fit), writing through shadow pages either way so readers
// holding the prior snapshot keep seeing valid data until the checkpoint
// commits.
func (c *Column) CheckpointChunk(bm *buffer.Manager, fh *pagestore.FileHandle, nodeGroupIdx int, chunk *ColumnChunk) error {
	for len(c.NodeGroups) <= nodeGroupIdx {
		c.NodeGroups = append(c.NodeGroups, NodeGroupState{})
	}
	ng := &c.NodeGroups[nodeGroupIdx]

	pageSize := fh.PageSize()
	stream := encodeChunk(chunk)
	neededPages := (len(stream) + pageSize - 1) / pageSize
	if neededPages == 0 {
		neededPages = 1
	}

	inPlace := ng.Pages.Len() == neededPages

	var first pagestore.PageID
	if inPlace {
		first = ng.Pages.First
	} else {
		pid, err := fh.AddNewPage()
		if err != nil {
			return err
		}
		first = pid
		for i := 1; i < neededPages; i++ {
			if _, err := fh.AddNewPage(); err != nil {
				return err
			}
		}
	}

	for i := 0; i < neededPages; i++ {
		pid := first + pagestore.PageID(i)
		buf, err := bm.Pin(fh.ID(), pid, buffer.AssumeInitialized)
		if err != nil {
			return err
		}
		start := i * pageSize
		end := start + pageSize
		if end > len(stream) {
			end = len(stream)
		}
		if start < len(stream) {
			copy(buf, stream[start:end])
		}
		bm.MarkDirty(fh.ID(), pid)
		// routeToShadow=true: this page's prior contents (if inPlace) may
		// still be visible to a read transaction's snapshot, so the new
		// bytes go through the shadow file until checkpoint re-bases them.
		if err := bm.Flush(fh.ID(), pid, true); err != nil {
			bm.Unpin(fh.ID(), pid)
			return err
		}
		bm.Unpin(fh.ID(), pid)
	}

	ng.Pages = PageRange{First: first, Last: first + pagestore.PageID(neededPages)}
	ng.Stats = chunk.Stats
	return nil
}
