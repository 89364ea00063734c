package hashindex

import "encoding/binary"

// EncodeInt64 returns the canonical 8-byte little-endian encoding used for
// fixed-width INT64 primary keys.
func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeInt64 is the inverse of EncodeInt64.
func DecodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

// EncodeString returns the canonical byte encoding for a STRING primary
// key: its raw UTF-8 bytes, since string equality is compared on the
// out-of-line bytes directly.
func EncodeString(s string) []byte {
	return []byte(s)
}

// NewInt64Index creates an Index over fixed-width 8-byte integer keys.
func NewInt64Index() *Index {
	return New(FixedWidthKey, 8)
}

// NewStringIndex creates an Index over variable-width string keys stored
// in the out-of-line overflow area.
func NewStringIndex() *Index {
	return New(VariableWidthKey, 0)
}
