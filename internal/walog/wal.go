// Package walog implements the write-ahead log: an append-only record of
// committed changes, replayed on recovery and truncated at checkpoint.
//
// What: Writer.Append(rec) assigns the next LSN, length-prefixes and
// appends the record, serialized by one mutex; Sync fsyncs; Truncate
// empties the log after a successful checkpoint. Reader.Replay walks every
// well-formed record from the start of the file.
// How: on-disk shape is exactly spec §6: {len:u32, kind:u8,
// payload:bytes[len-5]}, little-endian, mirroring the length-prefixed
// record framing tinySQL's internal/storage/pager/wal.go uses for its own
// WAL, generalized from tinySQL's fixed PAGE_IMAGE-only payload to the
// closed set of logical record kinds the spec requires.
// Why: length-prefixing makes the log parseable without a prior schema, so
// recovery can stop cleanly at a torn trailing write instead of needing a
// separate "is this the last record" signal.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/knotgraph/knotdb/internal/storeerr"
)

// Kind is the closed set of WAL record kinds, per spec §6.
type Kind uint8

const (
	CatalogCreate Kind = iota + 1
	CatalogDrop
	CatalogAlter
	TableInsert
	TableUpdate
	TableDelete
	CopyTable
	UpdateSequence
	Checkpoint
)

func (k Kind) String() string {
	names := map[Kind]string{
		CatalogCreate: "CatalogCreate", CatalogDrop: "CatalogDrop", CatalogAlter: "CatalogAlter",
		TableInsert: "TableInsert", TableUpdate: "TableUpdate", TableDelete: "TableDelete",
		CopyTable: "CopyTable", UpdateSequence: "UpdateSequence", Checkpoint: "Checkpoint",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// LSN is a monotonically increasing log sequence number, one per record.
type LSN uint64

// Record is one WAL entry.
type Record struct {
	LSN     LSN
	Kind    Kind
	Payload []byte
}

const lenPrefixSize = 4 // u32
const kindSize = 1

// Writer appends records to wal.kz.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	nextLSN LSN
}

// Open opens or creates the WAL file at path and positions for append,
// computing nextLSN from the last record already present (0 if empty).
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.IoError, err, "open WAL %s", path)
	}
	w := &Writer{f: f, path: path}

	var lastLSN LSN
	count := 0
	r := NewReader(path)
	if err := r.Replay(func(rec Record) error {
		lastLSN = rec.LSN
		count++
		return nil
	}); err != nil {
		f.Close()
		return nil, err
	}
	if count > 0 {
		w.nextLSN = lastLSN + 1
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, storeerr.Wrap(storeerr.IoError, err, "seek WAL end")
	}
	return w, nil
}

// Append assigns the next LSN to rec, appends it, and returns the LSN. It
// does not fsync; call Sync explicitly (the Transaction Manager does this
// once per commit, not once per record).
func (w *Writer) Append(kind Kind, payload []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	total := lenPrefixSize + kindSize + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(kindSize+len(payload)+4)) // len counts the whole record, the length field included
	buf[4] = byte(kind)
	copy(buf[5:], payload)
	// LSN is not part of the on-disk payload framing (spec §6 gives only
	// len/kind/payload); it is reconstructed by position on replay. Record
	// it in-memory on the Writer side only.
	if _, err := w.f.Write(buf); err != nil {
		return 0, storeerr.Wrap(storeerr.IoError, err, "append WAL record")
	}
	return lsn, nil
}

// Sync fsyncs the WAL file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "sync WAL")
	}
	return nil
}

// Truncate empties the WAL after a successful checkpoint.
func (w *Writer) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "truncate WAL")
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "seek WAL start")
	}
	w.nextLSN = 0
	return nil
}

// Close closes the WAL file.
func (w *Writer) Close() error {
	if err := w.f.Close(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "close WAL")
	}
	return nil
}

// Path returns the WAL's on-disk path.
func (w *Writer) Path() string { return w.path }

// Reader replays records from a WAL file for recovery.
type Reader struct {
	path string
}

// NewReader builds a Reader over the WAL file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Replay calls visit for every well-formed record from the start of the
// file, in LSN order, assigning sequential LSNs starting at 0. It stops
// (without error) at a torn trailing record — fewer bytes remain than the
// record's length prefix promises — since that can only be an in-flight
// write that never reached Sync before a crash.
func (r *Reader) Replay(visit func(Record) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storeerr.Wrap(storeerr.IoError, err, "open WAL %s for replay", r.path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var lsn LSN
	for {
		lenBuf := make([]byte, lenPrefixSize)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			if err == io.EOF {
				return nil
			}
			return nil // torn header: stop replay cleanly
		}
		recLen := binary.LittleEndian.Uint32(lenBuf)
		if recLen < lenPrefixSize+kindSize {
			return storeerr.New(storeerr.CorruptionError, "WAL record length %d smaller than length and kind fields", recLen)
		}
		rest := make([]byte, recLen-lenPrefixSize)
		if _, err := io.ReadFull(br, rest); err != nil {
			return nil // torn record body: stop replay cleanly
		}
		rec := Record{LSN: lsn, Kind: Kind(rest[0]), Payload: append([]byte(nil), rest[1:]...)}
		if err := visit(rec); err != nil {
			return err
		}
		lsn++
	}
}
