package walog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.kz")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := w.Append(TableInsert, []byte("row-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(TableUpdate, []byte("row-2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []Record
	if err := NewReader(path).Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 records, got %d", len(got))
	}
	if got[0].Kind != TableInsert || string(got[0].Payload) != "row-1" {
		t.Fatalf("record 0 mismatch: %+v", got[0])
	}
	if got[1].Kind != TableUpdate || string(got[1].Payload) != "row-2" {
		t.Fatalf("record 1 mismatch: %+v", got[1])
	}
	if got[0].LSN != 0 || got[1].LSN != 1 {
		t.Fatalf("LSNs not sequential: %d, %d", got[0].LSN, got[1].LSN)
	}
}

func TestTruncateEmptiesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.kz")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Append(Checkpoint, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("want empty WAL after truncate, got %d bytes", fi.Size())
	}
}

func TestReplayStopsAtTornTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.kz")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Append(TableInsert, []byte("whole-record")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	// Append a torn record: a length prefix promising more bytes than follow.
	if _, err := f.Write([]byte{0xFF, 0x00, 0x00, 0x00, byte(TableInsert)}); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	var got []Record
	if err := NewReader(path).Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 complete record before the torn tail, got %d", len(got))
	}
}

func TestReopenResumesLSNSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.kz")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lsn0, _ := w.Append(TableInsert, []byte("a"))
	lsn1, _ := w.Append(TableInsert, []byte("b"))
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if lsn0 != 0 || lsn1 != 1 {
		t.Fatalf("unexpected initial LSNs: %d %d", lsn0, lsn1)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	lsn2, err := w2.Append(TableInsert, []byte("c"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if lsn2 != 2 {
		t.Fatalf("want LSN 2 after reopen, got %d", lsn2)
	}
}
