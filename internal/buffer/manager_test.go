package buffer

import (
	"path/filepath"
	"testing"

	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
)

func newTestFile(t *testing.T, pages int, pageSize int) *pagestore.FileHandle {
	t.Helper()
	fh, err := pagestore.Open(0, filepath.Join(t.TempDir(), "data.kz"), pageSize, pagestore.OpenFlags{Create: true})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	for i := 0; i < pages; i++ {
		if _, err := fh.AddNewPage(); err != nil {
			t.Fatalf("add page: %v", err)
		}
	}
	return fh
}

func newTestShadow(t *testing.T, pageSize int) *shadow.Store {
	t.Helper()
	s, err := shadow.Open(filepath.Join(t.TempDir(), "shadow.kz"), pageSize)
	if err != nil {
		t.Fatalf("open shadow: %v", err)
	}
	return s
}

func TestConfigErrorOnNonPowerOfTwoMaxDBSize(t *testing.T) {
	sh := newTestShadow(t, 4096)
	if _, err := NewManager(4096, 4096*3, sh); err == nil {
		t.Fatal("expected ConfigError for non-power-of-two max_db_size")
	}
}

func TestPinUnpinRoundTrip(t *testing.T) {
	pageSize := 256
	fh := newTestFile(t, 2, pageSize)
	sh := newTestShadow(t, pageSize)
	m, err := NewManager(pageSize, int64(pageSize*4), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RegisterFile(fh)

	buf, err := m.Pin(fh.ID(), 0, ReadFromFile)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if m.PinCount(fh.ID(), 0) != 1 {
		t.Fatalf("want pin count 1, got %d", m.PinCount(fh.ID(), 0))
	}
	buf[0] = 0xAB
	m.MarkDirty(fh.ID(), 0)
	if err := m.Flush(fh.ID(), 0, false); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m.Unpin(fh.ID(), 0)
	if m.PinCount(fh.ID(), 0) != 0 {
		t.Fatalf("want pin count 0 after unpin, got %d", m.PinCount(fh.ID(), 0))
	}

	raw := make([]byte, pageSize)
	if err := fh.ReadPage(0, raw); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if raw[0] != 0xAB {
		t.Fatalf("flush did not persist write: got %x", raw[0])
	}
}

func TestUnpinOfNonResidentFramePanics(t *testing.T) {
	pageSize := 256
	sh := newTestShadow(t, pageSize)
	m, err := NewManager(pageSize, int64(pageSize*4), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic unpinning a non-resident frame")
		}
	}()
	m.Unpin(7, 0)
}

func TestPinnedFrameIsNeverEvicted(t *testing.T) {
	pageSize := 128
	fh := newTestFile(t, 8, pageSize)
	sh := newTestShadow(t, pageSize)
	// Only 2 frames worth of capacity, but we pin one and touch 5 others.
	m, err := NewManager(pageSize, int64(pageSize*2), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RegisterFile(fh)

	if _, err := m.Pin(fh.ID(), 0, ReadFromFile); err != nil {
		t.Fatalf("Pin 0: %v", err)
	}
	for i := pagestore.PageID(1); i < 6; i++ {
		buf, err := m.Pin(fh.ID(), i, ReadFromFile)
		if err != nil {
			t.Fatalf("Pin %d: %v", i, err)
		}
		_ = buf
		m.Unpin(fh.ID(), i)
	}
	if m.PinCount(fh.ID(), 0) != 1 {
		t.Fatalf("pinned frame 0 was evicted")
	}
}

func TestFlushGoesThroughShadowWhenRouted(t *testing.T) {
	pageSize := 256
	fh := newTestFile(t, 1, pageSize)
	sh := newTestShadow(t, pageSize)
	m, err := NewManager(pageSize, int64(pageSize*2), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RegisterFile(fh)

	buf, err := m.Pin(fh.ID(), 0, ReadFromFile)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	buf[0] = 0x42
	m.MarkDirty(fh.ID(), 0)
	if err := m.Flush(fh.ID(), 0, true); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	raw := make([]byte, pageSize)
	if err := fh.ReadPage(0, raw); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if raw[0] == 0x42 {
		t.Fatal("flush wrote directly to data file when routeToShadow was true")
	}
	page, ok := sh.Get(pagestore.Key{File: fh.ID(), Page: 0})
	if !ok || page[0] != 0x42 {
		t.Fatal("flush did not write to shadow file when routeToShadow was true")
	}
}
