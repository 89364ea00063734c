package hashindex

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knotgraph/knotdb/internal/buffer"
	"github.com/knotgraph/knotdb/internal/pagestore"
	"github.com/knotgraph/knotdb/internal/shadow"
	"github.com/knotgraph/knotdb/internal/storeerr"
)

// Scenario 1: single int key.
func TestSingleIntKeyScenario(t *testing.T) {
	idx := NewInt64Index()
	idx.BulkReserve(3)

	for _, kv := range []struct {
		k int64
		v uint64
	}{{1, 100}, {2, 200}, {3, 300}} {
		if err := idx.Append(EncodeInt64(kv.k), kv.v); err != nil {
			t.Fatalf("Append(%d): %v", kv.k, err)
		}
	}
	if v, ok := idx.Lookup(EncodeInt64(2)); !ok || v != 200 {
		t.Fatalf("lookup(2): got (%d, %v), want (200, true)", v, ok)
	}
	if _, ok := idx.Lookup(EncodeInt64(4)); ok {
		t.Fatal("lookup(4): want miss")
	}
}

// Scenario 2: duplicate rejection.
func TestDuplicateRejectionScenario(t *testing.T) {
	idx := NewInt64Index()
	idx.BulkReserve(3)
	for _, kv := range []struct {
		k int64
		v uint64
	}{{1, 100}, {2, 200}, {3, 300}} {
		if err := idx.Append(EncodeInt64(kv.k), kv.v); err != nil {
			t.Fatalf("Append(%d): %v", kv.k, err)
		}
	}

	err := idx.Append(EncodeInt64(2), 999)
	if !storeerr.Is(err, storeerr.DuplicateKey) {
		t.Fatalf("want DuplicateKey, got %v", err)
	}
	if v, ok := idx.Lookup(EncodeInt64(2)); !ok || v != 200 {
		t.Fatalf("lookup(2) after rejected duplicate: got (%d, %v), want (200, true)", v, ok)
	}
}

// Scenario 3: bulk string keys.
func TestBulkStringKeysScenario(t *testing.T) {
	idx := NewStringIndex()
	const n = 10000
	idx.BulkReserve(n)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%030d", i) // 30-byte strings
		if err := idx.Append(EncodeString(key), uint64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%030d", i)
		v, ok := idx.Lookup(EncodeString(key))
		if !ok || v != uint64(i) {
			t.Fatalf("lookup(%d): got (%d, %v)", i, v, ok)
		}
	}
	if _, ok := idx.Lookup(EncodeString("not-a-member-key-xxxxxxxxxxxxx")); ok {
		t.Fatal("lookup of disjoint key: want miss")
	}
}

func TestAppendThenLookupRoundTrip(t *testing.T) {
	idx := NewInt64Index()
	if err := idx.Append(EncodeInt64(42), 7); err != nil {
		t.Fatalf("Append: %v", err)
	}
	v, ok := idx.Lookup(EncodeInt64(42))
	if !ok || v != 7 {
		t.Fatalf("got (%d, %v), want (7, true)", v, ok)
	}
}

func TestLookupMissingKeyDoesNotMatchWrongFingerprint(t *testing.T) {
	idx := NewInt64Index()
	for i := int64(0); i < 64; i++ {
		if err := idx.Append(EncodeInt64(i), uint64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if _, ok := idx.Lookup(EncodeInt64(99999)); ok {
		t.Fatal("want miss for absent key")
	}
}

func TestDeleteIsTombstoneNotRemoval(t *testing.T) {
	idx := NewInt64Index()
	if err := idx.Append(EncodeInt64(1), 10); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := idx.Append(EncodeInt64(2), 20); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !idx.Delete(EncodeInt64(1)) {
		t.Fatal("Delete(1) should report found")
	}
	if _, ok := idx.Lookup(EncodeInt64(1)); ok {
		t.Fatal("lookup after delete should miss")
	}
	// key 2, which may chain past the tombstone, must still resolve.
	if v, ok := idx.Lookup(EncodeInt64(2)); !ok || v != 20 {
		t.Fatalf("lookup(2) after unrelated delete: got (%d, %v)", v, ok)
	}
}

func TestLookupBatchRespectsNullMask(t *testing.T) {
	idx := NewInt64Index()
	for i := int64(0); i < 5; i++ {
		if err := idx.Append(EncodeInt64(i), uint64(i*10)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	keys := [][]byte{EncodeInt64(0), EncodeInt64(1), EncodeInt64(2)}
	nullMask := []bool{false, true, false}
	out := make([]uint64, 3)
	hits := idx.LookupBatch(keys, nullMask, out)
	if !hits[0] || out[0] != 0 {
		t.Fatalf("key 0: %v %v", hits[0], out[0])
	}
	if hits[1] {
		t.Fatal("null-masked entry should not be looked up")
	}
	if !hits[2] || out[2] != 20 {
		t.Fatalf("key 2: %v %v", hits[2], out[2])
	}
}

func TestConcurrentLookupsDuringSteadyState(t *testing.T) {
	idx := NewInt64Index()
	const n = 2000
	idx.BulkReserve(n)
	for i := int64(0); i < n; i++ {
		if err := idx.Append(EncodeInt64(i), uint64(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for i := int64(0); i < n; i++ {
				k := (i + seed) % n
				v, ok := idx.Lookup(EncodeInt64(k))
				if !ok || int64(v) != k {
					errs <- fmt.Errorf("lookup(%d): got (%d, %v)", k, v, ok)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pageSize := 256
	fh, err := pagestore.Open(0, filepath.Join(dir, "index.kz"), pageSize, pagestore.OpenFlags{Create: true})
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	defer fh.Close()
	sh, err := shadow.Open(filepath.Join(dir, "shadow.kz"), pageSize)
	if err != nil {
		t.Fatalf("Open shadow: %v", err)
	}
	bm, err := buffer.NewManager(pageSize, int64(pageSize*64), sh)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	bm.RegisterFile(fh)

	idx := NewInt64Index()
	for i := int64(0); i < 50; i++ {
		if err := idx.Append(EncodeInt64(i), uint64(i*2)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	first, last, err := idx.Flush(bm, fh)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if last <= first {
		t.Fatalf("expected non-empty page range, got [%d, %d)", first, last)
	}

	reloaded, err := Load(fh, first, last)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := int64(0); i < 50; i++ {
		v, ok := reloaded.Lookup(EncodeInt64(i))
		if !ok || v != uint64(i*2) {
			t.Fatalf("reloaded lookup(%d): got (%d, %v)", i, v, ok)
		}
	}
	if _, ok := reloaded.Lookup(EncodeInt64(999)); ok {
		t.Fatal("reloaded lookup of absent key: want miss")
	}
}
