// Package pagestore implements the lowest layer of the storage engine: a
// fixed-size paged file with per-page mutual exclusion.
//
// What: Page is a (FileID, PageIdx) addressed fixed-size byte block. A
// FileHandle owns one on-disk file plus a growable vector of per-page locks.
// How: page I/O is positional (ReadAt/WriteAt); the lock vector grows under
// a single file-level mutex so page count and lock-vector length are always
// equal, mirroring the invariant tinySQL's pager keeps between its
// superblock PageCount and its buffer-pool bookkeeping.
// Why: every higher layer (buffer manager, shadow file, WAL replay) treats
// a page as an opaque byte slice; interpretation is left to the column and
// index layers, per the data model in the spec this module implements.
package pagestore

import (
	"fmt"
	"os"
	"sync"

	"github.com/knotgraph/knotdb/internal/storeerr"
)

// PageID identifies a page within one FileHandle.
type PageID uint32

// FileID identifies a FileHandle within a Database. Page addressing in the
// rest of the engine is the pair (FileID, PageID).
type FileID uint16

// Key is the composite address the buffer manager and shadow file key on.
type Key struct {
	File FileID
	Page PageID
}

func (k Key) String() string { return fmt.Sprintf("(%d,%d)", k.File, k.Page) }

// OpenFlags controls FileHandle.Open.
type OpenFlags struct {
	Create   bool
	ReadOnly bool
}

// FileHandle owns one on-disk file, its page size, and a per-page lock
// vector. It contains no cache — that is the Buffer Manager's job.
type FileHandle struct {
	id       FileID
	pageSize int

	mu        sync.Mutex // guards f, pageCount, locks (growth only)
	f         *os.File
	path      string
	readOnly  bool
	pageCount uint32
	locks     []*pageLock
}

// Open opens or creates the file at path. Missing-file-without-create and
// permission failures return a storeerr IoError.
func Open(id FileID, path string, pageSize int, flags OpenFlags) (*FileHandle, error) {
	if pageSize <= 0 {
		return nil, storeerr.New(storeerr.ConfigError, "page size must be positive, got %d", pageSize)
	}

	osFlags := os.O_RDWR
	if flags.ReadOnly {
		osFlags = os.O_RDONLY
	} else if flags.Create {
		osFlags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, osFlags, 0644)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.IoError, err, "open %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storeerr.Wrap(storeerr.IoError, err, "stat %s", path)
	}
	if fi.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, storeerr.New(storeerr.CorruptionError, "%s size %d is not a multiple of page size %d", path, fi.Size(), pageSize)
	}
	pageCount := uint32(fi.Size() / int64(pageSize))

	fh := &FileHandle{
		id:        id,
		pageSize:  pageSize,
		f:         f,
		path:      path,
		readOnly:  flags.ReadOnly,
		pageCount: pageCount,
		locks:     make([]*pageLock, pageCount),
	}
	for i := range fh.locks {
		fh.locks[i] = newPageLock()
	}
	return fh, nil
}

// ID returns the FileID this handle was opened under.
func (fh *FileHandle) ID() FileID { return fh.id }

// PageSize returns the configured page size in bytes.
func (fh *FileHandle) PageSize() int { return fh.pageSize }

// PageCount returns the current number of pages in the file.
func (fh *FileHandle) PageCount() uint32 {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.pageCount
}

// ReadPage reads exactly one page into buf, which must be PageSize() bytes.
func (fh *FileHandle) ReadPage(idx PageID, buf []byte) error {
	if err := fh.checkBounds(idx, len(buf)); err != nil {
		return err
	}
	off := int64(idx) * int64(fh.pageSize)
	if _, err := fh.f.ReadAt(buf, off); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "read page %d of %s", idx, fh.path)
	}
	return nil
}

// WritePage writes exactly one page from buf.
func (fh *FileHandle) WritePage(idx PageID, buf []byte) error {
	if fh.readOnly {
		return storeerr.New(storeerr.IoError, "%s is opened read-only", fh.path)
	}
	if err := fh.checkBounds(idx, len(buf)); err != nil {
		return err
	}
	off := int64(idx) * int64(fh.pageSize)
	if _, err := fh.f.WriteAt(buf, off); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "write page %d of %s", idx, fh.path)
	}
	return nil
}

func (fh *FileHandle) checkBounds(idx PageID, bufLen int) error {
	if bufLen != fh.pageSize {
		return storeerr.New(storeerr.IoError, "buffer of %d bytes does not match page size %d", bufLen, fh.pageSize)
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if uint32(idx) >= fh.pageCount {
		return storeerr.New(storeerr.IoError, "page %d out of range (pageCount=%d)", idx, fh.pageCount)
	}
	return nil
}

// AddNewPage atomically appends one zero-filled page, growing the lock
// vector under the same file-level lock, and returns its PageID.
func (fh *FileHandle) AddNewPage() (PageID, error) {
	if fh.readOnly {
		return 0, storeerr.New(storeerr.IoError, "%s is opened read-only", fh.path)
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()

	idx := PageID(fh.pageCount)
	off := int64(idx) * int64(fh.pageSize)
	zero := make([]byte, fh.pageSize)
	if _, err := fh.f.WriteAt(zero, off); err != nil {
		return 0, storeerr.Wrap(storeerr.IoError, err, "extend %s", fh.path)
	}
	fh.pageCount++
	fh.locks = append(fh.locks, newPageLock())
	return idx, nil
}

// TruncateTo shrinks the file (and the lock vector) to exactly pageCount
// pages. It is a no-op if the file already has pageCount pages or fewer.
func (fh *FileHandle) TruncateTo(pageCount uint32) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if pageCount >= fh.pageCount {
		return nil
	}
	if err := fh.f.Truncate(int64(pageCount) * int64(fh.pageSize)); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "truncate %s", fh.path)
	}
	fh.pageCount = pageCount
	fh.locks = fh.locks[:pageCount]
	return nil
}

// AcquirePageLock locks page idx for exclusive access. blocking=false uses
// a short spin suited to hot, short critical sections; blocking=true parks
// the goroutine for long critical sections (e.g. checkpoint re-basing).
func (fh *FileHandle) AcquirePageLock(idx PageID, blocking bool) error {
	l, err := fh.lockFor(idx)
	if err != nil {
		return err
	}
	if blocking {
		l.lockBlocking()
	} else {
		l.lockSpin()
	}
	return nil
}

// ReleasePageLock unlocks page idx. It panics if the page has no lock (a
// programmer error, not an operational one) — the same discipline the
// spec reserves for invariant violations.
func (fh *FileHandle) ReleasePageLock(idx PageID) {
	l, err := fh.lockFor(idx)
	if err != nil {
		panic(err)
	}
	l.unlock()
}

func (fh *FileHandle) lockFor(idx PageID) (*pageLock, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if uint32(idx) >= fh.pageCount {
		return nil, storeerr.New(storeerr.IoError, "page %d out of range (pageCount=%d)", idx, fh.pageCount)
	}
	return fh.locks[idx], nil
}

// Sync flushes OS buffers for the underlying file.
func (fh *FileHandle) Sync() error {
	if err := fh.f.Sync(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "sync %s", fh.path)
	}
	return nil
}

// Close closes the underlying file.
func (fh *FileHandle) Close() error {
	if err := fh.f.Close(); err != nil {
		return storeerr.Wrap(storeerr.IoError, err, "close %s", fh.path)
	}
	return nil
}

// Path returns the file's on-disk path.
func (fh *FileHandle) Path() string { return fh.path }
