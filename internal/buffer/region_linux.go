//go:build linux

package buffer

import (
	"github.com/knotgraph/knotdb/internal/storeerr"
	"golang.org/x/sys/unix"
)

// mmapRegion is a private anonymous mapping, grounded in the mmap-based
// buffer managers in the wider corpus (e.g. the embedded-mmu and uffd
// patterns seen alongside other paged storage engines). Pages are
// committed by the kernel lazily as each frame is first written.
type mmapRegion struct {
	data []byte
}

func newRegion(size int) (region, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.BufferManagerError, err, "mmap %d bytes", size)
	}
	return &mmapRegion{data: data}, nil
}

func (r *mmapRegion) bytes() []byte { return r.data }

func (r *mmapRegion) release(frameSize, i int) error {
	off := i * frameSize
	if off+frameSize > len(r.data) {
		return storeerr.New(storeerr.BufferManagerError, "release frame %d out of range", i)
	}
	// MADV_DONTNEED lets the kernel drop the physical backing for this
	// frame; a later touch re-faults zeroed pages. Best-effort hint only.
	_ = unix.Madvise(r.data[off:off+frameSize], unix.MADV_DONTNEED)
	return nil
}

func (r *mmapRegion) close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return storeerr.Wrap(storeerr.BufferManagerError, err, "munmap")
	}
	return nil
}
