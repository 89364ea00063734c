package buffer

// region is the private anonymous VM mapping backing one buffer-pool
// page-size class. It exposes a flat byte slice of frameCount*frameSize
// bytes; slot i occupies bytes [i*frameSize, (i+1)*frameSize).
//
// The Linux implementation (region_linux.go) uses a real mmap(MAP_PRIVATE|
// MAP_ANON) region so physical pages are only committed on first touch, per
// spec §4.2. The portable fallback (region_other.go) uses a plain Go slice;
// Go's allocator does not give the same on-first-touch guarantee, but the
// addressing and release semantics are otherwise identical, which is all
// callers depend on.
type region interface {
	bytes() []byte
	// release hints that frame i's physical backing can be returned to the
	// kernel. Must be idempotent.
	release(frameSize, i int) error
	close() error
}
