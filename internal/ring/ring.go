// Package ring implements a single-producer/single-consumer byte FIFO
// over a power-of-two memory region.
//
// The region is mmap-backed, either anonymous or a shared file, so the
// same ring can be attached from another process with Open. All three
// positions live in a small header at the front of the mapping and are
// accessed with atomics: the producer reserves space by CAS on the
// write position, copies its bytes, then publishes them by advancing
// the finish position; the consumer reads up to the finish position and
// stores the read position back with a plain atomic store.
package ring

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

// Header layout, four u32 words: size, write_pos, finish_pos, read_pos.
const headerSize = 16

// Ring is an SPSC byte FIFO. Safe for exactly one concurrent producer
// and one concurrent consumer.
type Ring struct {
	mem  []byte
	data []byte
	size uint32
	mask uint32

	writePos  *uint32
	finishPos *uint32
	readPos   *uint32
}

// New creates a ring over an anonymous mapping. The requested size is
// rounded up to a power of two; usable capacity is one byte less.
func New(size uint32) (*Ring, error) {
	size = roundUpPow2(size)

	mem, err := unix.Mmap(-1, 0, int(headerSize+size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map ring memory (%v): %w", err, xerror.ErrOutOfMemory)
	}

	r := attach(mem, size)
	atomic.StoreUint32(r.writePos, 0)
	atomic.StoreUint32(r.finishPos, 0)
	atomic.StoreUint32(r.readPos, 0)
	return r, nil
}

// Create creates a ring backed by a shared-memory file, truncating any
// previous content. Another process may attach it with Open.
func Create(path string, size uint32) (*Ring, error) {
	size = roundUpPow2(size)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ring file %s (%v): %w", path, err, xerror.ErrIOFault)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(headerSize+size)); err != nil {
		return nil, fmt.Errorf("failed to size ring file %s (%v): %w", path, err, xerror.ErrIOFault)
	}

	mem, err := unix.Mmap(fd, 0, int(headerSize+size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map ring file %s (%v): %w", path, err, xerror.ErrOutOfMemory)
	}

	r := attach(mem, size)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[0])), size)
	atomic.StoreUint32(r.writePos, 0)
	atomic.StoreUint32(r.finishPos, 0)
	atomic.StoreUint32(r.readPos, 0)
	return r, nil
}

// Open attaches a ring previously created with Create. The size must
// match the creator's rounded size.
func Open(path string, size uint32) (*Ring, error) {
	size = roundUpPow2(size)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open ring file %s (%v): %w", path, err, xerror.ErrIOFault)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, 0, int(headerSize+size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map ring file %s (%v): %w", path, err, xerror.ErrOutOfMemory)
	}

	if stored := atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[0]))); stored != size {
		unix.Munmap(mem)
		return nil, fmt.Errorf("ring file %s has size %d, want %d: %w",
			path, stored, size, xerror.ErrBadParam)
	}
	return attach(mem, size), nil
}

func attach(mem []byte, size uint32) *Ring {
	return &Ring{
		mem:       mem,
		data:      mem[headerSize:],
		size:      size,
		mask:      size - 1,
		writePos:  (*uint32)(unsafe.Pointer(&mem[4])),
		finishPos: (*uint32)(unsafe.Pointer(&mem[8])),
		readPos:   (*uint32)(unsafe.Pointer(&mem[12])),
	}
}

// Close unmaps the ring memory. The backing file, if any, is left in
// place for other attachments.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem, r.data = nil, nil
	return unix.Munmap(mem)
}

// Size returns the rounded region size. Usable capacity is Size()-1.
func (r *Ring) Size() uint32 {
	return r.size
}

// Put copies all of p into the ring, or nothing at all: if fewer than
// len(p)+1 bytes are free it returns 0 and the ring is unchanged.
func (r *Ring) Put(p []byte) int {
	n := uint32(len(p))
	if n == 0 {
		return 0
	}

	var writeOld, writeNew uint32
	for {
		writeOld = atomic.LoadUint32(r.writePos)
		if r.free(writeOld, atomic.LoadUint32(r.readPos)) <= n {
			return 0
		}
		writeNew = (writeOld + n) & r.mask
		if atomic.CompareAndSwapUint32(r.writePos, writeOld, writeNew) {
			break
		}
	}

	// First fill from the write position to the region end, then wrap.
	l := min(n, r.size-writeOld)
	copy(r.data[writeOld:writeOld+l], p[:l])
	if n > l {
		copy(r.data, p[l:])
	}

	// Publish in reservation order. With a single producer this
	// succeeds on the first try; the spin keeps the bytes-before-
	// position ordering if producers are ever generalized.
	for !atomic.CompareAndSwapUint32(r.finishPos, writeOld, writeNew) {
	}
	return int(n)
}

// Get copies up to len(p) published bytes into p and returns how many
// were copied, zero if the ring is empty.
func (r *Ring) Get(p []byte) int {
	frontier := atomic.LoadUint32(r.finishPos)
	readOld := atomic.LoadUint32(r.readPos)

	n := min(uint32(len(p)), r.used(frontier, readOld))
	if n == 0 {
		return 0
	}

	l := min(n, r.size-readOld)
	copy(p[:l], r.data[readOld:readOld+l])
	if n > l {
		copy(p[l:n], r.data[:n-l])
	}

	atomic.StoreUint32(r.readPos, (readOld+n)&r.mask)
	return int(n)
}

// free reports the free byte count seen between the given positions.
// A completely empty ring reports its full size; Put still refuses to
// fill the last byte so that full and empty stay distinguishable.
func (r *Ring) free(writePos, readPos uint32) uint32 {
	if writePos == readPos {
		return r.size
	}
	return r.size - ((writePos - readPos) & r.mask)
}

func (r *Ring) used(writePos, readPos uint32) uint32 {
	if writePos == readPos {
		return 0
	}
	return (writePos - readPos) & r.mask
}

func roundUpPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
