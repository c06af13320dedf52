// Package frame implements the physical-frame allocator: a fixed-
// capacity, page-granular arena handing out and reclaiming physical
// frames. Pool backs its arena with a real anonymous mmap region via
// golang.org/x/sys/unix rather than a plain Go slice, so frame addresses
// behave like genuine page-aligned physical addresses and the direct-map
// accessor (Bytes) hands out slices into real OS-backed memory.
package frame

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-teaching-os/sv39vm/mem"
)

// sentinel marks the end of the free list.
const sentinel = ^uint32(0)

// Pool is a fixed-capacity, page-granular physical memory arena with a
// singly linked free list threaded through the arena itself.
type Pool struct {
	mu      sync.Mutex
	arena   []byte
	base    mem.Pa_t
	npages  int
	nexti   []uint32
	freei   uint32
	freelen int
}

// New mmaps an arena of npages pages and initializes the free list so
// every page is free.
func New(npages int) (*Pool, error) {
	if npages <= 0 {
		panic("bad npages")
	}
	size := npages * mem.PGSIZE
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap %d pages: %w", npages, err)
	}
	p := &Pool{
		arena:  arena,
		base:   mem.Pa_t(uintptrOf(arena)),
		npages: npages,
		nexti:  make([]uint32, npages),
	}
	p.freei = 0
	p.freelen = npages
	for i := 0; i < npages; i++ {
		if i == npages-1 {
			p.nexti[i] = sentinel
		} else {
			p.nexti[i] = uint32(i + 1)
		}
	}
	return p, nil
}

// Close unmaps the arena. Frames handed out before Close must not be used
// afterward.
func (p *Pool) Close() error {
	return unix.Munmap(p.arena)
}

func (p *Pool) idx(pa mem.Pa_t) int {
	off := int(pa - p.base)
	if off < 0 || off%mem.PGSIZE != 0 || off/mem.PGSIZE >= p.npages {
		panic("frame: address not owned by this pool")
	}
	return off / mem.PGSIZE
}

// Alloc removes one page from the free list, zeroes it, and returns its
// physical address. It returns ok=false on exhaustion, mirroring
// frame_alloc's null-on-exhaustion contract.
func (p *Pool) Alloc() (mem.Pa_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == sentinel {
		return 0, false
	}
	idx := p.freei
	p.freei = p.nexti[idx]
	p.freelen--
	if p.freelen < 0 {
		panic("frame: negative free count")
	}
	pa := p.base + mem.Pa_t(int(idx)*mem.PGSIZE)
	b := p.bytesLocked(pa)
	for i := range b {
		b[i] = 0
	}
	return pa, true
}

// Free returns a page to the free list.
func (p *Pool) Free(pa mem.Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := uint32(p.idx(pa))
	p.nexti[idx] = p.freei
	p.freei = idx
	p.freelen++
}

// Bytes returns the page-sized byte slice backing the physical address pa.
func (p *Pool) Bytes(pa mem.Pa_t) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesLocked(pa)
}

func (p *Pool) bytesLocked(pa mem.Pa_t) []byte {
	idx := p.idx(pa)
	start := idx * mem.PGSIZE
	return p.arena[start : start+mem.PGSIZE]
}

// Free count, for tests and diagnostics.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}
