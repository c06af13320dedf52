package pagetable

import (
	"unsafe"

	"github.com/go-teaching-os/sv39vm/mem"
)

// Table is a single 512-entry Sv39 page-table page.
type Table [512]PTE

// FrameAllocator is the frame_alloc/frame_free external collaborator a
// page table needs to grow and shrink itself.
type FrameAllocator interface {
	Alloc() (mem.Pa_t, bool)
	Free(mem.Pa_t)
}

// Memory additionally exposes a direct-map accessor so the walker can
// interpret a physical address as a page-table page.
type Memory interface {
	FrameAllocator
	Bytes(mem.Pa_t) []byte
}

// TableAt reinterprets the page at pa as a page-table page.
func TableAt(m Memory, pa mem.Pa_t) *Table {
	b := m.Bytes(pa)
	if len(b) != mem.PGSIZE {
		panic("pagetable: frame is not page-sized")
	}
	return (*Table)(unsafe.Pointer(&b[0]))
}

// px extracts the 9-bit index for the given Sv39 level (0, 1, or 2) from
// a virtual address.
func px(level uint, va int) int {
	shift := mem.PGSHIFT + 9*level
	return int((va >> shift) & 0x1ff)
}

// Walk descends the three Sv39 levels for va and returns the level-0 PTE
// slot. If alloc is true, missing non-leaf tables are allocated and
// zeroed; otherwise walk returns ok=false on a missing intermediate
// table. It never inspects leaf flags, and panics if va is out of range.
func Walk(root *Table, m Memory, va int, alloc bool) (*PTE, bool) {
	if mem.Pa_t(va) >= mem.MAXVA {
		panic("walk: va >= MAXVA")
	}
	table := root
	for level := 2; level > 0; level-- {
		pte := &table[px(uint(level), va)]
		if pte.Valid() {
			table = TableAt(m, PTE2PA(*pte))
			continue
		}
		if !alloc {
			return nil, false
		}
		pa, ok := m.Alloc()
		if !ok {
			return nil, false
		}
		*pte = PA2PTE(pa) | PTE_V
		table = TableAt(m, pa)
	}
	return &table[px(0, va)], true
}

// MapRange installs leaf mappings for every page in
// [PGROUNDDOWN(va), PGROUNDDOWN(va+size-1)], backed by physical addresses
// starting at pa, incrementing by one page per virtual page. It panics if
// any target leaf is already valid ("remap"), and returns false only when
// the walker itself runs out of frames while allocating intermediate
// tables.
func MapRange(root *Table, m Memory, va, size int, pa mem.Pa_t, perm PTE) bool {
	a := mem.PGROUNDDOWN(va)
	last := mem.PGROUNDDOWN(va + size - 1)
	for {
		pte, ok := Walk(root, m, a, true)
		if !ok {
			return false
		}
		InstallLeaf(pte, pa, perm|PTE_V)
		if a == last {
			break
		}
		a += mem.PGSIZE
		pa += mem.Pa_t(mem.PGSIZE)
	}
	return true
}

// UnmapRange removes npages of leaf mappings starting at the page-aligned
// address va. For each page it requires the leaf to be mapped (V or PG
// set); it is fatal if neither bit is set or the leaf is actually a
// non-leaf entry. If the page is resident (V=1) and freeFrames is true,
// the backing frame is freed. onUnmap, if non-nil, is invoked for every
// unmapped page before the PTE is cleared, so a caller holding its own
// process lock can clear matching resident-set bookkeeping exactly once
// per page.
func UnmapRange(root *Table, m Memory, va, npages int, freeFrames bool, onUnmap func(va int, pte PTE)) {
	if va%mem.PGSIZE != 0 {
		panic("unmap_range: not aligned")
	}
	for a := va; a < va+npages*mem.PGSIZE; a += mem.PGSIZE {
		pte, ok := Walk(root, m, a, false)
		if !ok {
			panic("unmap_range: walk")
		}
		if !pte.Mapped() {
			panic("unmap_range: not mapped")
		}
		if !pte.Leaf() {
			panic("unmap_range: not a leaf")
		}
		if freeFrames && pte.Valid() {
			m.Free(PTE2PA(*pte))
		}
		if onUnmap != nil {
			onUnmap(a, *pte)
		}
		*pte = 0
	}
}

// Freewalk recursively tears down every non-leaf page-table page rooted
// at root, including root itself. It panics if any leaf is still valid;
// callers must unmap all leaves first.
func Freewalk(root *Table, m Memory, rootPA mem.Pa_t) {
	freewalk(root, m)
	m.Free(rootPA)
}

func freewalk(table *Table, m Memory) {
	for i := range table {
		pte := table[i]
		if pte.Valid() && !pte.Leaf() {
			childPA := PTE2PA(pte)
			freewalk(TableAt(m, childPA), m)
			m.Free(childPA)
			table[i] = 0
		} else if pte.Valid() {
			panic("freewalk: leaf")
		}
	}
}

// TLBFence is the TLB-flush intrinsic external collaborator. There is no
// real hart to flush in a hosted Go process, so this is a counted no-op
// stand-in for a real sfence.vma broadcast; Count reports how many
// fences have been issued.
type TLBFence struct {
	count int
}

// Fence records a TLB invalidation for npages pages starting at va.
func (t *TLBFence) Fence(va uintptr, npages int) {
	if npages == 0 {
		return
	}
	t.count++
}

// Count returns the number of fences issued so far.
func (t *TLBFence) Count() int { return t.count }
