package procvm

import (
	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/slots"
)

// userPerm is the fixed permission set every freshly grown page gets:
// user-accessible, readable, writable, executable. This kernel has no
// W^X enforcement for user pages.
const userPerm = pagetable.PTE_U | pagetable.PTE_R | pagetable.PTE_W | pagetable.PTE_X

// Grow extends the address space from oldSz to newSz, allocating and
// mapping one fresh zeroed frame per new page and, when paging is
// active, registering each page in the resident set (evicting a victim
// via the swap-out engine if the set is already full). On any
// allocation or mapping failure it rolls back to oldSz via Shrink and
// returns (0, ENOMEM).
func (p *Proc) Grow(oldSz, newSz int) (int, defs.Err_t) {
	p.Lock_pmap()
	defer p.Unlock_pmap()

	if newSz < oldSz {
		p.Size = oldSz
		return oldSz, 0
	}

	a := mem.PGROUNDUP(oldSz)
	for ; a < newSz; a += mem.PGSIZE {
		pa, ok := p.Mem.Alloc()
		if !ok {
			p.shrinkLocked(a, oldSz)
			p.Size = oldSz
			return 0, defs.ENOMEM
		}
		if !pagetable.MapRange(p.Root, p.Mem, a, mem.PGSIZE, pa, userPerm) {
			p.Mem.Free(pa)
			p.shrinkLocked(a, oldSz)
			p.Size = oldSz
			return 0, defs.ENOMEM
		}
		if p.pagingActive() {
			p.registerResidentLocked(a)
		}
	}
	p.Size = newSz
	return newSz, 0
}

// registerResidentLocked installs va into the first free resident slot,
// or evicts a victim via the swap-out engine and reuses its slot.
func (p *Proc) registerResidentLocked(va int) {
	idx := p.firstUnusedResident()
	if idx == -1 {
		p.swapOutLocked(va, p.Root)
		return
	}
	p.Resident[idx] = slots.Resident{
		State:     slots.Used,
		VA:        va,
		Pagetable: p.Root,
		Counter:   p.Policy.ResetCounter(),
	}
	p.Policy.OnTouch(p.Resident[:], idx)
}

// Shrink unmaps the tail of the address space down to newSz, freeing
// backing frames.
func (p *Proc) Shrink(oldSz, newSz int) int {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	ret := p.shrinkLocked(oldSz, newSz)
	p.Size = ret
	return ret
}

func (p *Proc) shrinkLocked(oldSz, newSz int) int {
	if newSz >= oldSz {
		return oldSz
	}
	if mem.PGROUNDUP(newSz) < mem.PGROUNDUP(oldSz) {
		npages := (mem.PGROUNDUP(oldSz) - mem.PGROUNDUP(newSz)) / mem.PGSIZE
		pagetable.UnmapRange(p.Root, p.Mem, mem.PGROUNDUP(newSz), npages, true, func(va int, _ pagetable.PTE) {
			p.clearSlotsFor(va)
		})
	}
	return newSz
}
