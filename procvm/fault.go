package procvm

import (
	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/slots"
)

// FaultLoad services a page-not-present fault at va: it allocates a
// fresh frame, finds (or makes, via swap-out) a free resident slot,
// reads the page's contents back from its swap slot, and rewrites the
// leaf PTE to resident. Swap-read failure is fatal, as is a missing
// swap slot for a page the caller believed was paged out.
func (p *Proc) FaultLoad(va int) defs.Err_t {
	roundVA := mem.PGROUNDDOWN(va)

	newPA, ok := p.Mem.Alloc()
	if !ok {
		return defs.ENOMEM
	}

	p.Lock_pmap()
	defer p.Unlock_pmap()

	idx := p.firstUnusedResident()
	swappedOut := idx == -1
	if swappedOut {
		// Case B: evict a victim first. swap-out already registers the
		// faulting page into the recycled slot (and, under SCFIFO,
		// relocates it via OnTouch), so the registration below must be
		// skipped for this path.
		p.swapOutLocked(roundVA, p.Root)
	}

	swapIdx := p.findSwapSlot(roundVA)
	if swapIdx == -1 {
		panic("procvm: fault_load found no swap slot for va")
	}
	logf("swap-in: pid=%d va=%#x <- slot %d", p.Pid, roundVA, swapIdx)

	ok = p.withUnlockedIO(func() bool {
		return p.Swap.Read(p.Mem.Bytes(newPA), swapIdx*mem.PGSIZE, mem.PGSIZE)
	})
	if !ok {
		panic("procvm: swap read failed")
	}

	pte, found := pagetable.Walk(p.Root, p.Mem, roundVA, false)
	if !found {
		panic("procvm: fault_load walk")
	}
	flags := (pte.Flags() &^ pagetable.PTE_PG) | pagetable.PTE_V
	*pte = pagetable.PA2PTE(newPA) | flags
	p.Tlb.Fence(uintptr(roundVA), 1)

	if !swappedOut {
		p.Resident[idx] = slots.Resident{
			State:     slots.Used,
			VA:        roundVA,
			Pagetable: p.Root,
			Counter:   p.Policy.ResetCounter(),
		}
		p.Policy.OnTouch(p.Resident[:], idx)
	}
	p.Swapped[swapIdx] = slots.Swap{}

	return 0
}
