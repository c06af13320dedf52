package procvm

import (
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/slots"
)

// swapOutLocked implements the swap-out engine. The caller must hold
// the address-space lock. It picks a victim, writes it
// to the swap file (dropping the lock for the blocking I/O window),
// frees its frame, rewrites its leaf PTE to paged-out, and recycles its
// resident slot for the new page (va, pt) the caller is making room for.
// It returns the recycled slot's index.
func (p *Proc) swapOutLocked(va int, pt *pagetable.Table) int {
	p.Lockassert_pmap()

	victimIdx, ok := p.Policy.PickVictim(p.Mem, p.Resident[:])
	if !ok {
		panic("procvm: swap-out found no victim")
	}
	victim := &p.Resident[victimIdx]
	if victim.State != slots.Used {
		panic("procvm: swap-out victim not in use")
	}

	swapIdx := p.firstUnusedSwap()
	if swapIdx == -1 {
		// A full swap file with a full resident set has no recovery
		// path: the process has more live pages than its paging budget.
		panic("procvm: swap file exhausted")
	}

	pte, ok := pagetable.Walk(victim.Pagetable, p.Mem, victim.VA, false)
	if !ok {
		panic("procvm: swap-out walk")
	}
	pa := pagetable.PTE2PA(*pte)
	logf("swap-out: pid=%d victim va=%#x pa=%#x -> slot %d", p.Pid, victim.VA, pa, swapIdx)

	// The lock is dropped here because swap_write may block on disk
	// I/O; the victim's PTE has not yet been rewritten, but no other
	// goroutine can run concurrently for this process (a process is
	// single-threaded with respect to its own address space).
	p.withUnlockedIO(func() bool {
		return p.Swap.Write(p.Mem.Bytes(pa), swapIdx*mem.PGSIZE, mem.PGSIZE)
	})

	p.Mem.Free(pa)

	p.Swapped[swapIdx] = slots.Swap{
		State:   slots.Used,
		VA:      victim.VA,
		Counter: victim.Counter,
	}

	*pte = (*pte &^ pagetable.PTE_V) | pagetable.PTE_PG
	p.Tlb.Fence(uintptr(victim.VA), 1)

	victim.VA = va
	victim.Pagetable = pt
	victim.State = slots.Used
	victim.Counter = p.Policy.ResetCounter()
	p.Policy.OnTouch(p.Resident[:], victimIdx)

	return victimIdx
}
