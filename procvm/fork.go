package procvm

import (
	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/slots"
)

// ForkCopy duplicates size bytes of old's address space into new's,
// preserving the exact (V, PG, R, W, X, U) flag pattern of every page,
// including paged-out pages, which remain paged out in the child.
//
// A paged-out parent page has its source bytes read from the parent's
// own swap slot, the way FaultLoad would, rather than from
// PTE2PA(*pte), which would be a stale physical address once the frame
// was freed at swap-out time. The recovered bytes are then pushed back
// out to the child's own swap file and its own swap-slot table rather
// than left resident, which keeps the child's (V, PG) flag pattern
// identical to the parent's and keeps its resident/swap slot counts
// mirroring its own leaf PTE counts immediately after fork.
func ForkCopy(old, new *Proc, size int) defs.Err_t {
	old.Lock_pmap()
	defer old.Unlock_pmap()
	new.Lock_pmap()
	defer new.Unlock_pmap()

	i := 0
	for ; i < size; i += mem.PGSIZE {
		oldPTE, ok := pagetable.Walk(old.Root, old.Mem, i, false)
		if !ok {
			panic("procvm: fork_copy pte should exist")
		}
		if !oldPTE.Mapped() {
			panic("procvm: fork_copy page not present")
		}
		flags := oldPTE.Flags()

		scratchPA, ok := new.Mem.Alloc()
		if !ok {
			if i > 0 {
				pagetable.UnmapRange(new.Root, new.Mem, 0, i/mem.PGSIZE, true, nil)
			}
			return defs.ENOMEM
		}

		if oldPTE.PagedOut() {
			*oldPTE = *oldPTE &^ pagetable.PTE_V
			old.Tlb.Fence(uintptr(i), 1)

			oldSwapIdx := old.findSwapSlot(i)
			if oldSwapIdx == -1 {
				panic("procvm: fork_copy missing swap slot for paged-out page")
			}
			if !old.Swap.Read(new.Mem.Bytes(scratchPA), oldSwapIdx*mem.PGSIZE, mem.PGSIZE) {
				panic("procvm: fork_copy swap read failed")
			}

			newSwapIdx := new.firstUnusedSwap()
			if newSwapIdx == -1 {
				panic("procvm: fork_copy child swap file exhausted")
			}
			new.Swap.Write(new.Mem.Bytes(scratchPA), newSwapIdx*mem.PGSIZE, mem.PGSIZE)
			new.Mem.Free(scratchPA)
			new.Swapped[newSwapIdx] = slots.Swap{
				State:   slots.Used,
				VA:      i,
				Counter: old.Swapped[oldSwapIdx].Counter,
			}

			newPTE, ok := pagetable.Walk(new.Root, new.Mem, i, true)
			if !ok {
				pagetable.UnmapRange(new.Root, new.Mem, 0, i/mem.PGSIZE, true, nil)
				return defs.ENOMEM
			}
			pagetable.InstallLeaf(newPTE, 0, flags)
			continue
		}

		copy(new.Mem.Bytes(scratchPA), old.Mem.Bytes(pagetable.PTE2PA(*oldPTE)))
		newPTE, ok := pagetable.Walk(new.Root, new.Mem, i, true)
		if !ok {
			new.Mem.Free(scratchPA)
			pagetable.UnmapRange(new.Root, new.Mem, 0, i/mem.PGSIZE, true, nil)
			return defs.ENOMEM
		}
		pagetable.InstallLeaf(newPTE, scratchPA, flags)
		if new.pagingActive() {
			new.registerResidentLocked(i)
		}
	}
	return 0
}
