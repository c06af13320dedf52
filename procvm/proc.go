// Package procvm implements per-process address-space operations: Proc
// (the per-process handle carrying the page-table root, the
// resident/swap tables, and the lock protecting them), address-space
// growth and shrink, fork-time copy, kernel<->user copy, the swap-out
// engine, the swap-in (fault) engine, and the aging tick.
//
// Proc carries an embedded mutex plus Lock_pmap/Unlock_pmap/
// Lockassert_pmap rather than relying on an ambient "current process";
// every entry point here takes a *Proc explicitly instead.
package procvm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/policy"
	"github.com/go-teaching-os/sv39vm/slots"
	"github.com/go-teaching-os/sv39vm/swapfile"
)

// Verbose gates the swap-out/swap-in diagnostics this package prints:
// plain fmt.Printf-style verbosity rather than a structured-logging
// dependency.
var Verbose = false

func logf(format string, args ...any) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "procvm: "+format+"\n", args...)
	}
}

// Proc is a process's user address space: its page-table root, its
// fixed-capacity resident-frame and swap-slot tables, and the lock
// protecting all three.
type Proc struct {
	sync.Mutex
	pgfltaken bool

	Pid    int
	Root   *pagetable.Table
	RootPA mem.Pa_t
	Mem    pagetable.Memory
	Swap   swapfile.SwapFile
	Policy policy.Policy
	Tlb    *pagetable.TLBFence

	Size int // current process size in bytes

	Resident [mem.MAX_PSYC_PAGES]slots.Resident
	Swapped  [mem.MAX_PSYC_PAGES]slots.Swap
}

// New allocates a fresh, empty address space for pid: a zeroed root
// table and empty resident/swap tables. Processes with pid <= 2 are
// bootstrap processes exempt from paging bookkeeping.
func New(pid int, m pagetable.Memory, sw swapfile.SwapFile, pol policy.Policy) (*Proc, error) {
	rootPA, ok := m.Alloc()
	if !ok {
		return nil, errors.New("procvm: out of frames allocating root page table")
	}
	p := &Proc{
		Pid:    pid,
		Root:   pagetable.TableAt(m, rootPA),
		RootPA: rootPA,
		Mem:    m,
		Swap:   sw,
		Policy: pol,
		Tlb:    &pagetable.TLBFence{},
	}
	return p, nil
}

// Lock_pmap acquires the address-space lock and marks that it is held,
// for Lockassert_pmap.
func (p *Proc) Lock_pmap() {
	p.Lock()
	p.pgfltaken = true
}

// Unlock_pmap releases the address-space lock.
func (p *Proc) Unlock_pmap() {
	p.pgfltaken = false
	p.Unlock()
}

// Lockassert_pmap panics if the address-space lock is not held.
func (p *Proc) Lockassert_pmap() {
	if !p.pgfltaken {
		panic("procvm: pmap lock must be held")
	}
}

// withUnlockedIO is the scoped "lock, unlocked-I/O window, lock"
// pattern: it releases the lock, runs fn (blocking swap I/O), then
// reacquires before returning. There is exactly one release and one
// reacquire per call, so every caller funnels through a single path
// instead of managing its own unlock/relock around I/O.
func (p *Proc) withUnlockedIO(fn func() bool) bool {
	p.Unlock_pmap()
	ok := fn()
	p.Lock_pmap()
	return ok
}

// pagingActive reports whether this process participates in demand
// paging: the bootstrap processes (pid <= 2) and the NONE policy both
// exempt a process from resident/swap bookkeeping entirely.
func (p *Proc) pagingActive() bool {
	if p.Pid <= 2 {
		return false
	}
	if _, isNone := p.Policy.(policy.None); isNone {
		return false
	}
	return true
}

func (p *Proc) firstUnusedResident() int {
	for i := range p.Resident {
		if p.Resident[i].State == slots.Unused {
			return i
		}
	}
	return -1
}

func (p *Proc) firstUnusedSwap() int {
	for i := range p.Swapped {
		if p.Swapped[i].State == slots.Unused {
			return i
		}
	}
	return -1
}

func (p *Proc) findSwapSlot(va int) int {
	for i := range p.Swapped {
		if p.Swapped[i].State == slots.Used && p.Swapped[i].VA == va {
			return i
		}
	}
	return -1
}

// clearSlotsFor clears any resident or swap slot referencing va in this
// process, used by UnmapRange's onUnmap callback. Exactly one of the
// two tables can hold a given va, but both are checked unconditionally
// rather than branching on the PTE's V/PG bits.
func (p *Proc) clearSlotsFor(va int) {
	for i := range p.Resident {
		if p.Resident[i].State == slots.Used && p.Resident[i].VA == va && p.Resident[i].Pagetable == p.Root {
			p.Resident[i] = slots.Resident{}
		}
	}
	for i := range p.Swapped {
		if p.Swapped[i].State == slots.Used && p.Swapped[i].VA == va {
			p.Swapped[i] = slots.Swap{}
		}
	}
}

// Destroy unmaps the whole address space (freeing backing frames) and
// recursively frees every page-table page, mirroring the original
// uvmfree(pagetable, sz).
func (p *Proc) Destroy() {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	if p.Size > 0 {
		npages := mem.PGROUNDUP(p.Size) / mem.PGSIZE
		pagetable.UnmapRange(p.Root, p.Mem, 0, npages, true, func(va int, _ pagetable.PTE) {
			p.clearSlotsFor(va)
		})
	}
	pagetable.Freewalk(p.Root, p.Mem, p.RootPA)
}
