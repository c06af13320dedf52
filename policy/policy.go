// Package policy implements the four selectable page-replacement
// policies (NFUA, LAPA, SCFIFO, NONE) behind a single strategy
// interface, rather than compile-time conditional selection.
package policy

import (
	"math/bits"

	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/slots"
)

// Policy is the replacement-policy strategy capability. PickVictim
// scans res (the process's resident-frame table) and
// returns the index of the slot to evict. ResetCounter returns the
// initial aging counter for a newly activated page. OnTouch is the
// optional move-to-tail hook invoked by Grow, swap-out, and swap-in to
// keep newly activated pages at the tail of a FIFO-ordered policy; it is
// a no-op for every policy but SCFIFO.
type Policy interface {
	PickVictim(m pagetable.Memory, res []slots.Resident) (idx int, ok bool)
	ResetCounter() uint32
	OnTouch(res []slots.Resident, idx int)
}

// NFUA picks the slot with the numerically smallest aging counter,
// breaking ties in favor of the first (lowest-index) candidate.
type NFUA struct{}

func (NFUA) PickVictim(_ pagetable.Memory, res []slots.Resident) (int, bool) {
	return minBy(res, func(a, b *slots.Resident) bool {
		return a.Counter < b.Counter
	})
}

func (NFUA) ResetCounter() uint32 { return 0 }

func (NFUA) OnTouch(_ []slots.Resident, _ int) {}

// LAPA picks the slot whose counter has the fewest set bits, breaking
// ties by numerically smaller counter. Newly mapped pages reset to
// 0xFFFFFFFF so they start "maximally accessed" and are not immediately
// evicted.
type LAPA struct{}

func (LAPA) PickVictim(_ pagetable.Memory, res []slots.Resident) (int, bool) {
	return minBy(res, func(a, b *slots.Resident) bool {
		pa, pb := bits.OnesCount32(a.Counter), bits.OnesCount32(b.Counter)
		if pa != pb {
			return pa < pb
		}
		return a.Counter < b.Counter
	})
}

func (LAPA) ResetCounter() uint32 { return 0xFFFFFFFF }

func (LAPA) OnTouch(_ []slots.Resident, _ int) {}

// minBy returns the index of the first USED slot for which less reports
// it smaller than every other USED slot seen so far (first tie wins).
func minBy(res []slots.Resident, less func(a, b *slots.Resident) bool) (int, bool) {
	best := -1
	for i := range res {
		if res[i].State != slots.Used {
			continue
		}
		if best == -1 || less(&res[i], &res[best]) {
			best = i
		}
	}
	return best, best != -1
}

// SCFIFO implements second-chance FIFO: the resident array is treated as
// a queue with the head at index 0. A slot that has been accessed since
// its last pass gets its A bit cleared and is rotated to the tail
// instead of being evicted.
type SCFIFO struct{}

func (SCFIFO) PickVictim(m pagetable.Memory, res []slots.Resident) (int, bool) {
	if len(res) == 0 {
		return 0, false
	}
	for spins := 0; spins <= len(res); spins++ {
		head := &res[0]
		if head.State != slots.Used {
			rotateLeft(res)
			continue
		}
		pte, ok := pagetable.Walk(head.Pagetable, m, head.VA, false)
		if !ok {
			panic("scfifo: walk")
		}
		if pte.Accessed() {
			*pte = pte.ClearAccessed()
			rotateLeft(res)
			continue
		}
		return 0, true
	}
	return 0, false
}

func (SCFIFO) ResetCounter() uint32 { return 0 }

// OnTouch implements move_to_tail: res[idx] is moved to the last slot,
// with everything after it shifted down by one.
func (SCFIFO) OnTouch(res []slots.Resident, idx int) {
	moveToTail(res, idx)
}

// rotateLeft shifts elements [1..N-1] down by one and places the old
// head at [N-1], preserving array length.
func rotateLeft(res []slots.Resident) {
	if len(res) == 0 {
		return
	}
	first := res[0]
	copy(res, res[1:])
	res[len(res)-1] = first
}

// moveToTail moves res[idx] to index len(res)-1, shifting the
// intervening elements down by one.
func moveToTail(res []slots.Resident, idx int) {
	if idx < 0 || idx >= len(res) {
		panic("scfifo: bad index")
	}
	moved := res[idx]
	copy(res[idx:], res[idx+1:])
	res[len(res)-1] = moved
}

// None disables swapping entirely: victim selection always fails and
// resident-set bookkeeping is skipped by callers.
type None struct{}

func (None) PickVictim(_ pagetable.Memory, _ []slots.Resident) (int, bool) { return 0, false }

func (None) ResetCounter() uint32 { return 0 }

func (None) OnTouch(_ []slots.Resident, _ int) {}
