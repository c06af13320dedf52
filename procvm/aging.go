package procvm

import (
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/policy"
	"github.com/go-teaching-os/sv39vm/slots"
)

// AgingTick implements periodic reference-bit aging: for every USED
// resident slot, right-shift its counter by one, and if
// the page's A (accessed) bit is set, OR 0x80000000 into the counter and
// clear A. NFUA and LAPA both rely on this; SCFIFO ignores the counter
// it produces, and the NONE policy skips aging entirely.
func (p *Proc) AgingTick() {
	p.Lock_pmap()
	defer p.Unlock_pmap()

	if _, isNone := p.Policy.(policy.None); isNone {
		return
	}
	for i := range p.Resident {
		if p.Resident[i].State != slots.Used {
			continue
		}
		slot := &p.Resident[i]
		slot.Counter >>= 1
		pte, ok := pagetable.Walk(slot.Pagetable, p.Mem, slot.VA, false)
		if !ok {
			panic("procvm: aging tick walk")
		}
		if pte.Accessed() {
			slot.Counter |= 0x80000000
			*pte = pte.ClearAccessed()
		}
	}
}
