package procvm

import (
	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
)

// UserWalkAddr returns the physical address backing the user virtual
// page containing va, or ok=false if va is out of range, unmapped (in
// either direction), or not user-accessible. A paged-out page reports
// ok=false here too, forcing the caller through FaultLoad rather than
// letting copy_in/copy_out silently succeed on a non-resident page.
func (p *Proc) UserWalkAddr(va int) (mem.Pa_t, bool) {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	return p.userWalkAddrLocked(va)
}

func (p *Proc) userWalkAddrLocked(va int) (mem.Pa_t, bool) {
	if mem.Pa_t(va) >= mem.MAXVA {
		return 0, false
	}
	pte, ok := pagetable.Walk(p.Root, p.Mem, va, false)
	if !ok {
		return 0, false
	}
	if !pte.Valid() && !pte.PagedOut() {
		return 0, false
	}
	if !pte.User() {
		return 0, false
	}
	if !pte.Valid() {
		// paged out: no physical address to hand back.
		return 0, false
	}
	return pagetable.PTE2PA(*pte), true
}

// CopyOut copies src into user memory starting at dstva, page by page.
func (p *Proc) CopyOut(dstva int, src []byte) defs.Err_t {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	for len(src) > 0 {
		va0 := mem.PGROUNDDOWN(dstva)
		pa0, ok := p.userWalkAddrLocked(va0)
		if !ok {
			return defs.EFAULT
		}
		off := dstva - va0
		n := mem.PGSIZE - off
		if n > len(src) {
			n = len(src)
		}
		copy(p.Mem.Bytes(pa0)[off:], src[:n])
		src = src[n:]
		dstva = va0 + mem.PGSIZE
	}
	return 0
}

// CopyIn copies len(dst) bytes from user memory starting at srcva into
// dst, page by page.
func (p *Proc) CopyIn(dst []byte, srcva int) defs.Err_t {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	for len(dst) > 0 {
		va0 := mem.PGROUNDDOWN(srcva)
		pa0, ok := p.userWalkAddrLocked(va0)
		if !ok {
			return defs.EFAULT
		}
		off := srcva - va0
		n := mem.PGSIZE - off
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst[:n], p.Mem.Bytes(pa0)[off:])
		dst = dst[n:]
		srcva = va0 + mem.PGSIZE
	}
	return 0
}

// CopyInStr copies a NUL-terminated string from user memory at srcva, up
// to max bytes. It returns the string (without the trailing NUL) and
// succeeds only if a NUL terminator was found within max bytes;
// otherwise it returns ENAMETOOLONG.
func (p *Proc) CopyInStr(srcva int, max int) (string, defs.Err_t) {
	p.Lock_pmap()
	defer p.Unlock_pmap()

	var out []byte
	got := 0
	for got < max {
		va0 := mem.PGROUNDDOWN(srcva)
		pa0, ok := p.userWalkAddrLocked(va0)
		if !ok {
			return "", defs.EFAULT
		}
		off := srcva - va0
		page := p.Mem.Bytes(pa0)[off:]
		n := max - got
		if n > len(page) {
			n = len(page)
		}
		for _, c := range page[:n] {
			if c == 0 {
				return string(out), 0
			}
			out = append(out, c)
			got++
		}
		srcva = va0 + mem.PGSIZE
	}
	return "", defs.ENAMETOOLONG
}

// UvmClear clears the U bit on the leaf PTE for va, producing an
// inaccessible guard page.
func (p *Proc) UvmClear(va int) {
	p.Lock_pmap()
	defer p.Unlock_pmap()
	pte, ok := pagetable.Walk(p.Root, p.Mem, va, false)
	if !ok {
		panic("procvm: uvmclear")
	}
	*pte &^= pagetable.PTE_U
}
