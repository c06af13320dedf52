package pagetable

import "github.com/go-teaching-os/sv39vm/mem"

// InstallLeaf writes pa and flags into *pte verbatim, panicking if the
// slot is already valid ("remap"). Unlike MapRange it does not force V,
// so callers that must preserve an exact flag pattern across V/PG
// (fork_copy duplicating a paged-out entry) can use it directly.
func InstallLeaf(pte *PTE, pa mem.Pa_t, flags PTE) {
	if pte.Valid() {
		panic("pagetable: remap")
	}
	*pte = PA2PTE(pa) | flags
}
