// Package pagetable implements the Sv39 page-table walker and the leaf
// map/unmap/teardown primitives: a three-level, software-managed page
// table with an extra software-defined PG (paged-out) bit alongside the
// architectural V/R/W/X/U/A/D flags.
package pagetable

import (
	"github.com/go-teaching-os/sv39vm/mem"
)

// PTE is one 64-bit Sv39 page-table entry.
type PTE uint64

// Flag bits. V/R/W/X/U/A/D follow the Sv39 leaf encoding; PG is the
// software-defined paged-out bit this subsystem owns (one of the RSW
// bits reserved for supervisor software, per the Sv39 spec).
const (
	PTE_V  PTE = 1 << 0
	PTE_R  PTE = 1 << 1
	PTE_W  PTE = 1 << 2
	PTE_X  PTE = 1 << 3
	PTE_U  PTE = 1 << 4
	PTE_G  PTE = 1 << 5
	PTE_A  PTE = 1 << 6
	PTE_D  PTE = 1 << 7
	PTE_PG PTE = 1 << 8

	flagMask = PTE(0x3ff)
)

// PA2PTE packs a page-aligned physical address into the PPN field of a PTE.
func PA2PTE(pa mem.Pa_t) PTE {
	return PTE(pa>>mem.PGSHIFT) << 10
}

// PTE2PA extracts the physical address from a PTE's PPN field.
func PTE2PA(p PTE) mem.Pa_t {
	return mem.Pa_t(p>>10) << mem.PGSHIFT
}

// Flags returns the low flag bits of a PTE, masking off the PPN.
func (p PTE) Flags() PTE { return p & flagMask }

// Valid reports whether V is set.
func (p PTE) Valid() bool { return p&PTE_V != 0 }

// PagedOut reports whether PG is set.
func (p PTE) PagedOut() bool { return p&PTE_PG != 0 }

// Mapped reports whether the leaf represents a mapped page, resident
// (V=1) or paged out (PG=1).
func (p PTE) Mapped() bool { return p.Valid() || p.PagedOut() }

// Leaf reports whether this is a leaf entry (any of R/W/X set) as opposed
// to a non-leaf entry pointing at the next-level table.
func (p PTE) Leaf() bool { return p&(PTE_R|PTE_W|PTE_X) != 0 }

// User reports whether U is set.
func (p PTE) User() bool { return p&PTE_U != 0 }

// Accessed reports whether A is set.
func (p PTE) Accessed() bool { return p&PTE_A != 0 }

// ClearAccessed returns p with A cleared.
func (p PTE) ClearAccessed() PTE { return p &^ PTE_A }
