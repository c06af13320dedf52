// Package slots defines the resident-frame and swap-slot bookkeeping
// records, shared between procvm (which owns the arrays) and policy
// (which scans them to pick eviction victims). Splitting them into
// their own package avoids a procvm<->policy import cycle.
package slots

import "github.com/go-teaching-os/sv39vm/pagetable"

// State is a slot's occupancy state.
type State int

const (
	Unused State = iota
	Used
)

// Resident is one entry in a process's fixed-capacity resident-frame
// table.
type Resident struct {
	State     State
	VA        int // page-aligned virtual address
	Pagetable *pagetable.Table // owning root
	Counter   uint32           // aging counter
}

// Swap is one entry in a process's fixed-capacity swap-slot table. The
// slot's index in the owning array is also its byte offset (times
// PAGE_SIZE) within the swap file.
type Swap struct {
	State   State
	VA      int
	Counter uint32
}
