package frame

import "unsafe"

// uintptrOf returns the starting address of an mmap'd arena so Pool can
// hand out addresses that are stable for the arena's lifetime.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
