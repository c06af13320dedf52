// Package swapfile implements the per-process backing store for demand
// paging (swap_write/swap_read). File is backed by a real *os.File so
// the blocking-I/O window around swap-out/swap-in is genuine rather
// than simulated, the same way a kernel subsystem gets a concrete,
// real-syscall-based collaborator instead of an in-memory fake.
package swapfile

import (
	"os"

	"github.com/go-teaching-os/sv39vm/mem"
)

// SwapFile is the contract consumed by the swap-out and swap-in engines.
type SwapFile interface {
	// Write copies length bytes from src into the backing file at byte
	// offset off. It returns false on I/O failure.
	Write(src []byte, off, length int) bool
	// Read copies length bytes from the backing file at offset off into
	// dst. It returns false on I/O failure, which is fatal to callers.
	Read(dst []byte, off, length int) bool
}

// File is a disk-backed swap file of MAX_PSYC_PAGES*PGSIZE bytes.
type File struct {
	f *os.File
}

// Create opens (creating if necessary) a swap file at path sized to
// hold mem.MAX_PSYC_PAGES pages: a packed array of MAX_PSYC_PAGES
// frames, slot i at bytes [i*4096, (i+1)*4096).
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(mem.MAX_PSYC_PAGES * mem.PGSIZE)); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f}, nil
}

// Close closes and does not remove the backing file.
func (sf *File) Close() error {
	return sf.f.Close()
}

// Write implements SwapFile.
func (sf *File) Write(src []byte, off, length int) bool {
	if length > len(src) {
		panic("swapfile: length exceeds source")
	}
	n, err := sf.f.WriteAt(src[:length], int64(off))
	return err == nil && n == length
}

// Read implements SwapFile.
func (sf *File) Read(dst []byte, off, length int) bool {
	if length > len(dst) {
		panic("swapfile: length exceeds destination")
	}
	n, err := sf.f.ReadAt(dst[:length], int64(off))
	return err == nil && n == length
}
