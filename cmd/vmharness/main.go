// Command vmharness drives an end-to-end demand-paging scenario (grow,
// write, fork, paged-out recovery, aging) against a real frame pool and
// swap file rather than a mock. It is a demo/diagnostic tool, not a
// test: it prints what it did and exits nonzero on the first
// unexpected error.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/frame"
	"github.com/go-teaching-os/sv39vm/mem"
	"github.com/go-teaching-os/sv39vm/pagetable"
	"github.com/go-teaching-os/sv39vm/policy"
	"github.com/go-teaching-os/sv39vm/procvm"
	"github.com/go-teaching-os/sv39vm/swapfile"
)

var (
	policyName = flag.String("policy", "lapa", "replacement policy: nfua, lapa, scfifo, none")
	pages      = flag.Int("pages", mem.MAX_PSYC_PAGES+4, "pages to grow the demo process to")
	verbose    = flag.Bool("v", false, "enable procvm diagnostics")
)

func pickPolicy(name string) (policy.Policy, error) {
	switch name {
	case "nfua":
		return policy.NFUA{}, nil
	case "lapa":
		return policy.LAPA{}, nil
	case "scfifo":
		return policy.SCFIFO{}, nil
	case "none":
		return policy.None{}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

func main() {
	flag.Parse()
	procvm.Verbose = *verbose

	pol, err := pickPolicy(*policyName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vmharness:", err)
		os.Exit(1)
	}

	m, err := frame.New(4096)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vmharness: frame.New:", err)
		os.Exit(1)
	}
	defer m.Close()

	dir, err := os.MkdirTemp("", "vmharness")
	if err != nil {
		fmt.Fprintln(os.Stderr, "vmharness:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	parent, err := spawn(100, m, pol, filepath.Join(dir, "parent.swap"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "vmharness:", err)
		os.Exit(1)
	}
	defer parent.Destroy()

	sz := *pages * mem.PGSIZE
	if _, errc := parent.Grow(0, mem.PGSIZE); errc != 0 {
		fmt.Fprintln(os.Stderr, "vmharness: grow:", errc)
		os.Exit(1)
	}

	// Write the payload while va=0 is still resident. With more than
	// MAX_PSYC_PAGES pages and a paging policy, the growth below evicts
	// va=0 first, so the child reads the payload back from swap.
	payload := []byte("vmharness demo payload")
	if errc := parent.CopyOut(10, payload); errc != 0 {
		fmt.Fprintln(os.Stderr, "vmharness: copy_out:", errc)
		os.Exit(1)
	}

	if _, errc := parent.Grow(mem.PGSIZE, sz); errc != 0 {
		fmt.Fprintln(os.Stderr, "vmharness: grow:", errc)
		os.Exit(1)
	}
	fmt.Printf("grew pid %d to %d bytes (%d pages) under %s\n", parent.Pid, sz, *pages, *policyName)

	child, err := spawn(101, m, pol, filepath.Join(dir, "child.swap"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "vmharness:", err)
		os.Exit(1)
	}
	defer child.Destroy()

	if errc := procvm.ForkCopy(parent, child, sz); errc != 0 {
		fmt.Fprintln(os.Stderr, "vmharness: fork_copy:", errc)
		os.Exit(1)
	}
	child.Size = sz
	fmt.Printf("forked pid %d -> pid %d\n", parent.Pid, child.Pid)

	got := make([]byte, len(payload))
	if errc := readThroughFault(child, 10, got); errc != 0 {
		fmt.Fprintln(os.Stderr, "vmharness: child copy_in:", errc)
		os.Exit(1)
	}
	if string(got) != string(payload) {
		fmt.Fprintf(os.Stderr, "vmharness: child read %q, want %q\n", got, payload)
		os.Exit(1)
	}
	fmt.Println("fork isolation and paged-out recovery verified")

	for i := 0; i < 3; i++ {
		parent.AgingTick()
	}
	fmt.Println("ran 3 aging ticks")
}

func spawn(pid int, m pagetable.Memory, pol policy.Policy, swapPath string) (*procvm.Proc, error) {
	sf, err := swapfile.Create(swapPath)
	if err != nil {
		return nil, fmt.Errorf("swapfile.Create: %w", err)
	}
	p, err := procvm.New(pid, m, sf, pol)
	if err != nil {
		return nil, fmt.Errorf("procvm.New: %w", err)
	}
	return p, nil
}

// readThroughFault calls CopyIn and, if the target page has been paged
// out, runs FaultLoad itself before retrying, the role a real trap
// handler plays between a faulting load instruction and procvm.
func readThroughFault(p *procvm.Proc, va int, dst []byte) defs.Err_t {
	if errc := p.CopyIn(dst, va); errc != defs.EFAULT {
		return errc
	}
	if errc := p.FaultLoad(mem.PGROUNDDOWN(va)); errc != 0 {
		return errc
	}
	return p.CopyIn(dst, va)
}
