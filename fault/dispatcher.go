// Package fault is a minimal stand-in for a trap/fault dispatcher. There
// is no real trap frame in a hosted Go process, so Dispatcher just
// classifies a fault address/error code pair and calls into procvm
// directly, the way a kernel's real trap handler invokes its page-fault
// entry point.
package fault

import (
	"github.com/go-teaching-os/sv39vm/defs"
	"github.com/go-teaching-os/sv39vm/procvm"
)

// Dispatcher routes a page-not-present fault to FaultLoad. Any other
// fault classification (permission violation, guard page) is out of
// scope for this subsystem's tests and is reported as EFAULT.
type Dispatcher struct{}

// Handle services a page fault at va for proc. notPresent reports
// whether this is a page-not-present fault (the leaf has V=0, e.g.
// because the page is paged out) rather than a permission fault;
// not-present is the only case this subsystem resolves, and any other
// fault returns EFAULT.
func (Dispatcher) Handle(proc *procvm.Proc, va int, notPresent bool) defs.Err_t {
	if !notPresent {
		return defs.EFAULT
	}
	return proc.FaultLoad(va)
}
