package backtrace

import "sync"

// MPI integration is a bridge, not a dependency: programs built against
// an MPI binding register probes here, and the terminate path consults
// them. Without a bridge, MPI is reported inactive and termination uses
// the platform abort primitive.

var mpiBridge struct {
	mu     sync.Mutex
	active func() bool
	abort  func(code int)
}

// SetMPIBridge registers the probes the terminate path uses: active
// reports whether MPI is initialized and not finalized; abort requests a
// global MPI abort with the given code.
func SetMPIBridge(active func() bool, abort func(code int)) {
	mpiBridge.mu.Lock()
	mpiBridge.active = active
	mpiBridge.abort = abort
	mpiBridge.mu.Unlock()
}

func mpiActive() bool {
	mpiBridge.mu.Lock()
	active := mpiBridge.active
	mpiBridge.mu.Unlock()
	return active != nil && active()
}

func mpiAbort(code int) {
	mpiBridge.mu.Lock()
	abort := mpiBridge.abort
	mpiBridge.mu.Unlock()
	if abort != nil {
		abort(code)
	}
}

// AbortMPI raises an AbortError attributed to the MPI layer; MPI error
// handlers installed by the bridge call this.
func AbortMPI(message string) {
	panic(newAbortError(message, CauseMPI, 0, 1))
}
