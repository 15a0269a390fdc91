//go:build linux || darwin

package backtrace

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformAbort is the end of the terminate path: raise SIGABRT with its
// default disposition so the process dies the way the platform expects,
// with os.Exit as the backstop if the signal does not take.
func platformAbort() {
	unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(134)
}

// killSelf delivers sig to the current process.
func killSelf(sig unix.Signal) error {
	return unix.Kill(unix.Getpid(), sig)
}
