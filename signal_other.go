//go:build !linux && !darwin && !windows

package backtrace

import "os"

func RaiseSignal(sig os.Signal) error {
	return ErrUnsupported
}

func raiseDefault(sig os.Signal) {
	os.Exit(134)
}

func AllSignalsToCatch() []os.Signal {
	return nil
}

func DefaultSignalsToCatch() []os.Signal {
	return nil
}
