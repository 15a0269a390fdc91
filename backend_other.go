//go:build !linux && !darwin && !windows

package backtrace

import (
	"context"
	"os"
)

// Fallback backend: thread operations are unsupported and every lookup
// returns what the Go runtime alone can provide.

func listSymbols(ctx context.Context, path string) ([]byte, error) {
	return nil, ErrUnsupported
}

func moduleOf(addr uintptr) moduleInfo {
	info := moduleInfo{Symbol: goSymbol(addr)}
	if info.Symbol != "" {
		info.Path, _ = os.Executable()
	}
	return info
}

func symbolizeOffline(object string, addr uintptr) symbolInfo {
	return symbolInfo{}
}

func platformAbort() {
	os.Exit(134)
}
