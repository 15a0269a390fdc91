package backtrace

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// listSymbols produces an nm -n stream for the image at path. Darwin's nm
// has no demangling flag, so the stream is piped through c++filt.
func listSymbols(ctx context.Context, path string) ([]byte, error) {
	out, err := runTool(ctx, "nm", nil, "-n", path)
	if err != nil {
		return nil, err
	}
	demangled, err := runTool(ctx, "c++filt", out)
	if err != nil {
		// Mangled names are better than none.
		return out, nil
	}
	return demangled, nil
}

// moduleOf on Darwin has no procfs to consult; frames the runtime can
// name are attributed to the main executable.
func moduleOf(addr uintptr) moduleInfo {
	info := moduleInfo{Symbol: goSymbol(addr)}
	if info.Symbol != "" {
		info.Path, _ = os.Executable()
	}
	return info
}

var atosEnabled atomic.Bool

// SetAtosEnabled turns the atos fallback symbolizer on or off. It is off
// by default: atos prompts for developer-tool installation on machines
// without Xcode, which is unacceptable inside a crash path.
func SetAtosEnabled(enabled bool) {
	atosEnabled.Store(enabled)
}

func symbolizeOffline(object string, addr uintptr) symbolInfo {
	if object == "" || addr == 0 {
		return symbolInfo{}
	}
	if si, ok := dwarfSymbolize(object, uint64(addr)); ok {
		return si
	}
	if !atosEnabled.Load() {
		return symbolInfo{}
	}
	return atos(object, addr)
}

func atos(object string, addr uintptr) symbolInfo {
	out, err := runTool(context.Background(), "atos", nil,
		"-o", object, "0x"+strconv.FormatUint(uint64(addr), 16))
	if err != nil {
		logger.Debug().Err(err).Str("object", object).Msg("atos unavailable")
		return symbolInfo{}
	}
	return parseAtos(string(out))
}

// parseAtos reads atos output of the form
// "function (in module) (file:line)". An unresolved address is echoed
// back as a bare hex value, which degrades to empty fields.
func parseAtos(out string) symbolInfo {
	var si symbolInfo
	line, _, _ := strings.Cut(out, "\n")
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "0x") {
		return si
	}
	fn, rest, found := strings.Cut(line, " (in ")
	si.Function = strings.TrimSpace(fn)
	if !found {
		return si
	}
	_, pos, found := strings.Cut(rest, ") (")
	if !found {
		return si
	}
	pos = strings.TrimSuffix(pos, ")")
	i := strings.LastIndexByte(pos, ':')
	if i <= 0 {
		return si
	}
	n, err := strconv.ParseUint(pos[i+1:], 10, 32)
	if err != nil || n == 0 {
		return si
	}
	si.Filename = pos[:i]
	si.Line = uint32(n)
	return si
}
