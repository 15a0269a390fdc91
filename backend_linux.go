package backtrace

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
)

// listSymbols produces an nm -n stream for the image at path. The
// --demangle flag makes GNU nm emit human-readable C++ names directly.
func listSymbols(ctx context.Context, path string) ([]byte, error) {
	return runTool(ctx, "nm", nil, "-n", "--demangle", path)
}

// mapping is one line of /proc/self/maps.
type mapping struct {
	start, end uintptr
	perms      string
	path       string
}

func readMappings() ([]mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var maps []mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// start-end perms offset dev inode  path
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			continue
		}
		m := mapping{
			start: uintptr(start),
			end:   uintptr(end),
			perms: fields[1],
		}
		if len(fields) >= 6 {
			m.path = fields[5]
		}
		maps = append(maps, m)
	}
	return maps, scanner.Err()
}

// moduleOf locates the loaded image owning addr using the dynamic loader
// map. The module base is the lowest mapping of the same image, which is
// what load-relative symbolizers expect.
func moduleOf(addr uintptr) moduleInfo {
	info := moduleInfo{Symbol: goSymbol(addr)}
	maps, err := readMappings()
	if err != nil {
		logger.Debug().Err(err).Msg("reading process mappings")
		return info
	}
	for _, m := range maps {
		if addr < m.start || addr >= m.end || m.path == "" {
			continue
		}
		if !strings.Contains(m.perms, "x") {
			continue
		}
		info.Path = m.path
		info.Base = m.start
		for _, b := range maps {
			if b.path == m.path && b.start < info.Base {
				info.Base = b.start
			}
		}
		break
	}
	if info.Path == "" && info.Symbol != "" {
		// The runtime knows the function but the maps walk missed it;
		// attribute the frame to the main executable.
		info.Path, _ = os.Executable()
	}
	return info
}

// symbolizeOffline resolves addr within the image at object, first with
// the in-process DWARF reader and then by invoking addr2line. Both paths
// tolerate missing or stripped binaries by returning empty fields.
func symbolizeOffline(object string, addr uintptr) symbolInfo {
	if object == "" || addr == 0 {
		return symbolInfo{}
	}
	if si, ok := dwarfSymbolize(object, uint64(addr)); ok {
		return si
	}
	return addr2line(object, addr)
}

func addr2line(object string, addr uintptr) symbolInfo {
	out, err := runTool(context.Background(), "addr2line", nil,
		"-f", "-C", "-e", object, "0x"+strconv.FormatUint(uint64(addr), 16))
	if err != nil {
		logger.Debug().Err(err).Str("object", object).Msg("addr2line unavailable")
		return symbolInfo{}
	}
	return parseAddr2line(string(out))
}

// parseAddr2line reads the two-line "function\nfile:line" output of
// addr2line -f. Unknown entries are reported as "??" and "??:0" (or
// "??:?"), both of which degrade to empty fields.
func parseAddr2line(out string) symbolInfo {
	var si symbolInfo
	fn, rest, _ := strings.Cut(out, "\n")
	if fn != "" && fn != "??" {
		si.Function = fn
	}
	loc, _, _ := strings.Cut(rest, "\n")
	// Discriminator annotations trail the position after a space.
	if i := strings.IndexByte(loc, ' '); i >= 0 {
		loc = loc[:i]
	}
	i := strings.LastIndexByte(loc, ':')
	if i <= 0 {
		return si
	}
	file, lineText := loc[:i], loc[i+1:]
	if file == "??" {
		return si
	}
	line, err := strconv.ParseUint(lineText, 10, 32)
	if err != nil || line == 0 {
		return si
	}
	si.Filename = file
	si.Line = uint32(line)
	return si
}
