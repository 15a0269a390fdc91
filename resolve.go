package backtrace

import (
	"os"
)

// Resolve turns a raw program counter into a StackFrame. Resolution is
// best effort and layered: the loader names the module and, for Go text,
// the function; the symbol cache covers static symbols the loader cannot
// see; the offline symbolizer contributes source positions. A frame with
// only Address populated is still returned when every layer misses.
func Resolve(addr uintptr) StackFrame {
	f := StackFrame{Address: addr}
	if addr == 0 {
		return f
	}

	mod := moduleOf(addr)
	f.Object = mod.Path
	f.Function = mod.Symbol
	exe, _ := os.Executable()
	shared := mod.Path != "" && mod.Path != exe
	if shared && mod.Base != 0 {
		f.Address2 = addr - mod.Base
	}

	if f.Function == "" {
		// The loader only resolves exported symbols; the cache built
		// from the executable's own symbol table covers the rest.
		if table, err := Symbols(); err == nil {
			if name, _, ok := table.Lookup(addr); ok {
				f.Function = name
				if f.Object == "" {
					f.Object = exe
				}
			}
		}
	}

	if f.Function != "" && f.Filename == "" {
		if file, line := goFileLine(addr); file != "" {
			f.Filename = file
			f.Line = line
		}
	}

	if f.Filename == "" && f.Object != "" {
		// Shared objects want load-relative addresses.
		lookupAddr := addr
		if shared {
			lookupAddr = f.Address2
		}
		si := symbolizeOffline(f.Object, lookupAddr)
		if si.Filename != "" {
			f.Filename = si.Filename
			f.Line = si.Line
		}
		if f.Function == "" {
			f.Function = si.Function
		}
	}

	if f.Filename == "" {
		f.Line = 0
	}
	return f
}

// ResolveAll maps a capture through Resolve.
func ResolveAll(pcs []uintptr) []StackFrame {
	frames := make([]StackFrame, 0, len(pcs))
	for _, pc := range pcs {
		if pc == 0 {
			continue
		}
		frames = append(frames, Resolve(pc))
	}
	return frames
}

// CallStack captures and resolves the calling goroutine's stack,
// innermost first. The error is ErrTruncated when max was reached; the
// frames are still valid then.
func CallStack(max int) ([]StackFrame, error) {
	pcs, err := callers(1, max)
	return ResolveAll(pcs), err
}

// AllCallStacks captures every goroutine of the process and aggregates
// the resolved stacks into a prefix-shared tree.
func AllCallStacks(max int) (*MultiStack, error) {
	raw, err := goroutineStacks(max)
	stacks := make([][]StackFrame, 0, len(raw))
	for _, pcs := range raw {
		stacks = append(stacks, ResolveAll(pcs))
	}
	return NewMultiStack(stacks), err
}

// ResolveInImage symbolizes an address within an arbitrary binary on
// disk, without the address having to be mapped in this process. Used by
// offline tooling; resolution goes through the image's own symbol table,
// DWARF data, and, for Go binaries, the pclntab.
func ResolveInImage(path string, addr uintptr) StackFrame {
	f := StackFrame{Address: addr, Object: path}
	if addr == 0 {
		return f
	}
	if t, err := elfSymbols(path); err == nil {
		if name, _, ok := t.Lookup(addr); ok {
			f.Function = name
		}
	}
	if si, ok := dwarfSymbolize(path, uint64(addr)); ok {
		if si.Function != "" {
			f.Function = si.Function
		}
		f.Filename = si.Filename
		f.Line = si.Line
	}
	if f.Filename == "" {
		if g, err := newGoTableMapper(path); err == nil {
			if si, ok := g.lookup(uint64(addr)); ok {
				if f.Function == "" {
					f.Function = si.Function
				}
				f.Filename = si.Filename
				f.Line = si.Line
			}
		}
	}
	if f.Filename == "" {
		f.Line = 0
	}
	return f
}
