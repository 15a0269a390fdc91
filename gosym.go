package backtrace

import (
	"debug/elf"
	"debug/gosym"
	"debug/macho"
	"fmt"
)

// goTableMapper symbolizes addresses in a Go binary other than the
// running process through its pclntab. The running process never needs
// it: runtime.FuncForPC serves live addresses.
type goTableMapper struct {
	t *gosym.Table
}

func newGoTableMapper(path string) (*goTableMapper, error) {
	pclntab, symtab, textStart, err := goTables(path)
	if err != nil {
		return nil, err
	}
	lt := gosym.NewLineTable(pclntab, textStart)
	t, err := gosym.NewTable(symtab, lt)
	if err != nil {
		return nil, err
	}
	return &goTableMapper{t: t}, nil
}

func (g *goTableMapper) lookup(addr uint64) (symbolInfo, bool) {
	file, line, fn := g.t.PCToLine(addr)
	if fn == nil {
		return symbolInfo{}, false
	}
	si := symbolInfo{Function: fn.Name}
	if file != "" && line > 0 {
		si.Filename = file
		si.Line = uint32(line)
	}
	return si, true
}

// goTables extracts the pclntab and symtab sections and the text start
// address from an ELF or Mach-O image.
func goTables(path string) (pclntab, symtab []byte, textStart uint64, err error) {
	if f, elfErr := elf.Open(path); elfErr == nil {
		defer f.Close()
		sect := f.Section(".gopclntab")
		if sect == nil {
			return nil, nil, 0, fmt.Errorf("%s: no .gopclntab section", path)
		}
		if pclntab, err = sect.Data(); err != nil {
			return nil, nil, 0, err
		}
		if s := f.Section(".gosymtab"); s != nil {
			symtab, _ = s.Data()
		}
		if text := f.Section(".text"); text != nil {
			textStart = text.Addr
		}
		return pclntab, symtab, textStart, nil
	}
	f, machoErr := macho.Open(path)
	if machoErr != nil {
		return nil, nil, 0, machoErr
	}
	defer f.Close()
	sect := f.Section("__gopclntab")
	if sect == nil {
		return nil, nil, 0, fmt.Errorf("%s: no __gopclntab section", path)
	}
	if pclntab, err = sect.Data(); err != nil {
		return nil, nil, 0, err
	}
	if s := f.Section("__gosymtab"); s != nil {
		symtab, _ = s.Data()
	}
	if text := f.Section("__text"); text != nil {
		textStart = text.Addr
	}
	return pclntab, symtab, textStart, nil
}
