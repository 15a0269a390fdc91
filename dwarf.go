package backtrace

import (
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"errors"
	"io"
	"sort"
	"sync"
)

// dwarfSymbolize resolves addr against the DWARF data of the image at
// path. Mappers are built once per image and cached, including negative
// results, so a stripped binary costs one failed open.
func dwarfSymbolize(path string, addr uint64) (symbolInfo, bool) {
	m := dwarfImages.mapper(path)
	if m == nil {
		return symbolInfo{}, false
	}
	return m.lookup(addr)
}

type dwarfImageCache struct {
	mu      sync.Mutex
	mappers map[string]*dwarfMapper // nil entry records a failed open
}

var dwarfImages dwarfImageCache

func (c *dwarfImageCache) mapper(path string) *dwarfMapper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.mappers[path]; ok {
		return m
	}
	if c.mappers == nil {
		c.mappers = make(map[string]*dwarfMapper)
	}
	m, err := newDwarfMapper(path)
	if err != nil {
		logger.Debug().Err(err).Str("image", path).Msg("no dwarf data")
		m = nil
	}
	c.mappers[path] = m
	return m
}

func (c *dwarfImageCache) clear() {
	c.mu.Lock()
	c.mappers = nil
	c.mu.Unlock()
}

// openImageDwarf reads the DWARF sections of an ELF or Mach-O image.
func openImageDwarf(path string) (*dwarf.Data, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.DWARF()
	}
	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.DWARF()
}

type subprogram struct {
	entry     *dwarf.Entry
	cu        *dwarf.Entry
	namespace string
}

type addrRange = [2]uint64

type subprogramRange struct {
	addrs addrRange
	spgm  *subprogram
}

// dwarfMapper indexes the subprogram ranges of one image and answers
// address lookups through the line tables.
type dwarfMapper struct {
	d           *dwarf.Data
	subprograms []subprogramRange

	mu      sync.Mutex
	cuLines map[dwarf.Offset][]lineEntry
}

// lineEntry caches one line-table row for a compilation unit.
type lineEntry struct {
	pos     dwarf.LineReaderPos
	address uint64
}

func newDwarfMapper(path string) (*dwarfMapper, error) {
	d, err := openImageDwarf(path)
	if err != nil {
		return nil, err
	}
	p := dwarfWalker{d: d, r: d.Reader()}
	m := &dwarfMapper{
		d:           d,
		subprograms: p.parse(),
		cuLines:     make(map[dwarf.Offset][]lineEntry),
	}
	sort.Slice(m.subprograms, func(i, j int) bool {
		return m.subprograms[i].addrs[0] < m.subprograms[j].addrs[0]
	})
	logger.Debug().Str("image", path).Int("subprograms", len(m.subprograms)).Msg("dwarf parsed")
	return m, nil
}

type dwarfWalker struct {
	d *dwarf.Data
	r *dwarf.Reader

	subprograms []subprogramRange
}

func (w *dwarfWalker) parse() []subprogramRange {
	for {
		ent, err := w.r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == dwarf.TagCompileUnit {
			w.parseCompileUnit(ent, "")
		} else {
			w.r.SkipChildren()
		}
	}
	return w.subprograms
}

func (w *dwarfWalker) parseCompileUnit(cu *dwarf.Entry, ns string) {
	// The reader has just consumed the top-level entry of the CU (or of
	// a namespace within it).
	w.parseAny(cu, ns, cu)
}

func (w *dwarfWalker) parseAny(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	for e.Children {
		ent, err := w.r.Next()
		if err != nil || ent == nil {
			return
		}
		switch ent.Tag {
		case 0:
			// end of block
			return
		case dwarf.TagSubprogram:
			w.parseSubprogram(cu, ns, ent)
		case dwarf.TagNamespace:
			w.parseNamespace(cu, ns, ent)
		default:
			w.parseAny(cu, ns, ent)
		}
	}
}

func (w *dwarfWalker) parseNamespace(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	name, ok := e.Val(dwarf.AttrName).(string)
	if ok {
		ns += name + "::"
	}
	w.parseCompileUnit(cu, ns)
}

func (w *dwarfWalker) parseSubprogram(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	w.r.SkipChildren()

	ranges, err := w.d.Ranges(e)
	if err != nil || len(ranges) == 0 {
		// Subprograms without ranges are typically fully inlined;
		// nothing to look up by address.
		return
	}
	spgm := &subprogram{entry: e, cu: cu, namespace: ns}
	for _, r := range ranges {
		w.subprograms = append(w.subprograms, subprogramRange{addrs: r, spgm: spgm})
	}
}

func (m *dwarfMapper) lookup(addr uint64) (symbolInfo, bool) {
	var spgm *subprogram
	i := sort.Search(len(m.subprograms), func(i int) bool {
		return m.subprograms[i].addrs[0] > addr
	})
	for i > 0 {
		i--
		sr := m.subprograms[i]
		if sr.addrs[0] <= addr && addr < sr.addrs[1] {
			spgm = sr.spgm
			break
		}
	}
	if spgm == nil {
		return symbolInfo{}, false
	}

	si := symbolInfo{Function: m.nameOf(spgm)}

	lr, err := m.d.LineReader(spgm.cu)
	if err != nil || lr == nil {
		return si, si.Function != ""
	}
	lines := m.linesFor(spgm.cu, lr)

	i = sort.Search(len(lines), func(i int) bool { return lines[i].address >= addr })
	if i == len(lines) {
		return si, si.Function != ""
	}
	l := lines[i]
	if l.address != addr {
		// The DWARF spec allows rows that do not land exactly on the
		// address; the previous row owns the instruction then.
		if i == 0 {
			return si, si.Function != ""
		}
		l = lines[i-1]
	}

	var le dwarf.LineEntry
	lr.Seek(l.pos)
	if err := lr.Next(&le); err != nil {
		return si, si.Function != ""
	}
	if le.File != nil && le.Line > 0 {
		si.Filename = le.File.Name
		si.Line = uint32(le.Line)
	}
	return si, true
}

// linesFor returns the address-sorted line rows of a compilation unit,
// reading them at most once.
func (m *dwarfMapper) linesFor(cu *dwarf.Entry, lr *dwarf.LineReader) []lineEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lines, ok := m.cuLines[cu.Offset]; ok {
		return lines
	}
	var lines []lineEntry
	var le dwarf.LineEntry
	for {
		pos := lr.Tell()
		err := lr.Next(&le)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Debug().Err(err).Msg("dwarf line iteration failed")
			break
		}
		if le.EndSequence {
			continue
		}
		lines = append(lines, lineEntry{pos: pos, address: le.Address})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].address < lines[j].address })
	m.cuLines[cu.Offset] = lines
	return lines
}

// nameOf resolves the subprogram's name, following abstract origins for
// functions that only exist as inlining targets.
func (m *dwarfMapper) nameOf(spgm *subprogram) string {
	e := spgm.entry
	r := m.d.Reader()
	for {
		ao, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			break
		}
		r.Seek(ao)
		next, err := r.Next()
		if err != nil || next == nil {
			break
		}
		e = next
	}
	name, _ := e.Val(dwarf.AttrName).(string)
	if name == "" {
		return ""
	}
	return spgm.namespace + name
}
