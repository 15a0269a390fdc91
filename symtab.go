package backtrace

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// SymbolRecord is one entry of the executable's symbol table. Kind is the
// single-character linkage class reported by nm (T, t, B, D, W, ...) and
// is carried opaquely.
type SymbolRecord struct {
	Address uintptr
	Kind    byte
	Name    string
}

// SymbolTable is a frozen, address-sorted view of the symbols of the main
// executable. Duplicate addresses are permitted and preserve parse order.
type SymbolTable struct {
	records []SymbolRecord
}

// Records returns the underlying records, sorted ascending by address.
func (t *SymbolTable) Records() []SymbolRecord {
	if t == nil {
		return nil
	}
	return t.records
}

// Lookup returns the record immediately preceding addr in sorted order,
// that is the symbol whose body contains addr. It reports no match when
// addr precedes the first record or the table is empty. Among duplicate
// addresses the earliest-inserted record wins.
func (t *SymbolTable) Lookup(addr uintptr) (name string, kind byte, ok bool) {
	if t == nil || len(t.records) == 0 {
		return "", 0, false
	}
	i := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].Address > addr
	})
	if i == 0 {
		return "", 0, false
	}
	i--
	for i > 0 && t.records[i-1].Address == t.records[i].Address {
		i--
	}
	r := t.records[i]
	return r.Name, r.Kind, true
}

var symCache struct {
	mu     sync.Mutex
	loaded bool
	err    error
	table  atomic.Pointer[SymbolTable]
}

// Symbols returns the symbol table of the current executable, loading it
// on first use. The first successful load freezes the table; the first
// failing load caches its error, which is returned to every caller until
// ClearSymbols.
func Symbols() (*SymbolTable, error) {
	if t := symCache.table.Load(); t != nil {
		return t, nil
	}
	symCache.mu.Lock()
	defer symCache.mu.Unlock()
	if symCache.loaded {
		if symCache.err != nil {
			return nil, symCache.err
		}
		return symCache.table.Load(), nil
	}
	t, err := loadSymbols()
	symCache.loaded = true
	if err != nil {
		symCache.err = fmt.Errorf("%w: %v", ErrCacheLoad, err)
		logger.Warn().Err(err).Msg("symbol table load failed")
		return nil, symCache.err
	}
	symCache.table.Store(t)
	logger.Debug().Int("symbols", len(t.records)).Msg("symbol table loaded")
	return t, nil
}

// ClearSymbols resets the cache to its pre-load state. Concurrent readers
// observe either the previous table or a miss, never a torn state.
func ClearSymbols() {
	symCache.mu.Lock()
	defer symCache.mu.Unlock()
	symCache.table.Store(nil)
	symCache.loaded = false
	symCache.err = nil
}

func loadSymbols() (*SymbolTable, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	out, nmErr := listSymbols(context.Background(), exe)
	if errors.Is(nmErr, ErrUnsupported) {
		// Platforms without an nm pipeline resolve names elsewhere; an
		// empty table that misses every lookup is the contract there.
		return &SymbolTable{}, nil
	}
	if nmErr == nil {
		t := &SymbolTable{records: parseSymbols(bytes.NewReader(out))}
		if len(t.records) > 0 {
			return t, nil
		}
		nmErr = fmt.Errorf("nm produced no symbols for %s", exe)
	}
	// nm missing or unusable: read the image's own symbol table.
	t, elfErr := elfSymbols(exe)
	if elfErr != nil {
		return nil, fmt.Errorf("nm: %v; elf: %v", nmErr, elfErr)
	}
	return t, nil
}

// parseSymbols reads an nm -n stream. Accepted lines have the form
// "<hex-address> <kind> <name...>". Lines starting with whitespace are
// undefined symbols and are rejected; lines with fewer than three fields
// are skipped without error. Stream order is preserved so that duplicate
// addresses resolve first-wins.
func parseSymbols(r *bytes.Reader) []SymbolRecord {
	var records []SymbolRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		addrEnd := indexByte(line, ' ')
		if addrEnd < 0 {
			continue
		}
		addr, err := strconv.ParseUint(line[:addrEnd], 16, 64)
		if err != nil {
			continue
		}
		rest := line[addrEnd+1:]
		if len(rest) < 3 || rest[1] != ' ' {
			continue
		}
		kind := rest[0]
		name := rest[2:]
		if name == "" {
			continue
		}
		records = append(records, SymbolRecord{
			Address: uintptr(addr),
			Kind:    kind,
			Name:    name,
		})
	}
	return records
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// elfSymbols builds a table from the ELF symtab of the image at path. It
// is the fallback when nm is not installed.
func elfSymbols(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	records := make([]SymbolRecord, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		records = append(records, SymbolRecord{
			Address: uintptr(s.Value),
			Kind:    elfSymbolKind(s),
			Name:    s.Name,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return &SymbolTable{records: records}, nil
}

func elfSymbolKind(s elf.Symbol) byte {
	bind := elf.ST_BIND(s.Info)
	if bind == elf.STB_WEAK {
		return 'W'
	}
	var kind byte
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC:
		kind = 'T'
	case elf.STT_OBJECT:
		kind = 'D'
	default:
		kind = 'S'
	}
	if bind == elf.STB_LOCAL {
		kind += 'a' - 'A'
	}
	return kind
}
