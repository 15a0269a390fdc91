package backtrace

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
)

var (
	// ErrUnsupported reports that the platform lacks a capability, such
	// as walking the stack of another thread.
	ErrUnsupported = errors.New("backtrace: not supported on this platform")

	// ErrCacheLoad reports that the symbol table could not be built. The
	// error is cached and returned to all callers until ClearSymbols.
	ErrCacheLoad = errors.New("backtrace: symbol table load failed")

	// ErrTruncated reports that a capture hit its depth limit. The
	// returned sequence is still valid.
	ErrTruncated = errors.New("backtrace: stack truncated at depth limit")

	// ErrRecursion reports that the stack walker detected a frame whose
	// return address equals its program counter for too many consecutive
	// frames. The partial stack preceding the loop is still valid.
	ErrRecursion = errors.New("backtrace: recursive stack detected")
)

// DefaultMaxDepth bounds captures when the caller does not provide a
// limit.
const DefaultMaxDepth = 64

// moduleInfo describes the image owning an address, as reported by the
// loader. All fields are best effort and may be zero.
type moduleInfo struct {
	Path   string
	Base   uintptr
	Symbol string
}

// symbolInfo is the result of offline symbolization of one address.
// Missing or stripped binaries yield the zero value.
type symbolInfo struct {
	Function string
	Filename string
	Line     uint32
}

// callers returns the return addresses of the calling goroutine,
// innermost first, not including callers itself nor skip additional
// frames. The error is ErrTruncated when max was reached.
func callers(skip, max int) ([]uintptr, error) {
	if max <= 0 {
		max = DefaultMaxDepth
	}
	pcs := make([]uintptr, max)
	n := runtime.Callers(skip+2, pcs)
	if n == max {
		return pcs[:n], ErrTruncated
	}
	return pcs[:n], nil
}

// goroutineStacks snapshots the return addresses of every goroutine in
// the process, innermost first, each truncated at max.
func goroutineStacks(max int) ([][]uintptr, error) {
	if max <= 0 {
		max = DefaultMaxDepth
	}
	n, _ := runtime.GoroutineProfile(nil)
	records := make([]runtime.StackRecord, n+8)
	for {
		var ok bool
		n, ok = runtime.GoroutineProfile(records)
		if ok {
			records = records[:n]
			break
		}
		// More goroutines appeared between the sizing call and the
		// snapshot; grow and retry.
		records = make([]runtime.StackRecord, len(records)*2)
	}
	stacks := make([][]uintptr, 0, len(records))
	var err error
	for i := range records {
		pcs := records[i].Stack()
		if len(pcs) > max {
			pcs = pcs[:max]
			err = ErrTruncated
		}
		stacks = append(stacks, pcs)
	}
	return stacks, err
}

// goSymbol asks the runtime for the name of the function owning addr.
// For Go text the runtime is the authoritative loader.
func goSymbol(addr uintptr) string {
	if fn := runtime.FuncForPC(addr); fn != nil {
		return fn.Name()
	}
	return ""
}

// goFileLine returns the runtime's source position for addr, if addr is
// inside Go text.
func goFileLine(addr uintptr) (string, uint32) {
	fn := runtime.FuncForPC(addr)
	if fn == nil {
		return "", 0
	}
	file, line := fn.FileLine(addr)
	if line < 0 {
		line = 0
	}
	return file, uint32(line)
}

// Thread is an opaque handle for a thread of execution. Goroutines are
// the unit the runtime can snapshot, so they are what handles denote.
type Thread int64

// Threads enumerates the live goroutines of the process. The result
// always includes the calling goroutine.
func Threads() []Thread {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}
	var handles []Thread
	for _, chunk := range bytes.Split(buf, []byte("\n\n")) {
		if id, ok := parseGoroutineHeader(chunk); ok {
			handles = append(handles, id)
		}
	}
	return handles
}

// CurrentThread returns the handle of the calling goroutine.
func CurrentThread() Thread {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	id, _ := parseGoroutineHeader(buf)
	return id
}

// ThreadStack would walk the stack of another thread without its
// cooperation. The Go runtime offers no safe way to do this for a single
// goroutine; callers wanting other threads' stacks use AllCallStacks.
func ThreadStack(t Thread, max int) ([]uintptr, error) {
	return nil, ErrUnsupported
}

// parseGoroutineHeader extracts the goroutine id from a "goroutine N
// [state]:" header line produced by runtime.Stack.
func parseGoroutineHeader(b []byte) (Thread, bool) {
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0, false
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return Thread(id), true
}
