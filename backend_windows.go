package backtrace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// listSymbols is not used on Windows: DbgHelp resolves names directly and
// the nm-based cache stays empty.
func listSymbols(ctx context.Context, path string) ([]byte, error) {
	return nil, ErrUnsupported
}

func platformAbort() {
	// 3 is the exit status of the CRT abort().
	os.Exit(3)
}

type dbghelpState int

const (
	dbgUninit dbghelpState = iota
	dbgInitialising
	dbgReady
	dbgFailed
)

type winModule struct {
	base uintptr
	size uintptr
	path string
}

var dbg struct {
	mu      sync.Mutex
	state   dbghelpState
	modules []winModule
}

var (
	modDbghelp             = windows.NewLazySystemDLL("dbghelp.dll")
	procSymInitialize      = modDbghelp.NewProc("SymInitialize")
	procSymSetOptions      = modDbghelp.NewProc("SymSetOptions")
	procSymFromAddr        = modDbghelp.NewProc("SymFromAddr")
	procSymGetLineFromAddr = modDbghelp.NewProc("SymGetLineFromAddr64")
)

const (
	symoptUndname            = 0x0002
	symoptDeferredLoads      = 0x0004
	symoptLoadLines          = 0x0010
	symoptFailCriticalErrors = 0x0200
)

// ensureDbghelp drives the one-way Uninit -> Initialising -> Ready/Failed
// machine. Once Failed, the backend behaves like the fallback backend.
func ensureDbghelp() bool {
	dbg.mu.Lock()
	defer dbg.mu.Unlock()
	switch dbg.state {
	case dbgReady:
		return true
	case dbgFailed:
		return false
	case dbgInitialising:
		// dbg.mu is held for the whole initialisation, so this state is
		// never observed here; it is treated as failed.
		return false
	}
	dbg.state = dbgInitialising

	procSymSetOptions.Call(uintptr(symoptUndname | symoptDeferredLoads | symoptLoadLines | symoptFailCriticalErrors))

	searchPath, err := windows.BytePtrFromString(symbolSearchPath())
	if err == nil {
		process := windows.CurrentProcess()
		r, _, _ := procSymInitialize.Call(
			uintptr(process),
			uintptr(unsafe.Pointer(searchPath)),
			1, // fInvadeProcess: enumerate and load all modules
		)
		if r == 0 {
			err = fmt.Errorf("SymInitialize failed")
		}
	}
	if err != nil {
		logger.Warn().Err(err).Msg("dbghelp initialisation failed")
		dbg.state = dbgFailed
		return false
	}

	modules, thErr := moduleListTH32()
	if thErr != nil {
		logger.Debug().Err(thErr).Msg("toolhelp module snapshot failed, trying psapi")
		var psErr error
		modules, psErr = moduleListPSAPI()
		if psErr != nil {
			logger.Warn().Err(psErr).Msg("module enumeration failed")
			dbg.state = dbgFailed
			return false
		}
	}
	dbg.modules = modules
	dbg.state = dbgReady
	return true
}

// symbolSearchPath assembles the DbgHelp search path: current directory,
// executable directory, the _NT_* environment overrides, the system
// directories, and the Microsoft symbol server.
func symbolSearchPath() string {
	parts := []string{"."}
	if exe, err := os.Executable(); err == nil {
		parts = append(parts, filepath.Dir(exe))
	}
	for _, env := range []string{"_NT_SYMBOL_PATH", "_NT_ALTERNATE_SYMBOL_PATH"} {
		if v := os.Getenv(env); v != "" {
			parts = append(parts, v)
		}
	}
	if root := os.Getenv("SYSTEMROOT"); root != "" {
		parts = append(parts, root, filepath.Join(root, "system32"))
	}
	drive := os.Getenv("SYSTEMDRIVE")
	if drive == "" {
		drive = "C:"
	}
	parts = append(parts, "SRV*"+drive+`\websymbols`+"*https://msdl.microsoft.com/download/symbols")
	return strings.Join(parts, ";")
}

// moduleListTH32 enumerates loaded modules with a toolhelp snapshot.
func moduleListTH32() ([]winModule, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	if err := windows.Module32First(snapshot, &me); err != nil {
		return nil, err
	}
	var modules []winModule
	for {
		modules = append(modules, winModule{
			base: me.ModBaseAddr,
			size: uintptr(me.ModBaseSize),
			path: windows.UTF16ToString(me.ExePath[:]),
		})
		if err := windows.Module32Next(snapshot, &me); err != nil {
			break
		}
	}
	return modules, nil
}

// moduleListPSAPI is the process-status fallback when toolhelp is not
// available.
func moduleListPSAPI() ([]winModule, error) {
	process := windows.CurrentProcess()
	handles := make([]windows.Handle, 256)
	var needed uint32
	cb := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
	if err := windows.EnumProcessModules(process, &handles[0], cb, &needed); err != nil {
		return nil, err
	}
	count := int(needed / uint32(unsafe.Sizeof(handles[0])))
	if count > len(handles) {
		count = len(handles)
	}
	modules := make([]winModule, 0, count)
	for _, h := range handles[:count] {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(process, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		name := make([]uint16, windows.MAX_PATH)
		windows.GetModuleFileNameEx(process, h, &name[0], uint32(len(name)))
		modules = append(modules, winModule{
			base: uintptr(info.BaseOfDll),
			size: uintptr(info.SizeOfImage),
			path: windows.UTF16ToString(name),
		})
	}
	return modules, nil
}

func moduleOf(addr uintptr) moduleInfo {
	info := moduleInfo{Symbol: goSymbol(addr)}
	if !ensureDbghelp() {
		if info.Symbol != "" {
			info.Path, _ = os.Executable()
		}
		return info
	}
	dbg.mu.Lock()
	modules := dbg.modules
	dbg.mu.Unlock()
	for _, m := range modules {
		if addr >= m.base && addr < m.base+m.size {
			info.Path = m.path
			info.Base = m.base
			break
		}
	}
	return info
}

// symbolInfoPacked mirrors the DbgHelp SYMBOL_INFO header; the name
// buffer follows the struct in memory.
type symbolInfoPacked struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [1]byte
}

type imagehlpLine64 struct {
	SizeOfStruct uint32
	Key          uintptr
	LineNumber   uint32
	FileName     *byte
	Address      uint64
}

const maxSymbolName = 1024

// symbolizeOffline on Windows resolves through the live DbgHelp session;
// the object path is implicit in the loaded module list.
func symbolizeOffline(object string, addr uintptr) symbolInfo {
	var si symbolInfo
	if addr == 0 || !ensureDbghelp() {
		return si
	}
	process := windows.CurrentProcess()

	buf := make([]byte, unsafe.Sizeof(symbolInfoPacked{})+maxSymbolName)
	sym := (*symbolInfoPacked)(unsafe.Pointer(&buf[0]))
	sym.SizeOfStruct = uint32(unsafe.Offsetof(symbolInfoPacked{}.Name))
	sym.MaxNameLen = maxSymbolName
	var displacement uint64
	r, _, _ := procSymFromAddr.Call(
		uintptr(process),
		addr,
		uintptr(unsafe.Pointer(&displacement)),
		uintptr(unsafe.Pointer(sym)),
	)
	if r != 0 && sym.NameLen > 0 {
		n := sym.NameLen
		if n > maxSymbolName {
			n = maxSymbolName
		}
		name := unsafe.Slice(&sym.Name[0], n)
		si.Function = string(name)
	}

	var line imagehlpLine64
	line.SizeOfStruct = uint32(unsafe.Sizeof(line))
	var disp32 uint32
	r, _, _ = procSymGetLineFromAddr.Call(
		uintptr(process),
		addr,
		uintptr(unsafe.Pointer(&disp32)),
		uintptr(unsafe.Pointer(&line)),
	)
	if r != 0 && line.FileName != nil && line.LineNumber > 0 {
		si.Filename = windows.BytePtrToString(line.FileName)
		si.Line = line.LineNumber
	}
	return si
}
