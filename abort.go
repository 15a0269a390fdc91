//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backtrace

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// Cause classifies what triggered an abort.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseSignal
	CauseException
	CauseAbort
	CauseMPI
)

func (c Cause) String() string {
	switch c {
	case CauseSignal:
		return "signal"
	case CauseException:
		return "exception"
	case CauseAbort:
		return "abort"
	case CauseMPI:
		return "mpi"
	default:
		return "unknown"
	}
}

// StackType selects which stacks the terminate path captures.
type StackType int

const (
	// StackThread captures only the aborting goroutine.
	StackThread StackType = iota
	// StackAll captures every goroutine of the process.
	StackAll
	// StackGlobal behaves like StackAll; a wider scope would need
	// cross-process acquisition, which this library does not do.
	StackGlobal
)

// Behavior is the process-wide abort configuration, read at call time.
type Behavior struct {
	PrintMemory    bool
	PrintStack     bool
	ThrowException bool
	PrintOnAbort   bool
	StackType      StackType
}

var behavior atomic.Value // Behavior

func init() {
	behavior.Store(Behavior{
		PrintMemory:    true,
		PrintStack:     true,
		ThrowException: true,
		PrintOnAbort:   true,
		StackType:      StackThread,
	})
}

// SetAbortBehavior replaces the process-wide abort configuration.
func SetAbortBehavior(b Behavior) {
	behavior.Store(b)
}

// AbortBehavior returns the current process-wide abort configuration.
func AbortBehavior() Behavior {
	return behavior.Load().(Behavior)
}

// AbortError is the record produced by the terminate path. It implements
// error; ownership transfers to whichever handler consumes it.
type AbortError struct {
	Message    string
	File       string
	Line       int
	Function   string
	Cause      Cause
	Signal     int
	BytesInUse uint64
	Stack      *MultiStack
}

func (e *AbortError) Error() string {
	b := AbortBehavior()
	sb := new(strings.Builder)
	fmt.Fprintf(sb, "Program abort (%s)", e.Cause)
	if e.Signal != 0 {
		fmt.Fprintf(sb, " signal %d", e.Signal)
	}
	if e.Message != "" {
		fmt.Fprintf(sb, ": %s", e.Message)
	}
	if e.File != "" {
		fmt.Fprintf(sb, "\n  at %s:%d", e.File, e.Line)
		if e.Function != "" {
			fmt.Fprintf(sb, " (%s)", e.Function)
		}
	}
	if b.PrintMemory && e.BytesInUse != 0 {
		fmt.Fprintf(sb, "\n  bytes in use: %d", e.BytesInUse)
	}
	if b.PrintStack && e.Stack != nil {
		sb.WriteString("\nCall stack:\n")
		sb.WriteString(e.Stack.String())
	}
	return sb.String()
}

// newAbortError assembles the abort record for the calling goroutine.
// skip counts the stack frames between the public entry point and
// runtime.Caller.
func newAbortError(message string, cause Cause, signum, skip int) *AbortError {
	e := &AbortError{
		Message:    message,
		Cause:      cause,
		Signal:     signum,
		BytesInUse: bytesInUse(),
	}
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		e.File = file
		e.Line = line
		e.Function = goSymbol(pc)
	}
	switch AbortBehavior().StackType {
	case StackAll, StackGlobal:
		e.Stack, _ = AllCallStacks(DefaultMaxDepth)
	default:
		frames, _ := CallStack(DefaultMaxDepth)
		e.Stack = NewMultiStack([][]StackFrame{frames})
	}
	CleanupStackTrace(e.Stack)
	return e
}

// Abort builds an AbortError at the call site and raises it. Raising is
// a panic: callers that want the process to survive must recover it, and
// Guard is the canonical top-level boundary doing so.
func Abort(message string) {
	panic(newAbortError(message, CauseAbort, 0, 1))
}

// Abortf is Abort with formatting.
func Abortf(format string, args ...any) {
	panic(newAbortError(fmt.Sprintf(format, args...), CauseAbort, 0, 1))
}

// Guard runs fn, converting a raised AbortError into termination. Panics
// of any other type pass through untouched.
func Guard(fn func()) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case *AbortError:
			Terminate(r)
		default:
			panic(r)
		}
	}()
	fn()
}

var (
	terminateMu sync.Mutex
	forceExit   atomic.Int32

	abortHandler atomic.Value // func(*AbortError)

	// Indirections so that tests can intercept process death and the
	// error stream. The stream defaults to stderr, the only safe sink
	// once the process is failing.
	abortProcess func()    = platformAbort
	errorStream  io.Writer = os.Stderr
)

// SetAbortHandler installs a handler invoked with the AbortError before
// the process exits. Pass nil to restore the default behaviour.
func SetAbortHandler(h func(*AbortError)) {
	abortHandler.Store(h)
}

// Terminate is the end of the terminate path: it reports err and ends
// the process. Only one termination sequence proceeds to completion; a
// re-entrant call (a second abort racing or recursing into the first)
// bypasses all formatting and ends the process immediately. Terminate
// never fails and never returns control to normal execution.
func Terminate(err *AbortError) {
	if forceExit.Add(1) > 1 {
		abortProcess()
		return
	}
	terminateMu.Lock()

	if h, ok := abortHandler.Load().(func(*AbortError)); ok && h != nil {
		h(err)
	}

	b := AbortBehavior()
	if b.PrintOnAbort {
		fmt.Fprintln(errorStream, err.Error())
	}
	if !b.ThrowException && mpiActive() {
		mpiAbort(-1)
	}
	abortProcess()
}
