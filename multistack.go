package backtrace

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// MultiStack is a prefix-shared tree of stack frames summarising the
// stacks of several threads. The root holds no frame; every other node
// holds one frame and the count N of threads whose stacks pass through
// it at that depth. Stacks are inserted innermost frame first.
type MultiStack struct {
	Frame StackFrame
	N     int

	children []*MultiStack
}

// NewMultiStack folds the given per-thread stacks into a tree whose root
// has N equal to the number of stacks.
func NewMultiStack(stacks [][]StackFrame) *MultiStack {
	root := &MultiStack{}
	for _, s := range stacks {
		root.Add(s)
	}
	return root
}

// Add inserts one thread's stack, incrementing counts along the shared
// prefix and growing new branches where the stack diverges.
func (m *MultiStack) Add(stack []StackFrame) {
	m.N++
	node := m
	for _, f := range stack {
		child := node.findChild(f)
		if child == nil {
			child = &MultiStack{Frame: f}
			node.children = append(node.children, child)
		}
		child.N++
		node = child
	}
}

// findChild locates the child holding a frame equal to f. Address
// equality suffices; frames synthesised without an address compare by
// function name. File and line discrepancies between threads are
// deliberately ignored.
func (m *MultiStack) findChild(f StackFrame) *MultiStack {
	for _, c := range m.children {
		if c.Frame.Address == f.Address &&
			(f.Address != 0 || c.Frame.Function == f.Function) {
			return c
		}
	}
	return nil
}

// Children returns the child nodes ordered by descending N, ties broken
// by ascending address, so that renderings and diffs are deterministic.
func (m *MultiStack) Children() []*MultiStack {
	m.sortChildren()
	return m.children
}

func (m *MultiStack) sortChildren() {
	slices.SortStableFunc(m.children, func(a, b *MultiStack) bool {
		if a.N != b.N {
			return a.N > b.N
		}
		return a.Frame.Address < b.Frame.Address
	})
}

func (m *MultiStack) String() string {
	sb := new(strings.Builder)
	m.format(sb, 0)
	return sb.String()
}

func (m *MultiStack) format(sb *strings.Builder, depth int) {
	for _, c := range m.Children() {
		fmt.Fprintf(sb, "%s[%d] %s\n", strings.Repeat("  ", depth), c.N, c.Frame)
		c.format(sb, depth+1)
	}
}

// captureEntryPoints lists the functions of the capture machinery
// itself. Frames produced by these appear at the innermost end of every
// trace and carry no information for the reader.
var captureEntryPoints = []string{
	"github.com/stealthrocket/backtrace.CallStack",
	"github.com/stealthrocket/backtrace.AllCallStacks",
	"github.com/stealthrocket/backtrace.callers",
	"github.com/stealthrocket/backtrace.goroutineStacks",
	"github.com/stealthrocket/backtrace.Abort",
	"github.com/stealthrocket/backtrace.Abortf",
	"github.com/stealthrocket/backtrace.newAbortError",
	"github.com/stealthrocket/backtrace.RaiseSignal",
	"github.com/stealthrocket/backtrace.signalLoop",
	"runtime.Callers",
	"runtime.GoroutineProfile",
	"runtime.sigtramp",
}

func isCaptureEntryPoint(function string) bool {
	for _, name := range captureEntryPoints {
		if function == name {
			return true
		}
	}
	return false
}

// CleanupStackTrace strips the leading frames that belong to the trace
// capture machinery. Starting from the root's single chain, frames whose
// function is a known capture entry point are removed; stripping stops
// at the first frame that is not on the list. The operation is
// idempotent.
func CleanupStackTrace(m *MultiStack) {
	for len(m.children) == 1 {
		c := m.children[0]
		if !isCaptureEntryPoint(c.Frame.Function) {
			return
		}
		m.children = c.children
	}
}
