package backtrace

import (
	"strings"
	"testing"
)

//go:noinline
func gammaCapture() ([]StackFrame, error) {
	return CallStack(32)
}

//go:noinline
func betaCapture() ([]StackFrame, error) {
	return gammaCapture()
}

//go:noinline
func alphaCapture() ([]StackFrame, error) {
	return betaCapture()
}

// Self-capture through three nested functions: the resolved stack leads
// with gamma, then beta, then alpha. Frames beyond the test runner are
// ignored.
func TestSelfCapture(t *testing.T) {
	frames, err := alphaCapture()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 3 {
		t.Fatalf("want at least 3 frames, got %d", len(frames))
	}
	for i, want := range []string{"gammaCapture", "betaCapture", "alphaCapture"} {
		if !strings.Contains(frames[i].Function, want) {
			t.Errorf("frame %d: function %q does not mention %s", i, frames[i].Function, want)
		}
	}
}

func TestResolveFieldInvariants(t *testing.T) {
	frames, err := CallStack(32)
	if err != nil {
		t.Fatal(err)
	}
	for i, f := range frames {
		if f.Address == 0 {
			t.Errorf("frame %d: zero address in a persisted frame", i)
		}
		if f.Filename == "" && f.Line != 0 {
			t.Errorf("frame %d: line %d without a filename", i, f.Line)
		}
	}
}

func TestResolveZeroAddress(t *testing.T) {
	f := Resolve(0)
	if f.Function != "" || f.Object != "" || f.Filename != "" || f.Line != 0 {
		t.Errorf("resolving address 0 produced fields: %+v", f)
	}
}

func TestResolveUnknownAddress(t *testing.T) {
	// An address no module can own degrades to an address-only frame
	// rather than failing.
	f := Resolve(0x2)
	if f.Address != 0x2 {
		t.Errorf("address not preserved: %+v", f)
	}
	if f.Filename == "" && f.Line != 0 {
		t.Errorf("line without filename: %+v", f)
	}
}

func TestAllCallStacksResolved(t *testing.T) {
	ms, err := AllCallStacks(32)
	if err != nil {
		t.Fatal(err)
	}
	if ms.N < 1 {
		t.Fatalf("want at least one stack, got %d", ms.N)
	}
	sum := 0
	for _, c := range ms.Children() {
		sum += c.N
	}
	if sum > ms.N {
		t.Errorf("children count %d exceeds root count %d", sum, ms.N)
	}
}

func TestResolveInImageMissingBinary(t *testing.T) {
	f := ResolveInImage("/definitely/not/a/binary", 0x1000)
	if f.Address != 0x1000 {
		t.Errorf("address not preserved: %+v", f)
	}
	if f.Function != "" || f.Filename != "" || f.Line != 0 {
		t.Errorf("missing binary produced fields: %+v", f)
	}
}
