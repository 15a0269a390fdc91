package backtrace

import (
	"bytes"
	"strings"
	"testing"
)

func TestAbortPanicsWithRecord(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(*AbortError)
		if !ok {
			t.Fatalf("recovered %T, want *AbortError", r)
		}
		if err.Cause != CauseAbort {
			t.Errorf("cause: want=%s got=%s", CauseAbort, err.Cause)
		}
		if err.Message != "widget failure" {
			t.Errorf("message: want=%q got=%q", "widget failure", err.Message)
		}
		if !strings.HasSuffix(err.File, "abort_test.go") {
			t.Errorf("source location file: got %q", err.File)
		}
		if err.Line == 0 {
			t.Error("source location line is 0")
		}
		if !strings.Contains(err.Function, "TestAbortPanicsWithRecord") {
			t.Errorf("source location function: got %q", err.Function)
		}
		if err.BytesInUse == 0 {
			t.Error("bytes in use not recorded")
		}
		if err.Stack == nil || err.Stack.N == 0 {
			t.Error("no stack captured")
		}
	}()
	Abort("widget failure")
}

func TestAbortErrorRendering(t *testing.T) {
	err := &AbortError{
		Message:    "boom",
		File:       "compute.go",
		Line:       12,
		Function:   "main.compute",
		Cause:      CauseSignal,
		Signal:     11,
		BytesInUse: 4096,
		Stack: NewMultiStack([][]StackFrame{
			{{Address: 0x10, Function: "main.compute"}},
		}),
	}
	text := err.Error()
	for _, want := range []string{"signal", "boom", "compute.go:12", "main.compute", "4096"} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered error does not mention %q:\n%s", want, text)
		}
	}
}

func TestCauseStrings(t *testing.T) {
	tests := map[Cause]string{
		CauseUnknown:   "unknown",
		CauseSignal:    "signal",
		CauseException: "exception",
		CauseAbort:     "abort",
		CauseMPI:       "mpi",
		Cause(99):      "unknown",
	}
	for cause, want := range tests {
		if got := cause.String(); got != want {
			t.Errorf("cause %d: want=%q got=%q", int(cause), want, got)
		}
	}
}

func TestSetAbortBehavior(t *testing.T) {
	old := AbortBehavior()
	defer SetAbortBehavior(old)

	SetAbortBehavior(Behavior{StackType: StackAll, ThrowException: true})
	if b := AbortBehavior(); b.StackType != StackAll || !b.ThrowException {
		t.Errorf("behavior not applied: %+v", b)
	}
}

// Only one termination sequence proceeds to completion: the second entry
// bypasses formatting and goes straight to the abort primitive. This is
// a single test because the first Terminate holds the terminate lock for
// the remaining life of the process; every later entry is on the bypass
// path by design.
func TestTerminatePath(t *testing.T) {
	oldAbort, oldStream := abortProcess, errorStream
	out := new(bytes.Buffer)
	aborts := 0
	abortProcess = func() { aborts++ }
	errorStream = out
	defer func() { abortProcess, errorStream = oldAbort, oldStream }()

	handled := 0
	SetAbortHandler(func(*AbortError) { handled++ })
	defer SetAbortHandler(nil)

	err := &AbortError{Message: "first failure", Cause: CauseAbort}
	Terminate(err)
	Terminate(err)

	if aborts != 2 {
		t.Errorf("abort primitive calls: want=2 got=%d", aborts)
	}
	if handled != 1 {
		t.Errorf("handler invocations: want=1 got=%d", handled)
	}
	if got := strings.Count(out.String(), "first failure"); got != 1 {
		t.Errorf("error rendered %d times, want exactly once:\n%s", got, out.String())
	}

	// A raised abort caught by Guard also funnels into Terminate, which
	// is on the bypass path by now.
	Guard(func() {
		Abort("guarded failure")
	})
	if aborts != 3 {
		t.Errorf("abort primitive calls after Guard: want=3 got=%d", aborts)
	}
}

func TestGuardPassesThroughOtherPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "unrelated" {
			t.Errorf("recovered %v, want the original panic", r)
		}
	}()
	Guard(func() { panic("unrelated") })
}

func TestGuardNoPanic(t *testing.T) {
	ran := false
	Guard(func() { ran = true })
	if !ran {
		t.Error("guarded function did not run")
	}
}
