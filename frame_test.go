package backtrace

import (
	"testing"
)

func TestFramePackRoundTrip(t *testing.T) {
	f := StackFrame{
		Address:  0x4521a0,
		Address2: 0x21a0,
		Object:   "/usr/lib/libwidget.so",
		Function: "compute_widget",
		Filename: "widget.c",
		Line:     42,
	}
	g, rest, err := UnpackFrame(f.Pack(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("unpack left %d trailing bytes", len(rest))
	}
	if g != f {
		t.Errorf("round trip mismatch: want=%+v got=%+v", f, g)
	}
}

func TestFramePackClampsLine(t *testing.T) {
	f := StackFrame{Address: 0x1000, Filename: "deep.c", Line: 300}
	g, _, err := UnpackFrame(f.Pack(nil))
	if err != nil {
		t.Fatal(err)
	}
	if g.Line != packLineMax {
		t.Errorf("line not clamped on the wire: want=%d got=%d", packLineMax, g.Line)
	}
}

func TestFrameUnpackEnforcesLineInvariant(t *testing.T) {
	// A corrupt or hand-built record may carry a line without a file;
	// decoding restores the invariant.
	f := StackFrame{Address: 0x1000, Line: 7}
	b := f.Pack(nil)
	g, _, err := UnpackFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if g.Filename != "" || g.Line != 0 {
		t.Errorf("want empty filename and line 0, got %q:%d", g.Filename, g.Line)
	}
}

func TestFrameUnpackShortBuffer(t *testing.T) {
	f := StackFrame{Address: 0x1000, Function: "alpha"}
	b := f.Pack(nil)
	for i := 0; i < len(b); i++ {
		if _, _, err := UnpackFrame(b[:i]); err == nil {
			t.Errorf("no error for %d-byte prefix", i)
		}
	}
}

func TestPackFrames(t *testing.T) {
	stack := []StackFrame{
		{Address: 0x1000, Function: "gamma"},
		{Address: 0x2000, Function: "beta", Filename: "b.c", Line: 9},
		{Address: 0x3000, Function: "alpha"},
	}
	got, err := UnpackFrames(PackFrames(stack))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(stack) {
		t.Fatalf("want %d frames, got %d", len(stack), len(got))
	}
	for i := range stack {
		if got[i] != stack[i] {
			t.Errorf("frame %d: want=%+v got=%+v", i, stack[i], got[i])
		}
	}
}

func TestPackFramesEmpty(t *testing.T) {
	got, err := UnpackFrames(PackFrames(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("want no frames, got %d", len(got))
	}
}
