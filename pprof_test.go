package backtrace

import (
	"bytes"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/pprof/profile"
)

func TestBuildProfile(t *testing.T) {
	a := frame(0x1, "a")
	b := frame(0x2, "b")
	c := frame(0x3, "c")
	d := frame(0x4, "d")
	e := frame(0x5, "e")

	ms := NewMultiStack([][]StackFrame{
		{a, b, c},
		{a, b, d},
		{a, e},
	})
	prof := BuildProfile(ms)

	if err := prof.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(prof.Sample) != 3 {
		t.Fatalf("want 3 samples, got %d", len(prof.Sample))
	}
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
		if len(s.Location) == 0 || s.Location[0].Address != uint64(a.Address) {
			t.Errorf("sample does not lead with the shared innermost frame: %+v", s)
		}
	}
	if total != 3 {
		t.Errorf("sample values sum to %d, want 3", total)
	}
	if len(prof.Function) != 5 {
		t.Errorf("want 5 distinct functions, got %d", len(prof.Function))
	}
}

func TestBuildProfileInteriorStacks(t *testing.T) {
	// One thread stops where another keeps going; the short stack must
	// still be represented so counts add up to the thread total.
	a := frame(0x1, "a")
	b := frame(0x2, "b")
	prof := BuildProfile(NewMultiStack([][]StackFrame{{a}, {a, b}}))

	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
	}
	if total != 2 {
		t.Errorf("sample values sum to %d, want 2", total)
	}
	if len(prof.Sample) != 2 {
		t.Errorf("want 2 samples, got %d", len(prof.Sample))
	}
}

func TestBuildProfileEmpty(t *testing.T) {
	prof := BuildProfile(NewMultiStack(nil))
	if len(prof.Sample) != 0 {
		t.Errorf("want no samples, got %d", len(prof.Sample))
	}
}

func TestWriteProfile(t *testing.T) {
	ms := NewMultiStack([][]StackFrame{{frame(0x1, "a")}})
	path := t.TempDir() + "/stacks.pb.gz"
	if err := WriteProfile(path, BuildProfile(ms)); err != nil {
		t.Fatal(err)
	}
	// The file must parse back as a profile.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := profile.Parse(bytes.NewReader(data)); err != nil {
		t.Fatalf("written profile does not parse: %v", err)
	}
}

func TestStackHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	StackHandler{MaxDepth: 32}.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/stacks", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	prof, err := profile.Parse(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not a pprof profile: %v", err)
	}
	if len(prof.Sample) == 0 {
		t.Error("profile has no samples")
	}
}
