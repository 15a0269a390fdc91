//go:build linux || darwin

package backtrace

import (
	"os"
	"testing"
)

func TestGoTableMapperOwnBinary(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	g, err := newGoTableMapper(exe)
	if err != nil {
		t.Skipf("test binary has no pclntab sections: %v", err)
	}
	if len(g.t.Funcs) == 0 {
		t.Fatal("pclntab has no functions")
	}
	fn := g.t.Funcs[0]
	si, ok := g.lookup(fn.Entry)
	if !ok {
		t.Fatalf("lookup missed the entry of %s", fn.Name)
	}
	if si.Function != fn.Name {
		t.Errorf("function: want=%q got=%q", fn.Name, si.Function)
	}
}

func TestGoTableMapperMissingBinary(t *testing.T) {
	if _, err := newGoTableMapper("/definitely/not/a/binary"); err == nil {
		t.Error("no error for a missing binary")
	}
}
