//go:build linux || darwin

package backtrace

import (
	"context"
	"testing"
)

func TestRunToolMissingBinary(t *testing.T) {
	_, err := runTool(context.Background(), "definitely-not-a-symbolizer", nil, "-h")
	if err == nil {
		t.Fatal("no error for a missing tool")
	}
}

func TestRunToolStdin(t *testing.T) {
	out, err := runTool(context.Background(), "cat", []byte("mangled\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "mangled\n" {
		t.Errorf("want %q, got %q", "mangled\n", out)
	}
}

func TestRunToolTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the tool timeout")
	}
	_, err := runTool(context.Background(), "sleep", nil, "30")
	if err == nil {
		t.Fatal("no error for a hung tool")
	}
}
