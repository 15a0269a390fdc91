package backtrace

import (
	"os"
	"strings"
	"testing"
)

func TestParseAddr2line(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want symbolInfo
	}{
		{
			name: "resolved",
			out:  "compute_widget\n/src/widget.c:42\n",
			want: symbolInfo{Function: "compute_widget", Filename: "/src/widget.c", Line: 42},
		},
		{
			name: "resolved with discriminator",
			out:  "compute_widget\n/src/widget.c:42 (discriminator 3)\n",
			want: symbolInfo{Function: "compute_widget", Filename: "/src/widget.c", Line: 42},
		},
		{
			name: "unknown function",
			out:  "??\n/src/widget.c:42\n",
			want: symbolInfo{Filename: "/src/widget.c", Line: 42},
		},
		{
			name: "unknown position",
			out:  "compute_widget\n??:0\n",
			want: symbolInfo{Function: "compute_widget"},
		},
		{
			name: "unknown position question mark",
			out:  "compute_widget\n??:?\n",
			want: symbolInfo{Function: "compute_widget"},
		},
		{
			name: "nothing",
			out:  "??\n??:0\n",
			want: symbolInfo{},
		},
		{
			name: "empty",
			out:  "",
			want: symbolInfo{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseAddr2line(tc.out); got != tc.want {
				t.Errorf("want=%+v got=%+v", tc.want, got)
			}
		})
	}
}

func TestReadMappings(t *testing.T) {
	maps, err := readMappings()
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) == 0 {
		t.Fatal("no mappings for the current process")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range maps {
		if m.path == exe {
			return
		}
	}
	t.Errorf("no mapping names the executable %s", exe)
}

func TestModuleOfTestFunction(t *testing.T) {
	pcs, err := callers(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	info := moduleOf(pcs[0])
	if info.Symbol == "" {
		t.Error("loader did not name the test function")
	}
	if !strings.Contains(info.Symbol, "TestModuleOfTestFunction") {
		t.Errorf("symbol %q does not mention the test function", info.Symbol)
	}
}

func TestModuleOfUnmappedAddress(t *testing.T) {
	info := moduleOf(0x2)
	if info.Path != "" || info.Base != 0 || info.Symbol != "" {
		t.Errorf("unmapped address produced module info: %+v", info)
	}
}
