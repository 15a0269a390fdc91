package backtrace

import "testing"

func TestParseAtos(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want symbolInfo
	}{
		{
			name: "resolved",
			out:  "compute_widget (in widget) (widget.c:42)\n",
			want: symbolInfo{Function: "compute_widget", Filename: "widget.c", Line: 42},
		},
		{
			name: "no source info",
			out:  "compute_widget (in widget) + 36\n",
			want: symbolInfo{Function: "compute_widget"},
		},
		{
			name: "unresolved",
			out:  "0x0000000100003f2c\n",
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
			if got := parseAtos(tc.out); got != tc.want {
				t.Errorf("want=%+v got=%+v", tc.want, got)
			}
		})
	}
}

func TestSetAtosEnabled(t *testing.T) {
	defer SetAtosEnabled(false)
	SetAtosEnabled(true)
	if !atosEnabled.Load() {
		t.Error("atos not enabled")
	}
}
