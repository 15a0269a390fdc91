package backtrace

import (
	"os"

	"github.com/google/pprof/profile"
)

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// BuildProfile converts an aggregated stack tree into a pprof profile.
// Every root-to-leaf path becomes one sample whose value is the number
// of threads sharing that exact stack; locations are emitted innermost
// first, which is also the tree's path order.
func BuildProfile(ms *MultiStack) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "threads", Unit: "count"},
		},
	}

	b := profileBuilder{
		prof:      prof,
		locations: make(map[locationKey]*profile.Location),
		functions: make(map[string]*profile.Function),
	}
	b.walk(ms, nil)
	return prof
}

type locationKey struct {
	address  uintptr
	function string
}

type profileBuilder struct {
	prof      *profile.Profile
	locations map[locationKey]*profile.Location
	functions map[string]*profile.Function
}

func (b *profileBuilder) walk(node *MultiStack, path []*profile.Location) {
	if node.Frame.Address != 0 || node.Frame.Function != "" {
		path = append(path, b.locationFor(node.Frame))
	}
	children := node.Children()
	if len(children) == 0 {
		if len(path) == 0 || node.N == 0 {
			return
		}
		locations := make([]*profile.Location, len(path))
		copy(locations, path)
		b.prof.Sample = append(b.prof.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{int64(node.N)},
		})
		return
	}
	// Threads whose stacks end at an interior node are not represented
	// by any child; give them their own sample so counts add up.
	rest := node.N
	for _, c := range children {
		rest -= c.N
	}
	if rest > 0 && len(path) > 0 {
		locations := make([]*profile.Location, len(path))
		copy(locations, path)
		b.prof.Sample = append(b.prof.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{int64(rest)},
		})
	}
	for _, c := range children {
		b.walk(c, path)
	}
}

func (b *profileBuilder) locationFor(f StackFrame) *profile.Location {
	key := locationKey{address: f.Address, function: f.Function}
	if loc, ok := b.locations[key]; ok {
		return loc
	}

	name := f.Function
	if name == "" {
		name = "?"
	}
	fn := b.functions[name]
	if fn == nil {
		fn = &profile.Function{
			ID:         uint64(len(b.functions)) + 1, // 0 is reserved by pprof
			Name:       name,
			SystemName: name,
			Filename:   f.Filename,
		}
		b.functions[name] = fn
		b.prof.Function = append(b.prof.Function, fn)
	}

	loc := &profile.Location{
		ID:      uint64(len(b.locations)) + 1, // 0 is reserved by pprof
		Address: uint64(f.Address),
		Line: []profile.Line{{
			Function: fn,
			Line:     int64(f.Line),
		}},
	}
	b.locations[key] = loc
	b.prof.Location = append(b.prof.Location, loc)
	return loc
}
