package backtrace

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
)

// StackFrame is a single resolved call-stack frame. A frame is produced by
// the resolver from a raw program counter; fields that could not be
// resolved are left at their zero value.
type StackFrame struct {
	// Address is the virtual program counter of the frame.
	Address uintptr

	// Address2 is the offset of Address from the base of the owning
	// shared object. It is 0 when the frame belongs to the main
	// executable.
	Address2 uintptr

	// Object is the path of the module containing Address, or empty if
	// the module could not be identified.
	Object string

	// Function is the demangled symbol name, or empty if unresolved.
	Function string

	// Filename is the source file, or empty if unavailable. When
	// Filename is empty, Line is 0.
	Filename string

	// Line is the 1-based source line, 0 meaning unknown.
	Line uint32
}

func (f StackFrame) String() string {
	sb := new(strings.Builder)
	fmt.Fprintf(sb, "@%016x", uint64(f.Address))
	if f.Function != "" {
		fmt.Fprintf(sb, ": %s", f.Function)
	}
	if f.Filename != "" {
		fmt.Fprintf(sb, " %s:%d", filepath.Base(f.Filename), f.Line)
	}
	if f.Object != "" {
		fmt.Fprintf(sb, " (%s)", filepath.Base(f.Object))
	}
	return sb.String()
}

// The wire format predates the widening of Line to 32 bits: line numbers
// are clamped to 255 so that packed frames stay readable by consumers of
// the old single-byte field.
const packLineMax = 255

// Pack appends the compact byte representation of the frame to b and
// returns the extended slice.
func (f StackFrame) Pack(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Address))
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Address2))
	line := f.Line
	if line > packLineMax {
		line = packLineMax
	}
	b = binary.LittleEndian.AppendUint32(b, line)
	b = appendBytes(b, f.Object)
	b = appendBytes(b, f.Filename)
	b = appendBytes(b, f.Function)
	return b
}

// UnpackFrame decodes one frame from b, returning the frame and the
// remaining bytes.
func UnpackFrame(b []byte) (StackFrame, []byte, error) {
	var f StackFrame
	if len(b) < 20 {
		return f, b, fmt.Errorf("backtrace: short frame: %d bytes", len(b))
	}
	f.Address = uintptr(binary.LittleEndian.Uint64(b))
	f.Address2 = uintptr(binary.LittleEndian.Uint64(b[8:]))
	f.Line = binary.LittleEndian.Uint32(b[16:])
	b = b[20:]

	var err error
	if f.Object, b, err = consumeBytes(b); err != nil {
		return f, b, err
	}
	if f.Filename, b, err = consumeBytes(b); err != nil {
		return f, b, err
	}
	if f.Function, b, err = consumeBytes(b); err != nil {
		return f, b, err
	}
	if f.Filename == "" {
		f.Line = 0
	}
	return f, b, nil
}

// PackFrames encodes a stack as a 4-byte little-endian count followed by
// the packed frames.
func PackFrames(frames []StackFrame) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(frames)))
	for _, f := range frames {
		b = f.Pack(b)
	}
	return b
}

// UnpackFrames decodes a stack produced by PackFrames.
func UnpackFrames(b []byte) ([]StackFrame, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("backtrace: short frame array: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	frames := make([]StackFrame, 0, n)
	for i := uint32(0); i < n; i++ {
		f, rest, err := UnpackFrame(b)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		b = rest
	}
	return frames, nil
}

func appendBytes(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func consumeBytes(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", b, fmt.Errorf("backtrace: short length prefix: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", b, fmt.Errorf("backtrace: truncated field: want %d bytes, have %d", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}
