package testutil

import (
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmLine is a single decoded x86-64 instruction.
type DisasmLine struct {
	Offset int
	Inst   x86asm.Inst
	Text   string
}

// Contains reports whether the Intel syntax text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Text, substr)
}

// Disassemble decodes code as 64-bit x86 and fails the test on the first
// byte sequence that does not decode.
func Disassemble(t *testing.T, code []byte) []DisasmLine {
	t.Helper()
	var lines []DisasmLine
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at offset %#x (% x): %v", off, code[off:min(off+15, len(code))], err)
		}
		lines = append(lines, DisasmLine{
			Offset: off,
			Inst:   inst,
			Text:   x86asm.IntelSyntax(inst, uint64(off), nil),
		})
		off += inst.Len
	}
	return lines
}
