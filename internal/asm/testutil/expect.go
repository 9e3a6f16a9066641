package testutil

import (
	"fmt"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name string
	Op   x86asm.Op
	// Args are matched positionally. Nil entries match anything.
	Args []x86asm.Arg
	// DataSize, when set, is the expected operand size in bits.
	DataSize int
}

func argMatches(want, got x86asm.Arg) bool {
	if want == nil {
		return true
	}
	wm, ok := want.(x86asm.Mem)
	if !ok {
		return want == got
	}
	gm, ok := got.(x86asm.Mem)
	if !ok {
		return false
	}
	if wm.Base != gm.Base || wm.Index != gm.Index || wm.Disp != gm.Disp {
		return false
	}
	return wm.Scale == 0 || wm.Scale == gm.Scale
}

func (e Expectation) match(line DisasmLine) error {
	if line.Inst.Op != e.Op {
		return fmt.Errorf("op=%s, want %s", line.Inst.Op, e.Op)
	}
	for i, want := range e.Args {
		got := line.Inst.Args[i]
		if !argMatches(want, got) {
			return fmt.Errorf("arg %d = %v, want %v", i, got, want)
		}
	}
	if e.DataSize != 0 && line.Inst.DataSize != e.DataSize {
		return fmt.Errorf("data size %d, want %d", line.Inst.DataSize, e.DataSize)
	}
	return nil
}

// VerifyExpectations walks the decoded instructions and ensures each
// expectation is satisfied in order.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("decoded %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\nline: %s", exp.Name, idx, err, line.Text)
		}
	}
}
