package emitter

import (
	"strings"
	"testing"

	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

func buildA64(t *testing.T, address uint64, words ...uint32) *ir.Function {
	t.Helper()
	return build(t, address, guest.ModeA64, words...)
}

func build(t *testing.T, address uint64, mode guest.ExecutionMode, words ...uint32) *ir.Function {
	t.Helper()
	block := &decoder.Block{Address: address, End: address}
	for _, w := range words {
		op := decoder.Decode(w, block.End, mode)
		block.Opcodes = append(block.Opcodes, op)
		block.End = op.NextAddress()
	}
	fn := &decoder.Function{Address: address, Mode: mode, Blocks: []*decoder.Block{block}, MinAddress: address, End: block.End}
	f, err := Translate(fn)
	if err != nil {
		t.Fatalf("Translate() = %v", err)
	}
	if err := f.Verify(); err != nil {
		t.Fatalf("Verify() = %v\n%s", err, f)
	}
	return f
}

func findOps(f *ir.Function, inst ir.Inst) []*ir.Operation {
	var out []*ir.Operation
	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Inst == inst {
			out = append(out, op)
		}
	})
	return out
}

// origin follows copies and truncations back to the register or constant a
// value was read from.
func origin(f *ir.Function, v *ir.Operand) *ir.Operand {
	ud := f.BuildUseDef()
	for v.IsLocal() {
		def, ok := ud.SingleDef(v)
		if !ok || (def.Operation.Inst != ir.Copy && def.Operation.Inst != ir.Truncate) {
			return v
		}
		v = def.Operation.Sources[0]
	}
	return v
}

func isRegister(v *ir.Operand, class ir.RegisterClass, index uint8) bool {
	return v.IsRegister() && v.Register.Class == class && v.Register.Index == index
}

func TestFuseSubtractBranch(t *testing.T) {
	// subs x0, x1, x2; b.eq +8
	f := buildA64(t, 0x1000, 0xeb020020, 0x54000040)

	branches := findOps(f, ir.BranchIf)
	if len(branches) != 1 {
		t.Fatalf("got %d branches, want 1:\n%s", len(branches), f)
	}
	br := branches[0]
	if br.Comparison() != ir.Equal {
		t.Fatalf("branch comparison = %s, want eq", br.Comparison())
	}
	if !isRegister(origin(f, br.Sources[0]), ir.ClassGeneral, 1) || !isRegister(origin(f, br.Sources[1]), ir.ClassGeneral, 2) {
		t.Fatalf("branch compares %s and %s, want x1 and x2:\n%s", br.Sources[0], br.Sources[1], f)
	}
}

func TestNoFusionAfterFlagsRedefined(t *testing.T) {
	// subs x0, x1, x2; adds x3, x3, x4; b.eq +8
	f := buildA64(t, 0x1000, 0xeb020020, 0xab040063, 0x54000040)

	br := findOps(f, ir.BranchIf)[0]
	if br.Comparison() != ir.NotEqual || !br.Sources[1].IsConstantValue(0) {
		t.Fatalf("expected a flag test, got %s", br)
	}
	if !isRegister(origin(f, br.Sources[0]), ir.ClassFlag, uint8(guest.FlagZ)) {
		t.Fatalf("branch should test Z, got %s:\n%s", origin(f, br.Sources[0]), f)
	}
}

func TestFuseAddImmediate(t *testing.T) {
	// adds x0, x1, #4; b.lt +8
	f := buildA64(t, 0x1000, 0xb1001020, 0x5400004b)
	br := findOps(f, ir.BranchIf)[0]
	if br.Comparison() != ir.Less {
		t.Fatalf("branch comparison = %s, want lt", br.Comparison())
	}
	if !br.Sources[1].IsConstantValue(^uint64(3)) {
		t.Fatalf("branch compares against %s, want -4", br.Sources[1])
	}

	// adds x0, x1, #4; b.cs +8 must not fuse.
	f = buildA64(t, 0x1000, 0xb1001020, 0x54000042)
	br = findOps(f, ir.BranchIf)[0]
	if !isRegister(origin(f, br.Sources[0]), ir.ClassFlag, uint8(guest.FlagC)) {
		t.Fatalf("carry condition fused:\n%s", f)
	}
}

func TestNoFusionAddRegister(t *testing.T) {
	// adds x0, x1, x2; b.lt +8 has no constant to negate, so it tests N != V.
	f := buildA64(t, 0x1000, 0xab020020, 0x5400004b)
	br := findOps(f, ir.BranchIf)[0]
	if br.Comparison() != ir.NotEqual || !br.Sources[1].IsConstantValue(0) {
		t.Fatalf("register add fused into %s:\n%s", br, f)
	}
	for _, src := range br.Sources {
		o := origin(f, src)
		if isRegister(o, ir.ClassGeneral, 1) || isRegister(o, ir.ClassGeneral, 2) {
			t.Fatalf("branch compares guest registers directly:\n%s", f)
		}
	}
	usesFlag := func(flag guest.Flag) bool {
		for _, cmp := range findOps(f, ir.Compare) {
			for _, src := range cmp.Sources {
				if isRegister(origin(f, src), ir.ClassFlag, uint8(flag)) {
					return true
				}
			}
		}
		return false
	}
	if !usesFlag(guest.FlagN) || !usesFlag(guest.FlagV) {
		t.Fatalf("lt is not evaluated from N and V:\n%s", f)
	}
}

func TestComparisonResetAtLabel(t *testing.T) {
	c := NewContext(guest.ModeA64)
	op := decoder.Decode(0xeb020020, 0x1000, guest.ModeA64)
	if err := c.EmitInstruction(&op); err != nil {
		t.Fatal(err)
	}
	if _, _, _, ok := c.TryGetComparison(decoder.CondEQ); !ok {
		t.Fatalf("comparison should be available after subs")
	}
	c.MarkLabel(0x1004)
	if _, _, _, ok := c.TryGetComparison(decoder.CondEQ); ok {
		t.Fatalf("comparison survived a label")
	}
}

func TestIfThenState(t *testing.T) {
	c := NewContext(guest.ModeT32)
	// ITE EQ
	c.SetIfThenBlockState(decoder.CondEQ, 0xc)

	want := []decoder.Cond{decoder.CondEQ, decoder.CondNE}
	for i, cond := range want {
		if !c.IsInIfThenBlock() {
			t.Fatalf("step %d: left IT block early", i)
		}
		if got := c.CurrentIfThenBlockCond(); got != cond {
			t.Fatalf("step %d: cond = %s, want %s", i, got, cond)
		}
		c.AdvanceIfThenBlockState()
	}
	if c.IsInIfThenBlock() {
		t.Fatalf("still in IT block after two instructions")
	}

	// ITTTT GT
	c.SetIfThenBlockState(decoder.CondGT, 0x1)
	for i := 0; i < 4; i++ {
		if got := c.CurrentIfThenBlockCond(); got != decoder.CondGT {
			t.Fatalf("ITTTT step %d: cond = %s", i, got)
		}
		c.AdvanceIfThenBlockState()
	}
	if c.IsInIfThenBlock() {
		t.Fatalf("still in IT block after four instructions")
	}
}

func TestIfThenLowering(t *testing.T) {
	// cmp r0, #1; ite eq; movs r1, #1; movs r1, #2; bx lr
	f := build(t, 0x1000, guest.ModeT32, 0x2801, 0xbf0c, 0x2101, 0x2102, 0x4770)

	branches := findOps(f, ir.BranchIf)
	if len(branches) != 2 {
		t.Fatalf("got %d branches, want 2:\n%s", len(branches), f)
	}
	first := branches[0]
	if first.Comparison() != ir.NotEqual || !first.Sources[1].IsConstantValue(1) {
		t.Fatalf("first predicate not fused with cmp: %s", first)
	}
	second := branches[1]
	if !isRegister(origin(f, second.Sources[0]), ir.ClassFlag, uint8(guest.FlagZ)) {
		t.Fatalf("second predicate should test Z: %s\n%s", second, f)
	}

	flagWrites := 0
	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Dest != nil && op.Dest.IsRegister() && op.Dest.Register.Class == ir.ClassFlag {
			flagWrites++
		}
	})
	if flagWrites != 4 {
		t.Fatalf("got %d flag writes, want 4 from cmp only", flagWrites)
	}
}

func TestExitStubs(t *testing.T) {
	// b +0x1000
	f := buildA64(t, 0x1000, 0x14000400)

	found := false
	for _, op := range findOps(f, ir.Return) {
		if op.Sources[0].IsConstantValue(0x2000) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no exit to 0x2000:\n%s", f)
	}
}

func TestUndefinedExit(t *testing.T) {
	f := buildA64(t, 0x1000, 0x00000000)

	var reason *ir.Operation
	for _, op := range findOps(f, ir.StoreContext) {
		if int32(op.Aux) == guest.OffsetExitReason {
			reason = op
		}
	}
	if reason == nil || !reason.Sources[0].IsConstantValue(uint64(guest.ExitUndefined)) {
		t.Fatalf("undefined instruction does not record its exit:\n%s", f)
	}
	ret := findOps(f, ir.Return)[0]
	if !ret.Sources[0].IsConstantValue(0x1000) {
		t.Fatalf("undefined exit returns %s, want 0x1000", ret.Sources[0])
	}
}

// codeWriteExit returns the block taken when check finds translated code.
func codeWriteExit(t *testing.T, f *ir.Function, check *ir.Operation) *ir.Block {
	t.Helper()
	var exit *ir.Block
	f.Operations(func(b *ir.Block, op *ir.Operation) {
		if op.Inst == ir.BranchIf && op.Sources[0] == check.Dest && op.Comparison() == ir.NotEqual {
			exit = b.Branch
		}
	})
	if exit == nil {
		t.Fatalf("no branch on %s:\n%s", check.Dest, f)
	}
	return exit
}

func TestStoreChecksCodePages(t *testing.T) {
	// str w1, [x2]; movz x0, #1
	f := buildA64(t, 0x1000, 0xb9000041, 0xd2800020)

	checks := findOps(f, ir.CodePageFlag)
	if len(checks) != 1 || checks[0].Aux != 4 {
		t.Fatalf("code page checks = %v, want one 4 byte check:\n%s", checks, f)
	}
	store := findOps(f, ir.Store)[0]
	if checks[0].Sources[0] != store.Sources[0] {
		t.Fatalf("check reads %s, store writes %s", checks[0].Sources[0], store.Sources[0])
	}

	exit := codeWriteExit(t, f, checks[0])
	var reason, info *ir.Operation
	for _, op := range exit.Operations {
		if op.Inst != ir.StoreContext {
			continue
		}
		switch int32(op.Aux) {
		case guest.OffsetExitReason:
			reason = op
		case guest.OffsetExitInfo:
			info = op
		}
	}
	if reason == nil || !reason.Sources[0].IsConstantValue(uint64(guest.ExitCodeWrite)) {
		t.Fatalf("exit does not record a code write:\n%s", f)
	}
	if info == nil || info.Sources[0] != store.Sources[0] {
		t.Fatalf("exit does not report the written address:\n%s", f)
	}
	if ret := exit.Terminator(); ret == nil || ret.Inst != ir.Return || !ret.Sources[0].IsConstantValue(0x1004) {
		t.Fatalf("exit does not resume after the store:\n%s", f)
	}

	// the following instruction still runs when no code was hit
	if len(findOps(f, ir.Return)) < 2 {
		t.Fatalf("store check ended the function:\n%s", f)
	}
}

func TestPredicatedStoreChecksCodePages(t *testing.T) {
	// it eq; str r1, [r2]; movs r0, #1
	f := build(t, 0x1000, guest.ModeT32, 0xbf08, 0x6011, 0x2001)

	checks := findOps(f, ir.CodePageFlag)
	if len(checks) != 1 {
		t.Fatalf("got %d code page checks, want 1:\n%s", len(checks), f)
	}
	exit := codeWriteExit(t, f, checks[0])
	if ret := exit.Terminator(); ret == nil || !ret.Sources[0].IsConstantValue(0x1004) {
		t.Fatalf("exit does not resume after the store:\n%s", f)
	}
	for _, op := range exit.Operations {
		if op.Inst == ir.StoreContext && int32(op.Aux) == guest.OffsetExitInfo && op.Sources[0].Type != ir.I64 {
			t.Fatalf("exit info written as %s:\n%s", op.Sources[0].Type, f)
		}
	}
}

func TestThirtyTwoBitWritesZeroExtend(t *testing.T) {
	// add w0, w1, w2
	f := buildA64(t, 0x1000, 0x0b020020)
	var write *ir.Operation
	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Dest != nil && isRegister(op.Dest, ir.ClassGeneral, 0) {
			write = op
		}
	})
	if write == nil || write.Inst != ir.ZeroExtend32 {
		t.Fatalf("w0 write = %v, want zext32", write)
	}
}

func TestHandlersCoverEveryInstruction(t *testing.T) {
	for name := decoder.InstUndefined; !strings.HasPrefix(name.String(), "inst("); name++ {
		if _, ok := handlers[name]; !ok {
			t.Fatalf("no handler for %s (%d)", name, name)
		}
	}
}
