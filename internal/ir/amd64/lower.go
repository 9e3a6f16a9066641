package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

var conditionCodes = map[ir.Comparison]amd64.Cond{
	ir.Equal:            amd64.CondE,
	ir.NotEqual:         amd64.CondNE,
	ir.Less:             amd64.CondL,
	ir.LessOrEqual:      amd64.CondLE,
	ir.Greater:          amd64.CondG,
	ir.GreaterOrEqual:   amd64.CondGE,
	ir.LessUI:           amd64.CondB,
	ir.LessOrEqualUI:    amd64.CondBE,
	ir.GreaterUI:        amd64.CondA,
	ir.GreaterOrEqualUI: amd64.CondAE,
}

func conditionCode(cmp ir.Comparison) (amd64.Cond, error) {
	cond, ok := conditionCodes[cmp]
	if !ok {
		return 0, fmt.Errorf("%w: comparison %s", ErrUnsupportedOperation, cmp)
	}
	return cond, nil
}

// operandType is the width two-operand integer instructions work at: that
// of the first non-constant source.
func operandType(op *ir.Operation) ir.Type {
	for _, s := range op.Sources {
		if !s.IsConstant() {
			return s.Type
		}
	}
	if len(op.Sources) > 0 {
		return op.Sources[0].Type
	}
	return ir.I64
}

func (c *compiler) compileOperation(op *ir.Operation) error {
	switch op.Inst {
	case ir.Copy, ir.Truncate, ir.ZeroExtend32:
		if op.Dest.Type.IsVector() {
			if err := c.loadVec(scratchXmm0, op.Sources[0]); err != nil {
				return err
			}
			return c.storeVec(op.Dest, scratchXmm0)
		}
		t := op.Sources[0].Type
		if op.Inst != ir.Copy {
			t = ir.I32
		}
		if err := c.loadIntAs(amd64.RAX, op.Sources[0], t); err != nil {
			return err
		}
		return c.storeInt(op.Dest, amd64.RAX)

	case ir.Add, ir.Subtract, ir.Multiply, ir.BitwiseAnd, ir.BitwiseOr, ir.BitwiseXor:
		return c.compileBinary(op)
	case ir.Divide, ir.DivideUI:
		return c.compileDivide(op)
	case ir.ShiftLeft, ir.ShiftRightUI, ir.ShiftRightSI, ir.RotateRight:
		return c.compileShift(op)
	case ir.BitwiseNot, ir.Negate, ir.ByteSwap,
		ir.SignExtend8, ir.SignExtend16, ir.SignExtend32, ir.ZeroExtend8, ir.ZeroExtend16:
		return c.compileUnary(op)

	case ir.Compare:
		return c.compileCompare(op)
	case ir.ConditionalSelect:
		return c.compileSelect(op)

	case ir.Load:
		return c.compileLoad(op)
	case ir.Store:
		return c.compileStore(op)
	case ir.CodePageFlag:
		return c.compileCodePageFlag(op)
	case ir.LoadContext:
		mem := contextMem(int32(op.Aux))
		if op.Dest.Type.IsVector() {
			c.emit(amd64.MovdquLoad(scratchXmm0, mem))
			return c.storeVec(op.Dest, scratchXmm0)
		}
		c.emit(amd64.MovFromMemory(gpr(amd64.RAX, op.Dest.Type), mem))
		return c.storeInt(op.Dest, amd64.RAX)
	case ir.StoreContext:
		mem := contextMem(int32(op.Aux))
		src := op.Sources[0]
		if src.Type.IsVector() {
			if err := c.loadVec(scratchXmm0, src); err != nil {
				return err
			}
			c.emit(amd64.MovdquStore(mem, scratchXmm0))
			return nil
		}
		if err := c.loadInt(amd64.RAX, src); err != nil {
			return err
		}
		c.emit(amd64.MovToMemory(mem, gpr(amd64.RAX, src.Type)))
		return nil

	case ir.BranchIf:
		return c.compileBranch(op)
	case ir.Return:
		if err := c.loadInt(amd64.RAX, op.Sources[0]); err != nil {
			return err
		}
		c.emit(amd64.Jump(epilogueLabel))
		return nil
	case ir.Call:
		return c.compileCall(op)

	case ir.VectorAdd, ir.VectorSubtract, ir.VectorAnd, ir.VectorOr, ir.VectorXor, ir.VectorAndNot:
		return c.compileVectorBinary(op)
	case ir.VectorZeroUpper:
		if err := c.loadVec(scratchXmm0, op.Sources[0]); err != nil {
			return err
		}
		c.emit(amd64.MovqXmm(scratchXmm0, scratchXmm0))
		return c.storeVec(op.Dest, scratchXmm0)

	case ir.Phi, ir.LoadConstantBuffer, ir.ResourceAccess:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.Inst)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.Inst)
}

// loadPair loads the two sources of op into rax and rcx.
func (c *compiler) loadPair(op *ir.Operation) error {
	if len(op.Sources) != 2 {
		return fmt.Errorf("%s takes two sources, has %d", op.Inst, len(op.Sources))
	}
	if err := c.loadInt(amd64.RAX, op.Sources[0]); err != nil {
		return err
	}
	return c.loadInt(amd64.RCX, op.Sources[1])
}

// immediate returns the constant second source of op as a sign-extended
// 32-bit immediate, if it has one that encodes at the width of t.
func immediate(op *ir.Operation, t ir.Type) (int32, bool) {
	src := op.Sources[1]
	if !src.IsConstant() || (t != ir.I32 && t != ir.I64) {
		return 0, false
	}
	if t == ir.I32 {
		return int32(uint32(src.Value)), true
	}
	v := int64(src.Value)
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return int32(v), true
}

func (c *compiler) compileBinary(op *ir.Operation) error {
	if len(op.Sources) != 2 {
		return fmt.Errorf("%s takes two sources, has %d", op.Inst, len(op.Sources))
	}
	t := op.Dest.Type
	rax, rcx := gpr(amd64.RAX, t), gpr(amd64.RCX, t)
	if imm, ok := immediate(op, t); ok {
		if err := c.loadInt(amd64.RAX, op.Sources[0]); err != nil {
			return err
		}
		switch op.Inst {
		case ir.Add:
			c.emit(amd64.AddRegImm(rax, imm))
		case ir.Subtract:
			c.emit(amd64.SubRegImm(rax, imm))
		case ir.Multiply:
			c.emit(amd64.ImulRegImm(rax, rax, imm))
		case ir.BitwiseAnd:
			c.emit(amd64.AndRegImm(rax, imm))
		case ir.BitwiseOr:
			c.emit(amd64.OrRegImm(rax, imm))
		case ir.BitwiseXor:
			c.emit(amd64.XorRegImm(rax, imm))
		}
		return c.storeInt(op.Dest, amd64.RAX)
	}

	if err := c.loadPair(op); err != nil {
		return err
	}
	switch op.Inst {
	case ir.Add:
		c.emit(amd64.AddRegReg(rax, rcx))
	case ir.Subtract:
		c.emit(amd64.SubRegReg(rax, rcx))
	case ir.Multiply:
		c.emit(amd64.ImulRegReg(rax, rcx))
	case ir.BitwiseAnd:
		c.emit(amd64.AndRegReg(rax, rcx))
	case ir.BitwiseOr:
		c.emit(amd64.OrRegReg(rax, rcx))
	case ir.BitwiseXor:
		c.emit(amd64.XorRegReg(rax, rcx))
	}
	return c.storeInt(op.Dest, amd64.RAX)
}

// compileDivide divides with ARM semantics: a zero divisor yields zero and
// the most negative value divided by -1 yields itself.
func (c *compiler) compileDivide(op *ir.Operation) error {
	if err := c.loadPair(op); err != nil {
		return err
	}
	t := operandType(op)
	rax, rcx := gpr(amd64.RAX, t), gpr(amd64.RCX, t)
	zero := c.newInternalLabel("div_zero")
	done := c.newInternalLabel("div_done")

	c.emit(
		amd64.TestRegReg(rcx, rcx),
		amd64.JumpIf(amd64.CondE, zero),
	)
	if op.Inst == ir.Divide {
		divide := c.newInternalLabel("div")
		c.emit(
			amd64.CmpRegImm(rcx, -1),
			amd64.JumpIf(amd64.CondNE, divide),
			amd64.Neg(rax),
			amd64.Jump(done),
			asm.MarkLabel(divide),
			amd64.SignExtendAccumulator(rax),
			amd64.Idiv(rcx),
		)
	} else {
		c.emit(
			amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)),
			amd64.Div(rcx),
		)
	}
	c.emit(
		amd64.Jump(done),
		asm.MarkLabel(zero),
		amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
		asm.MarkLabel(done),
	)
	return c.storeInt(op.Dest, amd64.RAX)
}

// compileShift relies on x86 masking the count to the operand width, which
// matches the IR's modulo semantics.
// compileShift shifts by the count modulo the operand width, as x86 does
// for a count in cl.
func (c *compiler) compileShift(op *ir.Operation) error {
	if len(op.Sources) != 2 {
		return fmt.Errorf("%s takes two sources, has %d", op.Inst, len(op.Sources))
	}
	t := op.Sources[0].Type
	rax := gpr(amd64.RAX, t)
	if count := op.Sources[1]; count.IsConstant() && (t == ir.I32 || t == ir.I64) {
		if err := c.loadInt(amd64.RAX, op.Sources[0]); err != nil {
			return err
		}
		n := uint8(count.Value & uint64(width(t)*8-1))
		if n != 0 {
			switch op.Inst {
			case ir.ShiftLeft:
				c.emit(amd64.ShlRegImm(rax, n))
			case ir.ShiftRightUI:
				c.emit(amd64.ShrRegImm(rax, n))
			case ir.ShiftRightSI:
				c.emit(amd64.SarRegImm(rax, n))
			case ir.RotateRight:
				c.emit(amd64.RorRegImm(rax, n))
			}
		}
		return c.storeInt(op.Dest, amd64.RAX)
	}

	if err := c.loadPair(op); err != nil {
		return err
	}
	switch op.Inst {
	case ir.ShiftLeft:
		c.emit(amd64.ShlRegCL(rax))
	case ir.ShiftRightUI:
		c.emit(amd64.ShrRegCL(rax))
	case ir.ShiftRightSI:
		c.emit(amd64.SarRegCL(rax))
	case ir.RotateRight:
		c.emit(amd64.RorRegCL(rax))
	}
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileUnary(op *ir.Operation) error {
	src := op.Sources[0]
	if err := c.loadInt(amd64.RAX, src); err != nil {
		return err
	}
	dst := gpr(amd64.RAX, op.Dest.Type)
	switch op.Inst {
	case ir.BitwiseNot:
		c.emit(amd64.Not(dst))
	case ir.Negate:
		c.emit(amd64.Neg(dst))
	case ir.ByteSwap:
		c.emit(amd64.Bswap(gpr(amd64.RAX, src.Type)))
	case ir.SignExtend8:
		c.emit(amd64.MovSXReg(dst, amd64.Reg8(amd64.RAX)))
	case ir.SignExtend16:
		c.emit(amd64.MovSXReg(dst, amd64.Reg16(amd64.RAX)))
	case ir.SignExtend32:
		c.emit(amd64.MovSXReg(amd64.Reg64(amd64.RAX), amd64.Reg32(amd64.RAX)))
	case ir.ZeroExtend8:
		c.emit(amd64.MovZXReg(amd64.Reg32(amd64.RAX), amd64.Reg8(amd64.RAX)))
	case ir.ZeroExtend16:
		c.emit(amd64.MovZXReg(amd64.Reg32(amd64.RAX), amd64.Reg16(amd64.RAX)))
	}
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileCompare(op *ir.Operation) error {
	cond, err := conditionCode(op.Comparison())
	if err != nil {
		return err
	}
	if err := c.loadPair(op); err != nil {
		return err
	}
	t := operandType(op)
	c.emit(
		amd64.CmpRegReg(gpr(amd64.RAX, t), gpr(amd64.RCX, t)),
		amd64.Setcc(cond, amd64.Reg8(amd64.RAX)),
		amd64.MovZXReg(amd64.Reg32(amd64.RAX), amd64.Reg8(amd64.RAX)),
	)
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileSelect(op *ir.Operation) error {
	if len(op.Sources) != 3 {
		return fmt.Errorf("select takes three sources, has %d", len(op.Sources))
	}
	if err := c.loadInt(amd64.RDX, op.Sources[0]); err != nil {
		return err
	}
	cond := gpr(amd64.RDX, op.Sources[0].Type)

	if op.Dest.Type.IsVector() {
		if err := c.loadVec(scratchXmm0, op.Sources[1]); err != nil {
			return err
		}
		if err := c.loadVec(scratchXmm1, op.Sources[2]); err != nil {
			return err
		}
		keep := c.newInternalLabel("select")
		c.emit(
			amd64.TestRegReg(cond, cond),
			amd64.JumpIf(amd64.CondNE, keep),
			amd64.MovdqaReg(scratchXmm0, scratchXmm1),
			asm.MarkLabel(keep),
		)
		return c.storeVec(op.Dest, scratchXmm0)
	}

	if err := c.loadInt(amd64.RAX, op.Sources[1]); err != nil {
		return err
	}
	if err := c.loadInt(amd64.RCX, op.Sources[2]); err != nil {
		return err
	}
	t := op.Dest.Type
	c.emit(
		amd64.TestRegReg(cond, cond),
		amd64.Cmovcc(amd64.CondE, gpr(amd64.RAX, t), gpr(amd64.RCX, t)),
	)
	return c.storeInt(op.Dest, amd64.RAX)
}

// guestAddress leaves the masked guest address of src in rax and returns
// the host memory operand for it.
func (c *compiler) guestAddress(src *ir.Operand) (amd64.Memory, error) {
	if err := c.loadInt(amd64.RAX, src); err != nil {
		return amd64.Memory{}, err
	}
	if mask := c.opts.AddressMask; mask != 0 && mask != ^uint64(0) {
		c.emit(
			amd64.MovImmediate(amd64.Reg64(amd64.RDX), int64(mask)),
			amd64.AndRegReg(amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RDX)),
		)
	}
	return amd64.MemIndex(amd64.Reg64(memoryRegister), amd64.Reg64(amd64.RAX), 1), nil
}

func (c *compiler) compileLoad(op *ir.Operation) error {
	mem, err := c.guestAddress(op.Sources[0])
	if err != nil {
		return err
	}
	switch op.Aux {
	case 1:
		c.emit(amd64.MovZX8(amd64.Reg32(amd64.RAX), mem))
	case 2:
		c.emit(amd64.MovZX16(amd64.Reg32(amd64.RAX), mem))
	case 4:
		c.emit(amd64.MovFromMemory(amd64.Reg32(amd64.RAX), mem))
	case 8:
		c.emit(amd64.MovFromMemory(amd64.Reg64(amd64.RAX), mem))
	case 16:
		c.emit(amd64.MovdquLoad(scratchXmm0, mem))
		return c.storeVec(op.Dest, scratchXmm0)
	default:
		return fmt.Errorf("%w: %d byte load", ErrUnsupportedOperation, op.Aux)
	}
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileStore(op *ir.Operation) error {
	if len(op.Sources) != 2 {
		return fmt.Errorf("store takes two sources, has %d", len(op.Sources))
	}
	value := op.Sources[1]
	if op.Aux == 1 && value.IsConstant() {
		mem, err := c.guestAddress(op.Sources[0])
		if err != nil {
			return err
		}
		c.emit(amd64.MovStoreImm8(mem, byte(value.Value)))
		return nil
	}
	if op.Aux == 16 {
		if err := c.loadVec(scratchXmm0, value); err != nil {
			return err
		}
	} else if err := c.loadInt(amd64.RCX, value); err != nil {
		return err
	}
	mem, err := c.guestAddress(op.Sources[0])
	if err != nil {
		return err
	}
	switch op.Aux {
	case 1, 2, 4, 8:
		c.emit(amd64.MovToMemory(mem, amd64.RegSized(amd64.RCX, int(op.Aux))))
	case 16:
		c.emit(amd64.MovdquStore(mem, scratchXmm0))
	default:
		return fmt.Errorf("%w: %d byte store", ErrUnsupportedOperation, op.Aux)
	}
	return nil
}

// compileCodePageFlag looks up the first and last byte of an access in the
// context's code page map. A context without a map reads as no code.
func (c *compiler) compileCodePageFlag(op *ir.Operation) error {
	if op.Aux < 1 {
		return fmt.Errorf("%w: %d byte code page check", ErrUnsupportedOperation, op.Aux)
	}
	if err := c.loadInt(amd64.RAX, op.Sources[0]); err != nil {
		return err
	}
	first, last := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RDX)
	pages := amd64.Reg64(amd64.RCX)
	c.emit(amd64.MovReg(last, first))
	if op.Aux > 1 {
		c.emit(amd64.AddRegImm(last, int32(op.Aux-1)))
	}
	if mask := c.opts.AddressMask; mask != 0 && mask != ^uint64(0) {
		c.emit(
			amd64.MovImmediate(pages, int64(mask)),
			amd64.AndRegReg(first, pages),
			amd64.AndRegReg(last, pages),
		)
	}
	none := c.newInternalLabel("nocode")
	done := c.newInternalLabel("codepage")
	c.emit(
		amd64.ShrRegImm(first, guest.PageBits),
		amd64.ShrRegImm(last, guest.PageBits),
		amd64.MovFromMemory(pages, contextMem(guest.OffsetCodePages)),
		amd64.TestRegReg(pages, pages),
		amd64.JumpIf(amd64.CondE, none),
		amd64.MovZX8(amd64.Reg32(amd64.RAX), amd64.MemIndex(pages, first, 1)),
		amd64.MovZX8(amd64.Reg32(amd64.RDX), amd64.MemIndex(pages, last, 1)),
		amd64.OrRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RDX)),
		amd64.Jump(done),
		asm.MarkLabel(none),
		amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
		asm.MarkLabel(done),
	)
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileBranch(op *ir.Operation) error {
	if c.block.Terminator() != op || c.block.Branch == nil {
		return fmt.Errorf("branch is not the terminator of a block with a branch target")
	}
	cond, err := conditionCode(op.Comparison())
	if err != nil {
		return err
	}
	if err := c.loadPair(op); err != nil {
		return err
	}
	t := operandType(op)
	c.emit(
		amd64.CmpRegReg(gpr(amd64.RAX, t), gpr(amd64.RCX, t)),
		amd64.JumpIf(cond, blockLabel(c.block.Branch)),
	)
	return nil
}

// compileCall passes up to two integer sources in rdi and rsi and stores
// rax to the destination. Every value live across the call sits in a
// callee-saved register or a spill slot.
func (c *compiler) compileCall(op *ir.Operation) error {
	if c.opts.Resolver == nil {
		return fmt.Errorf("call to %s without a symbol resolver", op.Helper)
	}
	if len(op.Sources) > 2 {
		return fmt.Errorf("%w: helper call with %d arguments", ErrUnsupportedOperation, len(op.Sources))
	}
	scratch := []asm.Variable{amd64.RAX, amd64.RCX}
	for i, src := range op.Sources {
		if err := c.loadInt(scratch[i], src); err != nil {
			return err
		}
	}
	for i := range op.Sources {
		c.emit(amd64.MovReg(amd64.Reg64(paramRegisters[i]), amd64.Reg64(scratch[i])))
	}
	load, err := c.opts.Resolver.LoadHelper(amd64.Reg64(amd64.RAX), op.Helper)
	if err != nil {
		return err
	}
	c.emit(load, amd64.CallReg(amd64.Reg64(amd64.RAX)))
	if op.Dest == nil {
		return nil
	}
	return c.storeInt(op.Dest, amd64.RAX)
}

func (c *compiler) compileVectorBinary(op *ir.Operation) error {
	if len(op.Sources) != 2 {
		return fmt.Errorf("%s takes two sources, has %d", op.Inst, len(op.Sources))
	}
	if err := c.loadVec(scratchXmm0, op.Sources[0]); err != nil {
		return err
	}
	if err := c.loadVec(scratchXmm1, op.Sources[1]); err != nil {
		return err
	}
	elem := 1 << uint(op.Aux)
	result := scratchXmm0
	switch op.Inst {
	case ir.VectorAdd:
		c.emit(amd64.Padd(elem, scratchXmm0, scratchXmm1))
	case ir.VectorSubtract:
		c.emit(amd64.Psub(elem, scratchXmm0, scratchXmm1))
	case ir.VectorAnd:
		c.emit(amd64.Pand(scratchXmm0, scratchXmm1))
	case ir.VectorOr:
		c.emit(amd64.Por(scratchXmm0, scratchXmm1))
	case ir.VectorXor:
		c.emit(amd64.Pxor(scratchXmm0, scratchXmm1))
	case ir.VectorAndNot:
		// pandn complements its destination: xmm1 = ^b & a.
		c.emit(amd64.Pandn(scratchXmm1, scratchXmm0))
		result = scratchXmm1
	}
	return c.storeVec(op.Dest, result)
}
