package emitter

import (
	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

func operandType(op *decoder.Opcode) ir.Type {
	if op.RegisterSize == 32 {
		return ir.I32
	}
	return ir.I64
}

func (c *Context) shiftedRegister(op *decoder.Opcode) *ir.Operand {
	m := c.GetRegister(op.Rm, op.RegisterSize, false)
	if op.ShiftAmount == 0 {
		return m
	}
	amount := ir.Const(m.Type, uint64(op.ShiftAmount))
	switch op.Shift {
	case decoder.ShiftLSR:
		return c.ShiftRightUI(m, amount)
	case decoder.ShiftASR:
		return c.ShiftRightSI(m, amount)
	case decoder.ShiftROR:
		return c.RotateRight(m, amount)
	default:
		return c.ShiftLeft(m, amount)
	}
}

// emitAddSub writes n + m or n - m to rd. spDest selects whether register
// 31 names the stack pointer when no flags are set.
func emitAddSub(c *Context, op *decoder.Opcode, n, m *ir.Operand, sub, spDest bool) {
	var result *ir.Operand
	if sub {
		result = c.Subtract(n, m)
	} else {
		result = c.Add(n, m)
	}
	if !op.SetFlags {
		c.SetRegister(op.Rd, result, spDest)
		return
	}
	c.SetRegister(op.Rd, result, false)
	if sub {
		c.MarkComparison(n, m, CompareSubtract)
		c.SetFlagsSubtract(n, m, result)
	} else {
		c.MarkComparison(n, m, CompareAdd)
		c.SetFlagsAdd(n, m, result)
	}
}

func emitA64AddSubImm(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, true)
	m := ir.Const(n.Type, uint64(op.Immediate))
	sub := op.Name == decoder.InstSubImm || op.Name == decoder.InstSubsImm
	emitAddSub(c, op, n, m, sub, true)
}

func emitA64AddSubReg(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	m := c.shiftedRegister(op)
	sub := op.Name == decoder.InstSubReg || op.Name == decoder.InstSubsReg
	emitAddSub(c, op, n, m, sub, false)
}

func emitLogical(c *Context, op *decoder.Opcode, n, m *ir.Operand) {
	var result *ir.Operand
	switch op.Name {
	case decoder.InstAndImm, decoder.InstAndReg, decoder.InstAndsImm, decoder.InstAndsReg:
		result = c.And(n, m)
	case decoder.InstOrrImm, decoder.InstOrrReg:
		result = c.Or(n, m)
	default:
		result = c.Xor(n, m)
	}
	if !op.SetFlags {
		c.SetRegister(op.Rd, result, op.Name == decoder.InstAndImm || op.Name == decoder.InstOrrImm || op.Name == decoder.InstEorImm)
		return
	}
	c.SetRegister(op.Rd, result, false)
	c.MarkComparison(result, ir.Const(result.Type, 0), CompareLogical)
	c.SetFlagsLogical(result)
}

func emitA64LogicalImm(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	emitLogical(c, op, n, ir.Const(n.Type, uint64(op.Immediate)))
}

func emitA64LogicalReg(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	m := c.shiftedRegister(op)
	if op.InvertRm {
		m = c.Not(m)
	}
	emitLogical(c, op, n, m)
}

func emitA64MoveWide(c *Context, op *decoder.Opcode) {
	t := operandType(op)
	imm := uint64(op.Immediate) << op.ShiftAmount
	switch op.Name {
	case decoder.InstMovz:
		c.SetRegister(op.Rd, ir.Const(t, imm), false)
	case decoder.InstMovn:
		c.SetRegister(op.Rd, ir.Const(t, ^imm), false)
	default:
		old := c.GetRegister(op.Rd, op.RegisterSize, false)
		kept := c.And(old, ir.Const(t, ^(uint64(0xffff)<<op.ShiftAmount)))
		c.SetRegister(op.Rd, c.Or(kept, ir.Const(t, imm)), false)
	}
}

func emitA64PCRel(c *Context, op *decoder.Opcode) {
	base := op.Address
	if op.Name == decoder.InstAdrp {
		base &^= 0xfff
	}
	c.SetRegister(op.Rd, ir.Const64(base+uint64(op.Immediate)), false)
}

func emitA64CondSelect(c *Context, op *decoder.Opcode) {
	cond := c.EvaluateCondition(op.Cond)
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	m := c.GetRegister(op.Rm, op.RegisterSize, false)
	switch op.Name {
	case decoder.InstCsinc:
		m = c.Add(m, ir.Const(m.Type, 1))
	case decoder.InstCsinv:
		m = c.Not(m)
	case decoder.InstCsneg:
		m = c.Negate(m)
	}
	c.SetRegister(op.Rd, c.ConditionalSelect(cond, n, m), false)
}

func emitA64MultiplyAdd(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	m := c.GetRegister(op.Rm, op.RegisterSize, false)
	a := c.GetRegister(op.Ra, op.RegisterSize, false)
	p := c.Multiply(n, m)
	if op.Name == decoder.InstMsub {
		c.SetRegister(op.Rd, c.Subtract(a, p), false)
	} else {
		c.SetRegister(op.Rd, c.Add(a, p), false)
	}
}

func emitA64DataProc2(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	m := c.GetRegister(op.Rm, op.RegisterSize, false)
	var result *ir.Operand
	switch op.Name {
	case decoder.InstUdiv:
		result = c.DivideUI(n, m)
	case decoder.InstSdiv:
		result = c.Divide(n, m)
	default:
		amount := c.And(m, ir.Const(m.Type, uint64(op.RegisterSize)-1))
		switch op.Name {
		case decoder.InstLslv:
			result = c.ShiftLeft(n, amount)
		case decoder.InstLsrv:
			result = c.ShiftRightUI(n, amount)
		case decoder.InstAsrv:
			result = c.ShiftRightSI(n, amount)
		default:
			result = c.RotateRight(n, amount)
		}
	}
	c.SetRegister(op.Rd, result, false)
}

func emitA64DataProc1(c *Context, op *decoder.Opcode) {
	n := c.GetRegister(op.Rn, op.RegisterSize, false)
	wide := op.RegisterSize == 64
	var result *ir.Operand
	switch op.Name {
	case decoder.InstClz:
		id := ir.HelperCountLeadingZeros32
		if wide {
			id = ir.HelperCountLeadingZeros64
		}
		result = c.CallHelper(id, n.Type, n)
	case decoder.InstRbit:
		id := ir.HelperReverseBits32
		if wide {
			id = ir.HelperReverseBits64
		}
		result = c.CallHelper(id, n.Type, n)
	default:
		result = c.ByteSwap(n)
	}
	c.SetRegister(op.Rd, result, false)
}

func emitA64Branch(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	if op.Name == decoder.InstBl {
		c.SetRegister(guest.RegisterLRA64, ir.Const64(op.NextAddress()), false)
		c.Return(ir.Const64(target))
		return
	}
	c.Branch(c.GetLabel(target))
}

func emitA64BranchCond(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	c.BranchIfCondition(op.Cond, c.GetLabel(target))
}

func emitA64CompareBranch(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	t := c.GetRegister(op.Rt, op.RegisterSize, false)
	cmp := ir.Equal
	if op.Name == decoder.InstCbnz {
		cmp = ir.NotEqual
	}
	c.BranchIf(cmp, t, ir.Const(t.Type, 0), c.GetLabel(target))
}

func emitA64BranchReg(c *Context, op *decoder.Opcode) {
	target := c.GetRegister(op.Rn, 64, false)
	if op.Name == decoder.InstBlr {
		c.SetRegister(guest.RegisterLRA64, ir.Const64(op.NextAddress()), false)
	}
	c.Return(target)
}

func emitA64Exception(c *Context, op *decoder.Opcode) {
	if op.Name == decoder.InstSvc {
		c.Exit(guest.ExitSupervisorCall, uint64(op.Immediate), op.NextAddress())
		return
	}
	c.Exit(guest.ExitBreakpoint, uint64(op.Immediate), op.Address)
}

func emitUndefined(c *Context, op *decoder.Opcode) {
	c.Exit(guest.ExitUndefined, uint64(op.RawOpCode), op.Address)
}

func emitNop(c *Context, op *decoder.Opcode) {}

func emitA64LoadStore(c *Context, op *decoder.Opcode) {
	base := c.GetRegister(op.Rn, 64, true)
	offset := ir.Const64(uint64(op.Immediate))
	address := base
	if !op.PostIndex {
		address = c.Add(base, offset)
	}

	size := int(op.AccessSize)
	switch {
	case op.Load && op.Vector:
		c.SetVector(op.Rt, c.Load(address, size))
	case op.Load:
		c.SetRegister(op.Rt, c.Load(address, size), false)
	case op.Vector:
		c.Store(address, c.GetVector(op.Rt), size)
	default:
		c.Store(address, c.GetRegister(op.Rt, 64, false), size)
	}

	if op.WriteBack {
		if op.PostIndex {
			address = c.Add(base, offset)
		}
		c.SetRegister(op.Rn, address, true)
	}
}

func emitA64Vector(c *Context, op *decoder.Opcode) {
	n := c.GetVector(op.Rn)
	m := c.GetVector(op.Rm)
	var result *ir.Operand
	switch op.Name {
	case decoder.InstVAdd:
		result = c.VectorBinary(ir.VectorAdd, n, m, op.VectorSize)
	case decoder.InstVSub:
		result = c.VectorBinary(ir.VectorSubtract, n, m, op.VectorSize)
	case decoder.InstVAnd:
		result = c.VectorBinary(ir.VectorAnd, n, m, 0)
	case decoder.InstVBic:
		result = c.VectorBinary(ir.VectorAndNot, n, m, 0)
	case decoder.InstVOrr:
		result = c.VectorBinary(ir.VectorOr, n, m, 0)
	default:
		result = c.VectorBinary(ir.VectorXor, n, m, 0)
	}
	if !op.Q {
		result = c.VectorZeroUpper(result)
	}
	c.SetVector(op.Rd, result)
}
