package emitter

import (
	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

func (c *Context) getT32(n uint8) *ir.Operand {
	return c.GetRegister(n, 32, true)
}

func (c *Context) setT32(n uint8, v *ir.Operand) {
	c.SetRegister(n, v, true)
}

func emitT32MoveImm(c *Context, op *decoder.Opcode) {
	v := ir.Const32(uint32(op.Immediate))
	c.setT32(op.Rd, v)
	if c.setsFlags() {
		c.SetFlagsNZ(v)
	}
}

func emitT32CompareImm(c *Context, op *decoder.Opcode) {
	n := c.getT32(op.Rn)
	m := ir.Const32(uint32(op.Immediate))
	c.MarkComparison(n, m, CompareSubtract)
	c.SetFlagsSubtract(n, m, c.Subtract(n, m))
}

func emitT32AddSub(c *Context, op *decoder.Opcode) {
	n := c.getT32(op.Rn)
	var m *ir.Operand
	switch op.Name {
	case decoder.InstT32AddsImm, decoder.InstT32SubsImm:
		m = ir.Const32(uint32(op.Immediate))
	default:
		m = c.getT32(op.Rm)
	}

	sub := op.Name == decoder.InstT32SubsImm || op.Name == decoder.InstT32SubsReg
	var result *ir.Operand
	if sub {
		result = c.Subtract(n, m)
	} else {
		result = c.Add(n, m)
	}
	c.setT32(op.Rd, result)
	if !c.setsFlags() {
		return
	}
	if sub {
		c.MarkComparison(n, m, CompareSubtract)
		c.SetFlagsSubtract(n, m, result)
	} else {
		c.MarkComparison(n, m, CompareAdd)
		c.SetFlagsAdd(n, m, result)
	}
}

func emitT32ShiftImm(c *Context, op *decoder.Opcode) {
	m := c.getT32(op.Rm)
	amount := uint64(op.Immediate)

	var result, carry *ir.Operand
	switch {
	case op.Name == decoder.InstT32LslImm && amount == 0:
		result = m
	case op.Name == decoder.InstT32LslImm:
		result = c.ShiftLeft(m, ir.Const32(uint32(amount)))
		carry = c.bit(m, uint(32-amount))
	case amount == 32 && op.Name == decoder.InstT32LsrImm:
		result = ir.Const32(0)
		carry = c.bit(m, 31)
	case amount == 32:
		result = c.ShiftRightSI(m, ir.Const32(31))
		carry = c.bit(m, 31)
	case op.Name == decoder.InstT32LsrImm:
		result = c.ShiftRightUI(m, ir.Const32(uint32(amount)))
		carry = c.bit(m, uint(amount-1))
	default:
		result = c.ShiftRightSI(m, ir.Const32(uint32(amount)))
		carry = c.bit(m, uint(amount-1))
	}

	c.setT32(op.Rd, result)
	if !c.setsFlags() {
		return
	}
	c.SetFlagsNZ(result)
	if carry != nil {
		c.SetFlag(guest.FlagC, carry)
	}
}

func emitT32DataProc(c *Context, op *decoder.Opcode) {
	n := c.getT32(op.Rn)
	m := c.getT32(op.Rm)

	var result *ir.Operand
	switch op.Name {
	case decoder.InstT32And, decoder.InstT32Tst:
		result = c.And(n, m)
	case decoder.InstT32Eor:
		result = c.Xor(n, m)
	case decoder.InstT32Orr:
		result = c.Or(n, m)
	case decoder.InstT32Bic:
		result = c.And(n, c.Not(m))
	case decoder.InstT32Mvn:
		result = c.Not(m)
	case decoder.InstT32Mul:
		result = c.Multiply(n, m)
	case decoder.InstT32Rsb:
		zero := ir.Const32(0)
		result = c.Subtract(zero, m)
		c.setT32(op.Rd, result)
		if c.setsFlags() {
			c.MarkComparison(zero, m, CompareSubtract)
			c.SetFlagsSubtract(zero, m, result)
		}
		return
	case decoder.InstT32CmpReg:
		c.MarkComparison(n, m, CompareSubtract)
		c.SetFlagsSubtract(n, m, c.Subtract(n, m))
		return
	case decoder.InstT32Cmn:
		c.MarkComparison(n, m, CompareAdd)
		c.SetFlagsAdd(n, m, c.Add(n, m))
		return
	}

	if op.Name == decoder.InstT32Tst {
		c.MarkComparison(result, ir.Const32(0), CompareZero)
		c.SetFlagsNZ(result)
		return
	}
	c.setT32(op.Rd, result)
	if c.setsFlags() {
		c.MarkComparison(result, ir.Const32(0), CompareZero)
		c.SetFlagsNZ(result)
	}
}

func emitT32High(c *Context, op *decoder.Opcode) {
	m := c.getT32(op.Rm)
	switch op.Name {
	case decoder.InstT32AddHigh:
		c.setT32(op.Rd, c.Add(c.getT32(op.Rn), m))
	case decoder.InstT32MovHigh:
		c.setT32(op.Rd, m)
	default:
		n := c.getT32(op.Rn)
		c.MarkComparison(n, m, CompareSubtract)
		c.SetFlagsSubtract(n, m, c.Subtract(n, m))
	}
}

// emitT32BranchExchange jumps to a register. The target stays in T32; bit 0
// is the mode selector and is dropped.
func emitT32BranchExchange(c *Context, op *decoder.Opcode) {
	target := c.And(c.getT32(op.Rm), ir.Const32(^uint32(1)))
	if op.Name == decoder.InstT32Blx {
		c.setT32(guest.RegisterLRT32, ir.Const32(uint32(op.NextAddress())|1))
	}
	c.Return(c.ZeroExtend32(target))
}

func emitT32LoadStore(c *Context, op *decoder.Opcode) {
	address := c.ZeroExtend32(c.Add(c.getT32(op.Rn), ir.Const32(uint32(op.Immediate))))
	size := int(op.AccessSize)
	if op.Load {
		c.SetRegister(op.Rt, c.Load(address, size), true)
		return
	}
	c.Store(address, c.getT32(op.Rt), size)
}

func emitT32BranchCond(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	c.BranchIfCondition(op.Cond, c.GetLabel(target&0xffffffff))
}

func emitT32Branch(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	c.Branch(c.GetLabel(target & 0xffffffff))
}

func emitT32BranchLink(c *Context, op *decoder.Opcode) {
	target, _ := op.BranchTarget()
	c.setT32(guest.RegisterLRT32, ir.Const32(uint32(op.NextAddress())|1))
	c.Return(ir.Const64(target & 0xffffffff))
}

func emitT32IfThen(c *Context, op *decoder.Opcode) {
	c.SetIfThenBlockState(decoder.Cond(op.Immediate), uint8(op.Immediate2))
}

func emitT32Exception(c *Context, op *decoder.Opcode) {
	switch op.Name {
	case decoder.InstT32Svc:
		c.Exit(guest.ExitSupervisorCall, uint64(op.Immediate), op.NextAddress())
	case decoder.InstT32Bkpt:
		c.Exit(guest.ExitBreakpoint, uint64(op.Immediate), op.Address)
	default:
		c.Exit(guest.ExitUndefined, uint64(op.RawOpCode), op.Address)
	}
}
