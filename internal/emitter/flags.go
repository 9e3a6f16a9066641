package emitter

import (
	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

// ComparisonKind describes how the flags of the last comparison relate to
// its operands.
type ComparisonKind uint8

const (
	CompareNone ComparisonKind = iota
	// CompareSubtract flags come from n - m.
	CompareSubtract
	// CompareAdd flags come from n + m. Only immediate m can be fused, by
	// comparing n against -m, and carry based conditions never fuse.
	CompareAdd
	// CompareLogical flags come from a result compared with zero where C and
	// V were cleared.
	CompareLogical
	// CompareZero flags only reliably describe N and Z of a result compared
	// with zero.
	CompareZero
)

// MarkComparison records that the current instruction compared n with m.
// Both are copied so later register writes cannot change them.
func (c *Context) MarkComparison(n, m *ir.Operand, kind ComparisonKind) {
	c.lastCompare = c.opcode
	c.cmpKind = kind
	c.cmpN = c.snapshot(n)
	c.cmpM = c.snapshot(m)
}

func (c *Context) snapshot(v *ir.Operand) *ir.Operand {
	if v.IsConstant() {
		return v
	}
	return c.Copy(v)
}

// MarkFlagSet records that op wrote the condition flags.
func (c *Context) MarkFlagSet(op *decoder.Opcode) {
	c.lastFlagSet = op
}

// ResetComparison forgets the last comparison.
func (c *Context) ResetComparison() {
	c.lastCompare = nil
	c.lastFlagSet = nil
	c.cmpN, c.cmpM = nil, nil
	c.cmpKind = CompareNone
}

// TryGetComparison maps cond onto a direct comparison of the operands of the
// last comparison. It fails unless that comparison is also what last wrote
// the flags and the condition can be expressed that way.
func (c *Context) TryGetComparison(cond decoder.Cond) (ir.Comparison, *ir.Operand, *ir.Operand, bool) {
	if c.lastCompare == nil || c.lastCompare != c.lastFlagSet {
		return 0, nil, nil, false
	}
	n, m := c.cmpN, c.cmpM

	var signed, unsigned bool
	var cmp ir.Comparison
	switch cond {
	case decoder.CondEQ:
		cmp = ir.Equal
	case decoder.CondNE:
		cmp = ir.NotEqual
	case decoder.CondCS:
		cmp, unsigned = ir.GreaterOrEqualUI, true
	case decoder.CondCC:
		cmp, unsigned = ir.LessUI, true
	case decoder.CondHI:
		cmp, unsigned = ir.GreaterUI, true
	case decoder.CondLS:
		cmp, unsigned = ir.LessOrEqualUI, true
	case decoder.CondGE:
		cmp, signed = ir.GreaterOrEqual, true
	case decoder.CondLT:
		cmp, signed = ir.Less, true
	case decoder.CondGT:
		cmp, signed = ir.Greater, true
	case decoder.CondLE:
		cmp, signed = ir.LessOrEqual, true
	default:
		return 0, nil, nil, false
	}

	switch c.cmpKind {
	case CompareSubtract:
	case CompareAdd:
		if !m.IsConstant() || unsigned {
			return 0, nil, nil, false
		}
		m = ir.Const(m.Type, -m.Value)
	case CompareLogical:
		if unsigned {
			return 0, nil, nil, false
		}
	case CompareZero:
		if signed || unsigned {
			return 0, nil, nil, false
		}
	default:
		return 0, nil, nil, false
	}
	return cmp, n, m, true
}

// TryGetComparisonResult is TryGetComparison with the result materialized as
// 0 or 1.
func (c *Context) TryGetComparisonResult(cond decoder.Cond) (*ir.Operand, bool) {
	cmp, n, m, ok := c.TryGetComparison(cond)
	if !ok {
		return nil, false
	}
	return c.Compare(cmp, n, m), true
}

// EvaluateCondition yields 1 when cond holds and 0 otherwise, fusing with
// the last comparison where possible.
func (c *Context) EvaluateCondition(cond decoder.Cond) *ir.Operand {
	if cond >= decoder.CondAL {
		return ir.Const32(1)
	}
	if v, ok := c.TryGetComparisonResult(cond); ok {
		return v
	}

	flag := func(f guest.Flag) *ir.Operand { return c.GetFlag(f) }
	one := ir.Const32(1)
	var v *ir.Operand
	switch cond &^ 1 {
	case decoder.CondEQ:
		v = flag(guest.FlagZ)
	case decoder.CondCS:
		v = flag(guest.FlagC)
	case decoder.CondMI:
		v = flag(guest.FlagN)
	case decoder.CondVS:
		v = flag(guest.FlagV)
	case decoder.CondHI:
		v = c.And(flag(guest.FlagC), c.Xor(flag(guest.FlagZ), one))
	case decoder.CondGE:
		v = c.Compare(ir.Equal, flag(guest.FlagN), flag(guest.FlagV))
	case decoder.CondGT:
		nv := c.Compare(ir.Equal, flag(guest.FlagN), flag(guest.FlagV))
		v = c.And(c.Xor(flag(guest.FlagZ), one), nv)
	}
	if cond&1 != 0 {
		v = c.Xor(v, one)
	}
	return v
}

// BranchIfCondition continues at target when cond holds.
func (c *Context) BranchIfCondition(cond decoder.Cond, target *ir.Block) {
	if cond >= decoder.CondAL {
		c.Branch(target)
		return
	}
	if cmp, n, m, ok := c.TryGetComparison(cond); ok {
		c.BranchIf(cmp, n, m, target)
		return
	}
	v := c.EvaluateCondition(cond)
	c.BranchIf(ir.NotEqual, v, ir.Const32(0), target)
}

func (c *Context) bit(v *ir.Operand, n uint) *ir.Operand {
	s := c.ShiftRightUI(v, ir.Const(v.Type, uint64(n)))
	s = c.Truncate(s)
	return c.And(s, ir.Const32(1))
}

func width(t ir.Type) uint {
	if t == ir.I32 {
		return 32
	}
	return 64
}

// setNZ writes N and Z from result.
func (c *Context) setNZ(result *ir.Operand) {
	c.SetFlag(guest.FlagN, c.bit(result, width(result.Type)-1))
	c.SetFlag(guest.FlagZ, c.Compare(ir.Equal, result, ir.Const(result.Type, 0)))
	c.MarkFlagSet(c.opcode)
}

// SetFlagsAdd writes the flags of result = n + m.
func (c *Context) SetFlagsAdd(n, m, result *ir.Operand) {
	c.setNZ(result)
	c.SetFlag(guest.FlagC, c.Compare(ir.LessUI, result, n))
	ov := c.And(c.Xor(n, result), c.Xor(m, result))
	c.SetFlag(guest.FlagV, c.bit(ov, width(result.Type)-1))
}

// SetFlagsSubtract writes the flags of result = n - m.
func (c *Context) SetFlagsSubtract(n, m, result *ir.Operand) {
	c.setNZ(result)
	c.SetFlag(guest.FlagC, c.Compare(ir.GreaterOrEqualUI, n, m))
	ov := c.And(c.Xor(n, m), c.Xor(n, result))
	c.SetFlag(guest.FlagV, c.bit(ov, width(result.Type)-1))
}

// SetFlagsLogical writes N and Z from result and clears C and V.
func (c *Context) SetFlagsLogical(result *ir.Operand) {
	c.setNZ(result)
	c.SetFlag(guest.FlagC, ir.Const32(0))
	c.SetFlag(guest.FlagV, ir.Const32(0))
}

// SetFlagsNZ writes only N and Z from result.
func (c *Context) SetFlagsNZ(result *ir.Operand) {
	c.setNZ(result)
}
