package opt

import (
	"math/bits"

	"github.com/tinyrange/dbt/internal/ir"
)

func mask(t ir.Type, v uint64) uint64 {
	if t == ir.I32 {
		return uint64(uint32(v))
	}
	return v
}

func typeWidth(t ir.Type) uint64 {
	if t == ir.I32 {
		return 32
	}
	return 64
}

// evaluate computes op over constant sources. It reports false for
// operations that cannot be folded.
func evaluate(op *ir.Operation) (uint64, bool) {
	for _, s := range op.Sources {
		if !s.IsConstant() || s.Type == ir.V128 {
			return 0, false
		}
	}
	if op.Dest == nil || op.Dest.Type == ir.V128 {
		return 0, false
	}
	t := op.Dest.Type

	if len(op.Sources) == 1 {
		a := op.Sources[0].Value
		st := op.Sources[0].Type
		switch op.Inst {
		case ir.Copy:
			return mask(t, a), true
		case ir.BitwiseNot:
			return mask(t, ^a), true
		case ir.Negate:
			return mask(t, -a), true
		case ir.SignExtend8:
			return mask(t, uint64(int8(a))), true
		case ir.SignExtend16:
			return mask(t, uint64(int16(a))), true
		case ir.SignExtend32:
			return uint64(int32(a)), true
		case ir.ZeroExtend8:
			return a & 0xff, true
		case ir.ZeroExtend16:
			return a & 0xffff, true
		case ir.ZeroExtend32, ir.Truncate:
			return uint64(uint32(a)), true
		case ir.ByteSwap:
			if st == ir.I32 {
				return uint64(bits.ReverseBytes32(uint32(a))), true
			}
			return bits.ReverseBytes64(a), true
		}
		return 0, false
	}

	if len(op.Sources) == 3 && op.Inst == ir.ConditionalSelect {
		if op.Sources[0].Value != 0 {
			return mask(t, op.Sources[1].Value), true
		}
		return mask(t, op.Sources[2].Value), true
	}

	if len(op.Sources) != 2 {
		return 0, false
	}
	a, b := op.Sources[0].Value, op.Sources[1].Value
	st := op.Sources[0].Type
	w := typeWidth(st)
	switch op.Inst {
	case ir.Add:
		return mask(t, a+b), true
	case ir.Subtract:
		return mask(t, a-b), true
	case ir.Multiply:
		return mask(t, a*b), true
	case ir.BitwiseAnd:
		return a & b, true
	case ir.BitwiseOr:
		return mask(t, a|b), true
	case ir.BitwiseXor:
		return mask(t, a^b), true
	case ir.ShiftLeft:
		return mask(t, a<<(b%w)), true
	case ir.ShiftRightUI:
		return mask(t, mask(st, a)>>(b%w)), true
	case ir.ShiftRightSI:
		if st == ir.I32 {
			return mask(t, uint64(int32(a)>>(b%w))), true
		}
		return uint64(int64(a) >> (b % w)), true
	case ir.RotateRight:
		if st == ir.I32 {
			return uint64(bits.RotateLeft32(uint32(a), -int(b%w))), true
		}
		return bits.RotateLeft64(a, -int(b%w)), true
	case ir.DivideUI:
		if mask(st, b) == 0 {
			return 0, true
		}
		return mask(t, mask(st, a)/mask(st, b)), true
	case ir.Divide:
		if mask(st, b) == 0 {
			return 0, true
		}
		if st == ir.I32 {
			return mask(t, uint64(int32(a)/int32(b))), true
		}
		return uint64(int64(a) / int64(b)), true
	case ir.Compare:
		if op.Comparison().Evaluate(st, a, b) {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// simplify rewrites an operation with one constant source into a copy when
// the constant makes it an identity or annihilator.
func simplify(op *ir.Operation) bool {
	if len(op.Sources) != 2 || op.Dest == nil || op.Dest.Type == ir.V128 {
		return false
	}
	a, b := op.Sources[0], op.Sources[1]
	if a.IsConstant() && op.Inst.IsCommutative() {
		a, b = b, a
	}
	if !b.IsConstant() || a.IsConstant() {
		return false
	}
	t := op.Dest.Type
	ones := mask(t, ^uint64(0))

	toCopy := func(src *ir.Operand) bool {
		op.Inst = ir.Copy
		op.Sources = []*ir.Operand{src}
		op.Aux = 0
		return true
	}

	switch op.Inst {
	case ir.Add, ir.Subtract, ir.BitwiseOr, ir.BitwiseXor,
		ir.ShiftLeft, ir.ShiftRightUI, ir.ShiftRightSI, ir.RotateRight:
		if b.Value == 0 {
			return toCopy(a)
		}
	case ir.Multiply:
		switch b.Value {
		case 1:
			return toCopy(a)
		case 0:
			return toCopy(ir.Const(t, 0))
		}
	case ir.BitwiseAnd:
		switch mask(t, b.Value) {
		case ones:
			return toCopy(a)
		case 0:
			return toCopy(ir.Const(t, 0))
		}
	}
	return false
}

// Fold performs constant folding, algebraic simplification and copy
// propagation on a function in SSA form. Conditional branches on constants
// become unconditional. It returns the number of operations changed.
func Fold(f *ir.Function) int {
	changed := 0
	for {
		n := foldOnce(f)
		if n == 0 {
			break
		}
		changed += n
	}
	return changed
}

func foldOnce(f *ir.Function) int {
	changed := 0
	ud := f.BuildUseDef()
	replace := make(map[*ir.Operand]*ir.Operand)

	for _, b := range f.Blocks {
		for _, op := range b.Operations {
			if op.Inst == ir.Phi || op.Inst.HasSideEffects() || !op.Dest.IsLocal() {
				continue
			}
			if _, single := ud.SingleDef(op.Dest); !single {
				continue
			}
			if v, ok := evaluate(op); ok && op.Inst != ir.Copy {
				op.Inst = ir.Copy
				op.Sources = []*ir.Operand{ir.Const(op.Dest.Type, v)}
				op.Aux = 0
				changed++
			} else if simplify(op) {
				changed++
			}
			if op.Inst == ir.Copy && len(ud.Uses[op.Dest]) > 0 {
				src := op.Sources[0]
				if src.IsConstant() {
					replace[op.Dest] = src
				} else if _, single := ud.SingleDef(src); src.IsLocal() && single {
					replace[op.Dest] = src
				}
			}
		}
	}

	resolve := func(v *ir.Operand) *ir.Operand {
		for i := 0; i < len(replace); i++ {
			r, ok := replace[v]
			if !ok {
				break
			}
			v = r
		}
		return v
	}

	if len(replace) > 0 {
		f.Operations(func(_ *ir.Block, op *ir.Operation) {
			if op.Inst == ir.Phi {
				return
			}
			for i, src := range op.Sources {
				if r := resolve(src); r != src {
					op.Sources[i] = r
					changed++
				}
			}
		})
	}

	changed += foldBranches(f)
	return changed
}

func foldBranches(f *ir.Function) int {
	folded := 0
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || term.Inst != ir.BranchIf {
			continue
		}
		x, y := term.Sources[0], term.Sources[1]
		if !x.IsConstant() || !y.IsConstant() {
			continue
		}
		if term.Comparison().Evaluate(x.Type, x.Value, y.Value) {
			if b.Next != b.Branch {
				removeEdgePhis(b, b.Next)
			}
			b.Next = b.Branch
		} else if b.Next != b.Branch {
			removeEdgePhis(b, b.Branch)
		}
		b.Branch = nil
		b.Operations = b.Operations[:len(b.Operations)-1]
		folded++
	}
	if folded > 0 {
		removeUnreachable(f)
	}
	return folded
}
