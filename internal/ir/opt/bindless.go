package opt

import "github.com/tinyrange/dbt/internal/ir"

const (
	lowHalfMask  = 0xffff
	highHalfMask = 0xffff0000
	halfShift    = 16
)

// handleValue is what a handle expression was proven to compute: the OR of
// the constant buffer parts and a constant.
type handleValue struct {
	parts    []ir.BindingPart
	constant uint64
}

func (h handleValue) hasBuffer() bool { return len(h.parts) > 0 }

// ResolveResourceHandles rewrites resource accesses whose handle is built
// from constant buffer words into accesses with a static binding. Handles
// that do not match a known shape are left alone. It returns the number of
// accesses resolved.
func ResolveResourceHandles(f *ir.Function) int {
	ud := f.BuildUseDef()
	resolved := 0
	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Inst != ir.ResourceAccess || op.Resource != nil || len(op.Sources) == 0 {
			return
		}
		h, ok := matchHandle(ud, op.Sources[0], 0)
		if !ok || !h.hasBuffer() {
			return
		}
		op.Resource = &ir.ResourceBinding{Parts: h.parts, Constant: h.constant}
		op.Sources = op.Sources[1:]
		resolved++
	})
	return resolved
}

const maxHandleDepth = 8

func definition(ud *ir.UseDef, v *ir.Operand) (*ir.Operation, bool) {
	if !v.IsLocal() {
		return nil, false
	}
	d, ok := ud.SingleDef(v)
	if !ok {
		return nil, false
	}
	return d.Operation, true
}

// bufferWord matches a constant buffer load with a static slot and offset.
func bufferWord(ud *ir.UseDef, v *ir.Operand) (ir.BindingPart, bool) {
	for depth := 0; depth < maxHandleDepth; depth++ {
		op, ok := definition(ud, v)
		if !ok {
			return ir.BindingPart{}, false
		}
		switch op.Inst {
		case ir.Copy:
			v = op.Sources[0]
			continue
		case ir.LoadConstantBuffer:
			slot, offset := op.Sources[0], op.Sources[1]
			if !slot.IsConstant() || !offset.IsConstant() {
				return ir.BindingPart{}, false
			}
			return ir.BindingPart{Slot: slot.Value, Offset: offset.Value, Mask: 0xffffffff}, true
		}
		return ir.BindingPart{}, false
	}
	return ir.BindingPart{}, false
}

// canonical orders commutative sources with any constant second.
func canonical(op *ir.Operation) (*ir.Operand, *ir.Operand) {
	a, b := op.Sources[0], op.Sources[1]
	if a.IsConstant() && !b.IsConstant() {
		return b, a
	}
	return a, b
}

// maskedWord matches a buffer word masked to one of its halves.
func maskedWord(ud *ir.UseDef, v *ir.Operand) (ir.BindingPart, bool) {
	op, ok := definition(ud, v)
	if !ok || op.Inst != ir.BitwiseAnd {
		return ir.BindingPart{}, false
	}
	a, b := canonical(op)
	for _, pair := range [2][2]*ir.Operand{{a, b}, {b, a}} {
		word, m := pair[0], pair[1]
		if !m.IsConstant() || (m.Value != lowHalfMask && m.Value != highHalfMask) {
			continue
		}
		if part, ok := bufferWord(ud, word); ok {
			part.Mask = m.Value
			return part, true
		}
	}
	return ir.BindingPart{}, false
}

func matchHandle(ud *ir.UseDef, v *ir.Operand, depth int) (handleValue, bool) {
	if depth > maxHandleDepth {
		return handleValue{}, false
	}
	if v.IsConstant() {
		return handleValue{constant: v.Value}, true
	}
	if part, ok := bufferWord(ud, v); ok {
		return handleValue{parts: []ir.BindingPart{part}}, true
	}
	if part, ok := maskedWord(ud, v); ok {
		return handleValue{parts: []ir.BindingPart{part}}, true
	}

	op, ok := definition(ud, v)
	if !ok {
		return handleValue{}, false
	}
	switch op.Inst {
	case ir.Copy:
		return matchHandle(ud, op.Sources[0], depth+1)

	case ir.ShiftLeft:
		x, amount := op.Sources[0], op.Sources[1]
		if !amount.IsConstant() || amount.Value != halfShift {
			return handleValue{}, false
		}
		part, ok := bufferWord(ud, x)
		if !ok {
			part, ok = maskedWord(ud, x)
		}
		if !ok || part.Mask == highHalfMask {
			return handleValue{}, false
		}
		part.Mask = lowHalfMask
		part.Shift = halfShift
		return handleValue{parts: []ir.BindingPart{part}}, true

	case ir.BitwiseOr:
		a, b := canonical(op)
		for _, pair := range [2][2]*ir.Operand{{a, b}, {b, a}} {
			left, lok := matchHandle(ud, pair[0], depth+1)
			if !lok {
				continue
			}
			right, rok := matchHandle(ud, pair[1], depth+1)
			if !rok {
				continue
			}
			return handleValue{
				parts:    append(append([]ir.BindingPart(nil), left.parts...), right.parts...),
				constant: left.constant | right.constant,
			}, true
		}
	}
	return handleValue{}, false
}
