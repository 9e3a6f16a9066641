package opt

import (
	"reflect"
	"testing"

	"github.com/tinyrange/dbt/internal/ir"
)

type handleBuilder struct {
	f *ir.Function
}

func newHandleBuilder() *handleBuilder { return &handleBuilder{f: ir.NewFunction()} }

func (h *handleBuilder) op(inst ir.Inst, srcs ...*ir.Operand) *ir.Operand {
	return def(h.f, h.f.Entry, inst, srcs...)
}

func (h *handleBuilder) cbuf(slot, offset uint64) *ir.Operand {
	return h.op(ir.LoadConstantBuffer, ir.Const32(uint32(slot)), ir.Const32(uint32(offset)))
}

func (h *handleBuilder) access(handle *ir.Operand) *ir.Operation {
	op := &ir.Operation{Inst: ir.ResourceAccess, Sources: []*ir.Operand{handle, ir.Const32(7)}}
	h.f.Entry.Append(op)
	ret(h.f.Entry, ir.Const64(0))
	return op
}

func part(slot, offset, mask uint64, shift uint8) ir.BindingPart {
	return ir.BindingPart{Slot: slot, Offset: offset, Mask: mask, Shift: shift}
}

func TestResolveResourceHandles(t *testing.T) {
	cases := []struct {
		name  string
		build func(h *handleBuilder) *ir.Operand
		want  *ir.ResourceBinding
	}{
		{
			name:  "direct word",
			build: func(h *handleBuilder) *ir.Operand { return h.cbuf(1, 0x10) },
			want:  &ir.ResourceBinding{Parts: []ir.BindingPart{part(1, 0x10, 0xffffffff, 0)}},
		},
		{
			name: "word through copy",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.Copy, h.cbuf(2, 4))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(2, 4, 0xffffffff, 0)}},
		},
		{
			name: "low half",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseAnd, h.cbuf(0, 8), ir.Const64(0xffff))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(0, 8, 0xffff, 0)}},
		},
		{
			name: "low half with constant first",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseAnd, ir.Const64(0xffff), h.cbuf(0, 8))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(0, 8, 0xffff, 0)}},
		},
		{
			name: "high half",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseAnd, h.cbuf(3, 0), ir.Const64(0xffff0000))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(3, 0, 0xffff0000, 0)}},
		},
		{
			name: "shifted word",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.ShiftLeft, h.cbuf(1, 0xc), ir.Const64(16))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(1, 0xc, 0xffff, 16)}},
		},
		{
			name: "shifted low half",
			build: func(h *handleBuilder) *ir.Operand {
				low := h.op(ir.BitwiseAnd, h.cbuf(1, 0xc), ir.Const64(0xffff))
				return h.op(ir.ShiftLeft, low, ir.Const64(16))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(1, 0xc, 0xffff, 16)}},
		},
		{
			name: "word or constant",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseOr, h.cbuf(0, 0), ir.Const64(0x80000000))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(0, 0, 0xffffffff, 0)}, Constant: 0x80000000},
		},
		{
			name: "constant or masked word",
			build: func(h *handleBuilder) *ir.Operand {
				low := h.op(ir.BitwiseAnd, h.cbuf(0, 4), ir.Const64(0xffff))
				return h.op(ir.BitwiseOr, ir.Const64(5), low)
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(0, 4, 0xffff, 0)}, Constant: 5},
		},
		{
			name: "two halves",
			build: func(h *handleBuilder) *ir.Operand {
				low := h.op(ir.BitwiseAnd, h.cbuf(0, 8), ir.Const64(0xffff))
				high := h.op(ir.ShiftLeft, h.cbuf(0, 0xc), ir.Const64(16))
				return h.op(ir.BitwiseOr, low, high)
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(0, 8, 0xffff, 0), part(0, 0xc, 0xffff, 16)}},
		},
		{
			name: "two halves and constant",
			build: func(h *handleBuilder) *ir.Operand {
				low := h.op(ir.BitwiseAnd, h.cbuf(2, 0), ir.Const64(0xffff))
				high := h.op(ir.BitwiseAnd, h.cbuf(2, 4), ir.Const64(0xffff0000))
				both := h.op(ir.BitwiseOr, high, low)
				return h.op(ir.BitwiseOr, both, ir.Const64(0x100))
			},
			want: &ir.ResourceBinding{Parts: []ir.BindingPart{part(2, 4, 0xffff0000, 0), part(2, 0, 0xffff, 0)}, Constant: 0x100},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHandleBuilder()
			access := h.access(tc.build(h))
			if n := ResolveResourceHandles(h.f); n != 1 {
				t.Fatalf("ResolveResourceHandles() = %d, want 1\n%s", n, h.f)
			}
			if !reflect.DeepEqual(access.Resource, tc.want) {
				t.Fatalf("binding = %s, want %s", access.Resource, tc.want)
			}
			if len(access.Sources) != 1 || !access.Sources[0].IsConstantValue(7) {
				t.Fatalf("handle source not dropped: %s", access)
			}
		})
	}
}

func TestResolveResourceHandlesRejects(t *testing.T) {
	cases := []struct {
		name  string
		build func(h *handleBuilder) *ir.Operand
	}{
		{
			name: "context value",
			build: func(h *handleBuilder) *ir.Operand {
				l := h.f.NewLocal(ir.I64)
				h.f.Entry.Append(&ir.Operation{Inst: ir.LoadContext, Dest: l})
				return l
			},
		},
		{
			name: "constant only",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseOr, ir.Const64(1), ir.Const64(2))
			},
		},
		{
			name: "byte mask",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.BitwiseAnd, h.cbuf(0, 0), ir.Const64(0xff))
			},
		},
		{
			name: "shift by eight",
			build: func(h *handleBuilder) *ir.Operand {
				return h.op(ir.ShiftLeft, h.cbuf(0, 0), ir.Const64(8))
			},
		},
		{
			name: "shifted high half",
			build: func(h *handleBuilder) *ir.Operand {
				high := h.op(ir.BitwiseAnd, h.cbuf(0, 0), ir.Const64(0xffff0000))
				return h.op(ir.ShiftLeft, high, ir.Const64(16))
			},
		},
		{
			name: "dynamic offset",
			build: func(h *handleBuilder) *ir.Operand {
				off := h.f.NewLocal(ir.I32)
				h.f.Entry.Append(&ir.Operation{Inst: ir.LoadContext, Dest: off})
				return h.op(ir.LoadConstantBuffer, ir.Const32(0), off)
			},
		},
		{
			name: "or with unknown value",
			build: func(h *handleBuilder) *ir.Operand {
				l := h.f.NewLocal(ir.I64)
				h.f.Entry.Append(&ir.Operation{Inst: ir.LoadContext, Dest: l})
				return h.op(ir.BitwiseOr, h.cbuf(0, 0), l)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHandleBuilder()
			access := h.access(tc.build(h))
			if n := ResolveResourceHandles(h.f); n != 0 {
				t.Fatalf("ResolveResourceHandles() = %d, want 0\n%s", n, h.f)
			}
			if access.Resource != nil || len(access.Sources) != 2 {
				t.Fatalf("access rewritten: %s", access)
			}
		})
	}
}
