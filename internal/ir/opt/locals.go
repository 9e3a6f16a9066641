package opt

import (
	"sort"

	"github.com/tinyrange/dbt/internal/ir"
)

// RegisterToLocal replaces guest register operands with locals. Every
// referenced register is loaded from the execution context on entry and
// every written register is stored back before each return.
func RegisterToLocal(f *ir.Function) {
	ensureEntryHasNoPredecessors(f)

	locals := make(map[ir.Register]*ir.Operand)
	written := make(map[ir.Register]bool)
	local := func(r ir.Register) *ir.Operand {
		l, ok := locals[r]
		if !ok {
			l = f.NewLocal(r.Type())
			locals[r] = l
		}
		return l
	}

	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		for i, src := range op.Sources {
			if src.IsRegister() {
				op.Sources[i] = local(src.Register)
			}
		}
		if op.Dest.IsRegister() {
			written[op.Dest.Register] = true
			op.Dest = local(op.Dest.Register)
		}
	})
	if len(locals) == 0 {
		return
	}

	regs := make([]ir.Register, 0, len(locals))
	for r := range locals {
		regs = append(regs, r)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Class != regs[j].Class {
			return regs[i].Class < regs[j].Class
		}
		return regs[i].Index < regs[j].Index
	})

	loads := make([]*ir.Operation, 0, len(regs))
	for _, r := range regs {
		loads = append(loads, &ir.Operation{Inst: ir.LoadContext, Dest: locals[r], Aux: int64(r.ContextOffset())})
	}
	f.Entry.Operations = append(loads, f.Entry.Operations...)

	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || term.Inst != ir.Return {
			continue
		}
		for _, r := range regs {
			if !written[r] {
				continue
			}
			b.InsertBeforeTerminator(&ir.Operation{
				Inst:    ir.StoreContext,
				Aux:     int64(r.ContextOffset()),
				Sources: []*ir.Operand{locals[r]},
			})
		}
	}
}
