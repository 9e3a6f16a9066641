package opt

import "github.com/tinyrange/dbt/internal/ir"

// EliminatePhis replaces every phi with a copy of each incoming value placed
// at the end of the predecessor it arrives from. Critical edges are split
// first so a copy only executes on its own edge. It returns the number of
// copies inserted.
func EliminatePhis(f *ir.Function) int {
	hasPhi := false
	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Inst == ir.Phi {
			hasPhi = true
		}
	})
	if !hasPhi {
		return 0
	}

	splitCriticalEdges(f)

	copies := 0
	for _, b := range f.Blocks {
		kept := b.Operations[:0]
		var phis []*ir.Operation
		for _, op := range b.Operations {
			if op.Inst == ir.Phi {
				phis = append(phis, op)
				continue
			}
			kept = append(kept, op)
		}
		if len(phis) == 0 {
			continue
		}
		b.Operations = kept

		for _, phi := range phis {
			for i, src := range phi.Sources {
				pred := phi.PhiBlocks[i]
				pred.InsertBeforeTerminator(&ir.Operation{
					Inst:    ir.Copy,
					Dest:    phi.Dest,
					Sources: []*ir.Operand{src},
				})
				copies++
			}
		}
	}
	return copies
}
