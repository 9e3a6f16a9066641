package opt

import "github.com/tinyrange/dbt/internal/ir"

// EliminateDeadCode removes operations whose results are never used. An
// operation is live when it has side effects or defines a local that a live
// operation reads.
func EliminateDeadCode(f *ir.Function) int {
	ud := f.BuildUseDef()
	live := make(map[*ir.Operation]bool)
	var work []*ir.Operation

	f.Operations(func(_ *ir.Block, op *ir.Operation) {
		if op.Inst.HasSideEffects() || (op.Dest != nil && !op.Dest.IsLocal()) {
			live[op] = true
			work = append(work, op)
		}
	})

	for len(work) > 0 {
		op := work[len(work)-1]
		work = work[:len(work)-1]
		for _, src := range op.Sources {
			if !src.IsLocal() {
				continue
			}
			for _, d := range ud.Defs[src] {
				if !live[d.Operation] {
					live[d.Operation] = true
					work = append(work, d.Operation)
				}
			}
		}
	}

	removed := 0
	for _, b := range f.Blocks {
		kept := b.Operations[:0]
		for _, op := range b.Operations {
			if live[op] {
				kept = append(kept, op)
			} else {
				removed++
			}
		}
		for i := len(kept); i < len(b.Operations); i++ {
			b.Operations[i] = nil
		}
		b.Operations = kept
	}
	return removed
}
