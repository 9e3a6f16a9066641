package opt

import "github.com/tinyrange/dbt/internal/ir"

// normalizeBranches turns conditional branches whose two targets are the same
// block into plain fallthroughs.
func normalizeBranches(f *ir.Function) {
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || term.Inst != ir.BranchIf {
			continue
		}
		if b.Next == b.Branch {
			b.Operations = b.Operations[:len(b.Operations)-1]
			b.Branch = nil
		}
	}
}

// removeUnreachable drops blocks that cannot be reached from the entry and
// the phi sources flowing in from them.
func removeUnreachable(f *ir.Function) int {
	reachable := make(map[*ir.Block]bool, len(f.Blocks))
	for _, b := range f.ReversePostorder() {
		reachable[b] = true
	}

	kept := f.Blocks[:0]
	removed := 0
	for _, b := range f.Blocks {
		if reachable[b] {
			kept = append(kept, b)
		} else {
			removed++
		}
	}
	for i := len(kept); i < len(f.Blocks); i++ {
		f.Blocks[i] = nil
	}
	f.Blocks = kept

	for _, b := range f.Blocks {
		for _, op := range b.Operations {
			if op.Inst != ir.Phi {
				continue
			}
			for i := 0; i < len(op.PhiBlocks); {
				if reachable[op.PhiBlocks[i]] {
					i++
					continue
				}
				removePhiSource(op, i)
			}
		}
	}

	f.Renumber()
	f.RecomputePredecessors()
	return removed
}

func removePhiSource(op *ir.Operation, i int) {
	op.Sources = append(op.Sources[:i], op.Sources[i+1:]...)
	op.PhiBlocks = append(op.PhiBlocks[:i], op.PhiBlocks[i+1:]...)
}

// removeEdgePhis drops the phi sources in to that arrive from from.
func removeEdgePhis(from, to *ir.Block) {
	for _, op := range to.Operations {
		if op.Inst != ir.Phi {
			continue
		}
		for i := 0; i < len(op.PhiBlocks); {
			if op.PhiBlocks[i] == from {
				removePhiSource(op, i)
				continue
			}
			i++
		}
	}
}

// ensureEntryHasNoPredecessors gives the function a fresh entry block when
// the current one is a branch target.
func ensureEntryHasNoPredecessors(f *ir.Function) {
	f.RecomputePredecessors()
	if len(f.Entry.Predecessors) == 0 {
		return
	}
	entry := &ir.Block{Next: f.Entry}
	f.Blocks = append([]*ir.Block{entry}, f.Blocks...)
	f.Entry = entry
	f.Renumber()
	f.RecomputePredecessors()
}

// splitCriticalEdges inserts an empty block on every edge that leaves a block
// with several successors and enters a block with several predecessors. Phi
// sources are moved onto the new blocks.
func splitCriticalEdges(f *ir.Function) int {
	f.RecomputePredecessors()
	split := 0
	blocks := append([]*ir.Block(nil), f.Blocks...)
	for _, b := range blocks {
		if len(b.Predecessors) < 2 {
			continue
		}
		preds := append([]*ir.Block(nil), b.Predecessors...)
		for _, p := range preds {
			if len(p.Successors()) < 2 {
				continue
			}
			mid := f.NewBlock()
			mid.Address = b.Address
			mid.Next = b
			if p.Next == b {
				p.Next = mid
			}
			if p.Branch == b {
				p.Branch = mid
			}
			for _, op := range b.Operations {
				if op.Inst != ir.Phi {
					continue
				}
				for i, pb := range op.PhiBlocks {
					if pb == p {
						op.PhiBlocks[i] = mid
					}
				}
			}
			split++
		}
	}
	if split > 0 {
		f.RecomputePredecessors()
	}
	return split
}
