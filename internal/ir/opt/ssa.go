package opt

import "github.com/tinyrange/dbt/internal/ir"

// BuildSSA renames every local with more than one definition so that each
// local is assigned exactly once, inserting phis where definitions merge.
// Unreachable blocks must already have been removed.
func BuildSSA(f *ir.Function) {
	ensureEntryHasNoPredecessors(f)
	f.RecomputePredecessors()

	ud := f.BuildUseDef()
	var vars []*ir.Operand
	for _, l := range f.Locals {
		if len(ud.Defs[l]) > 1 {
			vars = append(vars, l)
		}
	}
	if len(vars) == 0 {
		return
	}

	idom := f.Dominators()
	df := f.DominanceFrontier(idom)

	phiVar := make(map[*ir.Operation]*ir.Operand)
	for _, v := range vars {
		hasPhi := make(map[*ir.Block]bool)
		queued := make(map[*ir.Block]bool)
		var work []*ir.Block
		for _, d := range ud.Defs[v] {
			if !queued[d.Block] {
				queued[d.Block] = true
				work = append(work, d.Block)
			}
		}
		for len(work) > 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]
			for _, y := range df[b] {
				if hasPhi[y] {
					continue
				}
				hasPhi[y] = true
				phi := &ir.Operation{
					Inst:      ir.Phi,
					Dest:      v,
					Sources:   make([]*ir.Operand, len(y.Predecessors)),
					PhiBlocks: append([]*ir.Block(nil), y.Predecessors...),
				}
				y.Operations = append([]*ir.Operation{phi}, y.Operations...)
				phiVar[phi] = v
				if !queued[y] {
					queued[y] = true
					work = append(work, y)
				}
			}
		}
	}

	isVar := make(map[*ir.Operand]bool, len(vars))
	for _, v := range vars {
		isVar[v] = true
	}

	r := &renamer{
		f:        f,
		isVar:    isVar,
		phiVar:   phiVar,
		stacks:   make(map[*ir.Operand][]*ir.Operand),
		children: ir.DominatorTree(idom),
	}
	r.rename(f.Entry)
}

type renamer struct {
	f        *ir.Function
	isVar    map[*ir.Operand]bool
	phiVar   map[*ir.Operation]*ir.Operand
	stacks   map[*ir.Operand][]*ir.Operand
	children map[*ir.Block][]*ir.Block
}

func (r *renamer) current(v *ir.Operand) *ir.Operand {
	s := r.stacks[v]
	if len(s) == 0 {
		// Undefined on this path.
		return ir.Const(v.Type, 0)
	}
	return s[len(s)-1]
}

func (r *renamer) rename(b *ir.Block) {
	var pushed []*ir.Operand

	for _, op := range b.Operations {
		if op.Inst != ir.Phi {
			for i, src := range op.Sources {
				if r.isVar[src] {
					op.Sources[i] = r.current(src)
				}
			}
		}
		if v := op.Dest; r.isVar[v] {
			fresh := r.f.NewLocal(v.Type)
			r.stacks[v] = append(r.stacks[v], fresh)
			pushed = append(pushed, v)
			op.Dest = fresh
		}
	}

	for _, s := range b.Successors() {
		for _, op := range s.Operations {
			if op.Inst != ir.Phi {
				break
			}
			v, ok := r.phiVar[op]
			if !ok {
				continue
			}
			for i, pb := range op.PhiBlocks {
				if pb == b {
					op.Sources[i] = r.current(v)
				}
			}
		}
	}

	for _, c := range r.children[b] {
		r.rename(c)
	}

	for _, v := range pushed {
		r.stacks[v] = r.stacks[v][:len(r.stacks[v])-1]
	}
}
