package ir

import (
	"errors"
	"fmt"
)

// Use is a reference to a local from an operation source slot.
type Use struct {
	Block     *Block
	Operation *Operation
	Index     int
}

// Def is an operation assigning a local.
type Def struct {
	Block     *Block
	Operation *Operation
}

// UseDef records where every local is defined and used.
type UseDef struct {
	Defs map[*Operand][]Def
	Uses map[*Operand][]Use
}

// BuildUseDef scans the function for local definitions and uses.
func (f *Function) BuildUseDef() *UseDef {
	ud := &UseDef{
		Defs: make(map[*Operand][]Def),
		Uses: make(map[*Operand][]Use),
	}
	f.Operations(func(b *Block, op *Operation) {
		if op.Dest.IsLocal() {
			ud.Defs[op.Dest] = append(ud.Defs[op.Dest], Def{Block: b, Operation: op})
		}
		for i, src := range op.Sources {
			if src.IsLocal() {
				ud.Uses[src] = append(ud.Uses[src], Use{Block: b, Operation: op, Index: i})
			}
		}
	})
	return ud
}

// SingleDef returns the only definition of l, if it has exactly one.
func (ud *UseDef) SingleDef(l *Operand) (Def, bool) {
	defs := ud.Defs[l]
	if len(defs) != 1 {
		return Def{}, false
	}
	return defs[0], true
}

var ErrMalformed = errors.New("ir: malformed function")

// Verify checks the structural rules later passes rely on.
func (f *Function) Verify() error {
	if f.Entry == nil {
		return fmt.Errorf("%w: no entry block", ErrMalformed)
	}
	for _, b := range f.Blocks {
		for i, op := range b.Operations {
			if op.Inst.IsTerminator() && i != len(b.Operations)-1 {
				return fmt.Errorf("%w: @%d: %s is not last", ErrMalformed, b.Index, op)
			}
			switch op.Inst {
			case BranchIf:
				if b.Branch == nil || b.Next == nil {
					return fmt.Errorf("%w: @%d: branch without targets", ErrMalformed, b.Index)
				}
				if len(op.Sources) != 2 {
					return fmt.Errorf("%w: @%d: %s wants 2 sources", ErrMalformed, b.Index, op)
				}
			case Return:
				if len(op.Sources) != 1 {
					return fmt.Errorf("%w: @%d: %s wants 1 source", ErrMalformed, b.Index, op)
				}
			case Phi:
				if len(op.Sources) != len(op.PhiBlocks) {
					return fmt.Errorf("%w: @%d: %s source count mismatch", ErrMalformed, b.Index, op)
				}
			}
			if op.Dest != nil && op.Dest.Kind != KindLocal && op.Dest.Kind != KindRegister {
				return fmt.Errorf("%w: @%d: %s writes a %v", ErrMalformed, b.Index, op, op.Dest.Kind)
			}
		}
		if b.Terminator() == nil && b.Next == nil {
			return fmt.Errorf("%w: @%d: falls off the end", ErrMalformed, b.Index)
		}
	}
	return nil
}
