package ir

import (
	"fmt"
	"strings"
)

// Operation is a single IR instruction.
type Operation struct {
	Inst    Inst
	Dest    *Operand
	Sources []*Operand
	Aux     int64

	// PhiBlocks lists, for a Phi, the predecessor each source arrives from.
	PhiBlocks []*Block

	Helper   HelperID
	Resource *ResourceBinding
}

func (op *Operation) Comparison() Comparison { return Comparison(op.Aux) }

func (op *Operation) String() string {
	var sb strings.Builder
	if op.Dest != nil {
		fmt.Fprintf(&sb, "%s:%s = ", op.Dest, op.Dest.Type)
	}
	sb.WriteString(op.Inst.String())
	switch op.Inst {
	case Compare, BranchIf:
		fmt.Fprintf(&sb, ".%s", op.Comparison())
	case Load, Store, VectorAdd, VectorSubtract:
		fmt.Fprintf(&sb, ".%d", op.Aux)
	case LoadContext, StoreContext:
		fmt.Fprintf(&sb, " [ctx+%#x]", op.Aux)
	case Call:
		fmt.Fprintf(&sb, " %s", op.Helper)
	}
	for i, src := range op.Sources {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(src.String())
		if op.Inst == Phi && i < len(op.PhiBlocks) {
			fmt.Fprintf(&sb, " from @%d", op.PhiBlocks[i].Index)
		}
	}
	if op.Resource != nil {
		fmt.Fprintf(&sb, " %s", op.Resource)
	}
	return sb.String()
}

// Block is a basic block. Control leaves through its final operation: a
// Return leaves the function, a BranchIf continues at Branch or Next, and
// anything else continues at Next.
type Block struct {
	Index      int
	Operations []*Operation

	Next   *Block
	Branch *Block

	Predecessors []*Block

	// Address is the guest address the block was translated from, if any.
	Address uint64
}

// Terminator returns the final operation when it ends the block.
func (b *Block) Terminator() *Operation {
	if len(b.Operations) == 0 {
		return nil
	}
	last := b.Operations[len(b.Operations)-1]
	if !last.Inst.IsTerminator() {
		return nil
	}
	return last
}

// Successors returns the blocks control may continue at. For a BranchIf the
// fallthrough comes first.
func (b *Block) Successors() []*Block {
	term := b.Terminator()
	switch {
	case term != nil && term.Inst == Return:
		return nil
	case term != nil && term.Inst == BranchIf:
		if b.Next == b.Branch {
			return []*Block{b.Next}
		}
		return []*Block{b.Next, b.Branch}
	case b.Next != nil:
		return []*Block{b.Next}
	}
	return nil
}

// Append adds op to the end of the block.
func (b *Block) Append(op *Operation) *Operation {
	b.Operations = append(b.Operations, op)
	return op
}

// InsertBeforeTerminator adds op just before the block's terminator, or at
// the end when there is none.
func (b *Block) InsertBeforeTerminator(op *Operation) {
	if b.Terminator() == nil {
		b.Operations = append(b.Operations, op)
		return
	}
	n := len(b.Operations)
	b.Operations = append(b.Operations, nil)
	b.Operations[n] = b.Operations[n-1]
	b.Operations[n-1] = op
}

// Function is a translation unit.
type Function struct {
	Blocks []*Block
	Entry  *Block
	Locals []*Operand
}

func NewFunction() *Function {
	f := &Function{}
	f.Entry = f.NewBlock()
	return f
}

// NewBlock appends an empty block.
func (f *Function) NewBlock() *Block {
	b := &Block{Index: len(f.Blocks)}
	f.Blocks = append(f.Blocks, b)
	return b
}

// NewLocal creates a fresh local of type t.
func (f *Function) NewLocal(t Type) *Operand {
	l := &Operand{Kind: KindLocal, Type: t, ID: len(f.Locals)}
	f.Locals = append(f.Locals, l)
	return l
}

// Renumber assigns block indices in slice order.
func (f *Function) Renumber() {
	for i, b := range f.Blocks {
		b.Index = i
	}
}

// RecomputePredecessors rebuilds every block's predecessor list from the
// successor edges.
func (f *Function) RecomputePredecessors() {
	for _, b := range f.Blocks {
		b.Predecessors = b.Predecessors[:0]
	}
	for _, b := range f.Blocks {
		for _, s := range b.Successors() {
			s.Predecessors = append(s.Predecessors, b)
		}
	}
}

// ReversePostorder returns the blocks reachable from the entry in reverse
// postorder.
func (f *Function) ReversePostorder() []*Block {
	visited := make(map[*Block]bool, len(f.Blocks))
	var post []*Block

	type frame struct {
		b    *Block
		succ []*Block
		i    int
	}
	stack := []frame{{b: f.Entry, succ: f.Entry.Successors()}}
	visited[f.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.i < len(top.succ) {
			s := top.succ[top.i]
			top.i++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{b: s, succ: s.Successors()})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// Operations calls fn for every operation in block order.
func (f *Function) Operations(fn func(b *Block, op *Operation)) {
	for _, b := range f.Blocks {
		for _, op := range b.Operations {
			fn(b, op)
		}
	}
}

func (f *Function) String() string {
	var sb strings.Builder
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "@%d:", b.Index)
		if b.Address != 0 {
			fmt.Fprintf(&sb, " ; %#x", b.Address)
		}
		if len(b.Predecessors) > 0 {
			sb.WriteString(" ; preds")
			for _, p := range b.Predecessors {
				fmt.Fprintf(&sb, " @%d", p.Index)
			}
		}
		sb.WriteString("\n")
		for _, op := range b.Operations {
			fmt.Fprintf(&sb, "\t%s\n", op)
		}
		term := b.Terminator()
		switch {
		case term != nil && term.Inst == BranchIf:
			fmt.Fprintf(&sb, "\t; true @%d false @%d\n", b.Branch.Index, b.Next.Index)
		case term == nil && b.Next != nil:
			fmt.Fprintf(&sb, "\t; next @%d\n", b.Next.Index)
		}
	}
	return sb.String()
}
