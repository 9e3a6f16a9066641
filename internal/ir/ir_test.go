package ir

import (
	"strings"
	"testing"
)

// diamond builds
//
//	entry -> (left | right) -> join
func diamond() (*Function, *Block, *Block, *Block) {
	f := NewFunction()
	left := f.NewBlock()
	right := f.NewBlock()
	join := f.NewBlock()

	x := f.NewLocal(I64)
	f.Entry.Append(&Operation{Inst: Copy, Dest: x, Sources: []*Operand{GeneralRegister(0)}})
	f.Entry.Append(&Operation{Inst: BranchIf, Aux: int64(Equal), Sources: []*Operand{x, Const64(0)}})
	f.Entry.Next = right
	f.Entry.Branch = left
	left.Next = join
	right.Next = join
	join.Append(&Operation{Inst: Return, Sources: []*Operand{x}})
	f.RecomputePredecessors()
	return f, left, right, join
}

func TestSuccessors(t *testing.T) {
	f, left, right, join := diamond()

	succ := f.Entry.Successors()
	if len(succ) != 2 || succ[0] != right || succ[1] != left {
		t.Fatalf("entry successors = %v, want [right left]", succ)
	}
	if s := left.Successors(); len(s) != 1 || s[0] != join {
		t.Fatalf("left successors = %v", s)
	}
	if s := join.Successors(); len(s) != 0 {
		t.Fatalf("join successors = %v, want none", s)
	}
	if len(join.Predecessors) != 2 {
		t.Fatalf("join has %d predecessors, want 2", len(join.Predecessors))
	}
}

func TestReversePostorder(t *testing.T) {
	f, _, _, join := diamond()
	f.NewBlock() // unreachable

	rpo := f.ReversePostorder()
	if len(rpo) != 4 {
		t.Fatalf("len(rpo) = %d, want 4", len(rpo))
	}
	if rpo[0] != f.Entry || rpo[3] != join {
		t.Fatalf("rpo = %v", rpo)
	}
}

func TestDominators(t *testing.T) {
	f, left, right, join := diamond()
	idom := f.Dominators()

	for _, b := range []*Block{left, right, join} {
		if idom[b] != f.Entry {
			t.Fatalf("idom(@%d) = @%d, want entry", b.Index, idom[b].Index)
		}
	}
	if !Dominates(idom, f.Entry, join) {
		t.Fatalf("entry should dominate join")
	}
	if Dominates(idom, left, join) {
		t.Fatalf("left should not dominate join")
	}

	df := f.DominanceFrontier(idom)
	if got := df[left]; len(got) != 1 || got[0] != join {
		t.Fatalf("DF(left) = %v, want [join]", got)
	}
	if got := df[right]; len(got) != 1 || got[0] != join {
		t.Fatalf("DF(right) = %v, want [join]", got)
	}
	if got := df[f.Entry]; len(got) != 0 {
		t.Fatalf("DF(entry) = %v, want empty", got)
	}
}

func TestDominanceFrontierLoop(t *testing.T) {
	f := NewFunction()
	header := f.NewBlock()
	body := f.NewBlock()
	exit := f.NewBlock()

	f.Entry.Next = header
	header.Append(&Operation{Inst: BranchIf, Aux: int64(NotEqual), Sources: []*Operand{GeneralRegister(1), Const64(0)}})
	header.Next = exit
	header.Branch = body
	body.Next = header
	exit.Append(&Operation{Inst: Return, Sources: []*Operand{Const64(0)}})

	idom := f.Dominators()
	if idom[body] != header || idom[exit] != header {
		t.Fatalf("unexpected dominators")
	}
	df := f.DominanceFrontier(idom)
	if got := df[body]; len(got) != 1 || got[0] != header {
		t.Fatalf("DF(body) = %v, want [header]", got)
	}
	if got := df[header]; len(got) != 1 || got[0] != header {
		t.Fatalf("DF(header) = %v, want [header]", got)
	}
}

func TestUseDef(t *testing.T) {
	f, _, _, join := diamond()
	ud := f.BuildUseDef()

	x := f.Locals[0]
	def, ok := ud.SingleDef(x)
	if !ok || def.Block != f.Entry {
		t.Fatalf("SingleDef(x) = %v, %v", def, ok)
	}
	uses := ud.Uses[x]
	if len(uses) != 2 {
		t.Fatalf("len(uses) = %d, want 2", len(uses))
	}
	if uses[1].Block != join || uses[1].Index != 0 {
		t.Fatalf("unexpected use %+v", uses[1])
	}
}

func TestInsertBeforeTerminator(t *testing.T) {
	f, _, _, join := diamond()
	c := &Operation{Inst: Copy, Dest: f.NewLocal(I64), Sources: []*Operand{Const64(1)}}
	join.InsertBeforeTerminator(c)
	if join.Operations[0] != c || join.Operations[1].Inst != Return {
		t.Fatalf("copy not placed before return:\n%s", f)
	}
}

func TestVerify(t *testing.T) {
	f, _, _, _ := diamond()
	if err := f.Verify(); err != nil {
		t.Fatalf("Verify() = %v", err)
	}

	bad := NewFunction()
	bad.Entry.Append(&Operation{Inst: Return, Sources: []*Operand{Const64(0)}})
	bad.Entry.Append(&Operation{Inst: Copy, Dest: bad.NewLocal(I64), Sources: []*Operand{Const64(0)}})
	if err := bad.Verify(); err == nil {
		t.Fatalf("Verify() accepted an operation after return")
	}
}

func TestComparison(t *testing.T) {
	cases := []struct {
		c    Comparison
		t    Type
		a, b uint64
		want bool
	}{
		{Equal, I64, 5, 5, true},
		{Less, I64, ^uint64(0), 0, true},
		{LessUI, I64, ^uint64(0), 0, false},
		{Less, I32, 0xffffffff, 0, true},
		{GreaterUI, I32, 0x1_0000_0001, 0, true},
		{GreaterOrEqual, I32, 0x80000000, 0x7fffffff, false},
	}
	for _, tc := range cases {
		if got := tc.c.Evaluate(tc.t, tc.a, tc.b); got != tc.want {
			t.Fatalf("%s.Evaluate(%s, %#x, %#x) = %v, want %v", tc.c, tc.t, tc.a, tc.b, got, tc.want)
		}
		if got := tc.c.Invert().Evaluate(tc.t, tc.a, tc.b); got == tc.want {
			t.Fatalf("%s.Invert() did not invert", tc.c)
		}
		if got := tc.c.Swap().Evaluate(tc.t, tc.b, tc.a); got != tc.want {
			t.Fatalf("%s.Swap() changed the result", tc.c)
		}
	}
}

func TestString(t *testing.T) {
	f, _, _, _ := diamond()
	s := f.String()
	for _, want := range []string{"%0:i64 = copy x0", "brif.eq %0, 0x0", "ret %0"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() missing %q:\n%s", want, s)
		}
	}
}
