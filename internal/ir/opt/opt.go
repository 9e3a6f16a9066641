// Package opt holds the IR optimization passes run between lowering and
// register allocation.
package opt

import (
	"fmt"

	"github.com/tinyrange/dbt/internal/ir"
)

// Level selects how much work the pipeline does.
type Level int

const (
	// LowQuality translations only do what code generation requires.
	LowQuality Level = iota
	// HighQuality translations also build SSA, fold and remove dead code.
	HighQuality
)

func (l Level) String() string {
	if l == HighQuality {
		return "high"
	}
	return "low"
}

// Stats counts what the pipeline changed.
type Stats struct {
	UnreachableBlocks int
	Folded            int
	DeadOperations    int
	ResolvedHandles   int
	PhiCopies         int
}

// Run optimizes f in place and leaves it ready for register allocation: no
// guest register operands and no phis remain.
func Run(f *ir.Function, level Level) (Stats, error) {
	var st Stats

	normalizeBranches(f)
	st.UnreachableBlocks = removeUnreachable(f)
	RegisterToLocal(f)

	if level == HighQuality {
		BuildSSA(f)
		st.Folded = Fold(f)
	}

	st.ResolvedHandles = ResolveResourceHandles(f)

	if level == HighQuality {
		st.DeadOperations = EliminateDeadCode(f)
	}

	st.PhiCopies = EliminatePhis(f)
	f.Renumber()
	f.RecomputePredecessors()

	if err := f.Verify(); err != nil {
		return st, fmt.Errorf("opt: %s pipeline: %w", level, err)
	}
	return st, nil
}
