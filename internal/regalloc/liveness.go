package regalloc

import (
	"fmt"
	"sort"

	"github.com/tinyrange/dbt/internal/ir"
)

// Interval is the hull of program positions over which a local is live.
type Interval struct {
	Local *ir.Operand
	Start int
	End   int
	// CrossesCall is set when a helper call happens strictly inside the
	// interval, so the value must survive the call.
	CrossesCall bool
}

func (iv *Interval) String() string {
	return fmt.Sprintf("%s[%d,%d]", iv.Local, iv.Start, iv.End)
}

func (iv *Interval) extend(pos int) {
	if pos < iv.Start {
		iv.Start = pos
	}
	if pos > iv.End {
		iv.End = pos
	}
}

// Overlaps reports whether both intervals are live at a common position
// other than one ending exactly where the other starts.
func (iv *Interval) Overlaps(o *Interval) bool {
	if iv.End <= o.Start || o.End <= iv.Start {
		return iv.Start == o.Start
	}
	return true
}

type localSet map[*ir.Operand]struct{}

func (s localSet) union(o localSet) bool {
	changed := false
	for l := range o {
		if _, ok := s[l]; !ok {
			s[l] = struct{}{}
			changed = true
		}
	}
	return changed
}

// BuildIntervals numbers every operation in block order and computes a live
// interval for each local. Block boundaries get their own positions so a
// value live across an edge covers the whole block.
func BuildIntervals(f *ir.Function) ([]*Interval, error) {
	start := make(map[*ir.Block]int, len(f.Blocks))
	end := make(map[*ir.Block]int, len(f.Blocks))
	uses := make(map[*ir.Block]localSet, len(f.Blocks))
	defs := make(map[*ir.Block]localSet, len(f.Blocks))

	intervals := make(map[*ir.Operand]*Interval)
	touch := func(l *ir.Operand, pos int) {
		iv, ok := intervals[l]
		if !ok {
			intervals[l] = &Interval{Local: l, Start: pos, End: pos}
			return
		}
		iv.extend(pos)
	}

	var calls []int
	pos := 0
	for _, b := range f.Blocks {
		start[b] = pos
		u, d := localSet{}, localSet{}
		for _, op := range b.Operations {
			if op.Inst == ir.Phi {
				return nil, fmt.Errorf("regalloc: phi in block @%d must be eliminated before allocation", b.Index)
			}
			for _, src := range op.Sources {
				if src.IsRegister() {
					return nil, fmt.Errorf("regalloc: guest register operand %s in block @%d", src, b.Index)
				}
				if !src.IsLocal() {
					continue
				}
				if _, defined := d[src]; !defined {
					u[src] = struct{}{}
				}
				touch(src, pos)
			}
			if op.Dest != nil {
				if !op.Dest.IsLocal() {
					return nil, fmt.Errorf("regalloc: destination %s in block @%d is not a local", op.Dest, b.Index)
				}
				d[op.Dest] = struct{}{}
				touch(op.Dest, pos)
			}
			if op.Inst == ir.Call {
				calls = append(calls, pos)
			}
			pos++
		}
		end[b] = pos
		pos++
		uses[b], defs[b] = u, d
	}

	liveIn := make(map[*ir.Block]localSet, len(f.Blocks))
	liveOut := make(map[*ir.Block]localSet, len(f.Blocks))
	for _, b := range f.Blocks {
		liveIn[b], liveOut[b] = localSet{}, localSet{}
	}
	for changed := true; changed; {
		changed = false
		for i := len(f.Blocks) - 1; i >= 0; i-- {
			b := f.Blocks[i]
			out := liveOut[b]
			for _, s := range b.Successors() {
				if out.union(liveIn[s]) {
					changed = true
				}
			}
			in := liveIn[b]
			if in.union(uses[b]) {
				changed = true
			}
			for l := range out {
				if _, killed := defs[b][l]; killed {
					continue
				}
				if _, ok := in[l]; !ok {
					in[l] = struct{}{}
					changed = true
				}
			}
		}
	}

	for _, b := range f.Blocks {
		for l := range liveIn[b] {
			touch(l, start[b])
		}
		for l := range liveOut[b] {
			touch(l, end[b])
		}
	}

	out := make([]*Interval, 0, len(intervals))
	for _, iv := range intervals {
		i := sort.SearchInts(calls, iv.Start+1)
		iv.CrossesCall = i < len(calls) && calls[i] < iv.End
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Local.ID < out[j].Local.ID
	})
	return out, nil
}
