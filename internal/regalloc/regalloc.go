// Package regalloc assigns host registers to IR locals with a linear scan
// over live intervals.
package regalloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/tinyrange/dbt/internal/ir"
)

// RegisterType is a host register class.
type RegisterType uint8

const (
	Integer RegisterType = iota
	Vector
)

func (t RegisterType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Vector:
		return "vector"
	default:
		return fmt.Sprintf("register-type(%d)", uint8(t))
	}
}

var (
	ErrUnknownRegisterType = errors.New("regalloc: unknown register type")
	ErrAllocationFailed    = errors.New("regalloc: allocation failed")
)

// RegisterMask describes which host registers the allocator may hand out.
// Bit n stands for register number n of the class.
type RegisterMask struct {
	IntAvailable uint32
	VecAvailable uint32

	IntCallerSaved uint32
	VecCallerSaved uint32

	IntCalleeSaved uint32
	VecCalleeSaved uint32
}

// GetAvailableRegisters returns how many registers of class t may be
// allocated.
func (m RegisterMask) GetAvailableRegisters(t RegisterType) (int, error) {
	switch t {
	case Integer:
		return bits.OnesCount32(m.IntAvailable), nil
	case Vector:
		return bits.OnesCount32(m.VecAvailable), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownRegisterType, uint8(t))
	}
}

func (m RegisterMask) masks(t RegisterType) (available, callerSaved, calleeSaved uint32) {
	if t == Vector {
		return m.VecAvailable, m.VecCallerSaved, m.VecCalleeSaved
	}
	return m.IntAvailable, m.IntCallerSaved, m.IntCalleeSaved
}

// Location is where a local lives for its whole lifetime.
type Location struct {
	Register int
	Spilled  bool
	// SpillOffset is the byte offset of the local's slot in the spill area.
	SpillOffset int32
}

func (l Location) String() string {
	if l.Spilled {
		return fmt.Sprintf("spill+%d", l.SpillOffset)
	}
	return fmt.Sprintf("r%d", l.Register)
}

type Options struct {
	// MaxSpillBytes caps the spill area. Zero means no limit.
	MaxSpillBytes int
}

// Allocation is the result of Allocate.
type Allocation struct {
	Locations map[*ir.Operand]Location
	SpillSize int

	// UsedIntCalleeSaved and UsedVecCalleeSaved have a bit set for every
	// callee-saved register handed out, so the prologue knows what to save.
	UsedIntCalleeSaved uint32
	UsedVecCalleeSaved uint32
}

// Location returns the location assigned to local l.
func (a *Allocation) Location(l *ir.Operand) (Location, bool) {
	loc, ok := a.Locations[l]
	return loc, ok
}

func typeOf(l *ir.Operand) RegisterType {
	if l.Type.IsVector() {
		return Vector
	}
	return Integer
}

type scan struct {
	alloc  *Allocation
	masks  RegisterMask
	free   [2]uint32
	active [2][]*Interval
}

// Allocate assigns a location to every local of f. f must have had its phis
// eliminated and its guest registers lowered to context accesses.
func Allocate(f *ir.Function, masks RegisterMask, opts Options) (*Allocation, error) {
	intervals, err := BuildIntervals(f)
	if err != nil {
		return nil, err
	}

	s := &scan{
		alloc: &Allocation{Locations: make(map[*ir.Operand]Location, len(intervals))},
		masks: masks,
		free:  [2]uint32{masks.IntAvailable, masks.VecAvailable},
	}

	for _, iv := range intervals {
		t := typeOf(iv.Local)
		s.expire(t, iv.Start)
		if reg, ok := s.pick(t, iv); ok {
			s.assign(t, iv, reg)
			continue
		}
		s.spillAt(t, iv)
	}

	if opts.MaxSpillBytes > 0 && s.alloc.SpillSize > opts.MaxSpillBytes {
		return nil, fmt.Errorf("%w: %d spill bytes needed, %d available",
			ErrAllocationFailed, s.alloc.SpillSize, opts.MaxSpillBytes)
	}
	return s.alloc, nil
}

// expire frees the registers of intervals that end at or before pos. An
// interval ending exactly at pos is last read by the operation there, so the
// operation's result may reuse its register; an unused result defined at pos
// is still being written and stays.
func (s *scan) expire(t RegisterType, pos int) {
	kept := s.active[t][:0]
	for _, a := range s.active[t] {
		if a.End < pos || (a.End == pos && a.Start < pos) {
			s.free[t] |= 1 << uint(s.alloc.Locations[a.Local].Register)
			continue
		}
		kept = append(kept, a)
	}
	s.active[t] = kept
}

// pick chooses a free register for iv. Intervals that survive a call may
// only use callee-saved registers; others prefer caller-saved ones.
func (s *scan) pick(t RegisterType, iv *Interval) (int, bool) {
	_, callerSaved, calleeSaved := s.masks.masks(t)
	free := s.free[t]
	if iv.CrossesCall {
		free &= calleeSaved
	} else if pref := free & callerSaved; pref != 0 {
		free = pref
	}
	if free == 0 {
		return 0, false
	}
	return bits.TrailingZeros32(free), true
}

func (s *scan) assign(t RegisterType, iv *Interval, reg int) {
	s.free[t] &^= 1 << uint(reg)
	s.alloc.Locations[iv.Local] = Location{Register: reg}
	_, _, calleeSaved := s.masks.masks(t)
	if calleeSaved&(1<<uint(reg)) != 0 {
		if t == Vector {
			s.alloc.UsedVecCalleeSaved |= 1 << uint(reg)
		} else {
			s.alloc.UsedIntCalleeSaved |= 1 << uint(reg)
		}
	}
	s.active[t] = append(s.active[t], iv)
	sort.Slice(s.active[t], func(i, j int) bool { return s.active[t][i].End < s.active[t][j].End })
}

// spillAt handles an interval no register is free for. The active interval
// ending last gives up its register when it outlives iv and the register
// is one iv may use; otherwise iv itself is spilled.
func (s *scan) spillAt(t RegisterType, iv *Interval) {
	_, _, calleeSaved := s.masks.masks(t)
	for i := len(s.active[t]) - 1; i >= 0; i-- {
		victim := s.active[t][i]
		if victim.End <= iv.End {
			break
		}
		reg := s.alloc.Locations[victim.Local].Register
		if iv.CrossesCall && calleeSaved&(1<<uint(reg)) == 0 {
			continue
		}
		s.active[t] = append(s.active[t][:i], s.active[t][i+1:]...)
		s.free[t] |= 1 << uint(reg)
		s.spill(victim)
		s.assign(t, iv, reg)
		return
	}
	s.spill(iv)
}

func (s *scan) spill(iv *Interval) {
	size := 8
	if iv.Local.Type.IsVector() {
		size = 16
		s.alloc.SpillSize = (s.alloc.SpillSize + 15) &^ 15
	}
	s.alloc.Locations[iv.Local] = Location{Spilled: true, SpillOffset: int32(s.alloc.SpillSize)}
	s.alloc.SpillSize += size
}
