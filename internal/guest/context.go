package guest

import (
	"fmt"
	"unsafe"
)

// ExitReason tells the dispatcher why translated code returned.
type ExitReason uint32

const (
	ExitNone ExitReason = iota
	ExitSupervisorCall
	ExitBreakpoint
	ExitUndefined
	ExitHalt
	// ExitCodeWrite reports a store to a page holding translated code.
	// ExitInfo is the guest address written and PC the instruction after
	// the store.
	ExitCodeWrite
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitSupervisorCall:
		return "svc"
	case ExitBreakpoint:
		return "brk"
	case ExitUndefined:
		return "undefined"
	case ExitHalt:
		return "halt"
	case ExitCodeWrite:
		return "code-write"
	default:
		return fmt.Sprintf("exit(%d)", uint32(r))
	}
}

// Flag indexes ExecutionContext.Flags.
type Flag int

const (
	FlagN Flag = iota
	FlagZ
	FlagC
	FlagV
)

// RegisterSP is the A64 register index that aliases the stack pointer (or
// the zero register, depending on the instruction).
const RegisterSP = 31

// RegisterLR is the link register in both modes.
const (
	RegisterLRA64 = 30
	RegisterLRT32 = 14
	RegisterSPT32 = 13
)

// ExecutionContext holds guest register state across calls into translated
// code. Translated code addresses its fields by fixed offsets, so the layout
// is part of the code generator contract. One context exists per guest thread
// and it must not be copied while code runs against it.
type ExecutionContext struct {
	X     [32]uint64
	V     [32][2]uint64
	Flags [4]uint32

	PC         uint64
	ExitReason ExitReason
	Mode       ExecutionMode
	ExitInfo   uint64

	// MemoryBase is the host address of guest address zero.
	MemoryBase uintptr

	// Generation is the code cache generation the running function was
	// looked up in and GenerationAddress points at the live counter.
	// Translated code entered after the two diverge returns to the
	// dispatcher before running any guest instruction.
	Generation        uint64
	GenerationAddress uintptr

	// CodePages points at one byte per guest page, non-zero where the page
	// holds translated code. Zero disables code write checks.
	CodePages uintptr
}

var (
	OffsetX          = int32(unsafe.Offsetof(ExecutionContext{}.X))
	OffsetV          = int32(unsafe.Offsetof(ExecutionContext{}.V))
	OffsetFlags      = int32(unsafe.Offsetof(ExecutionContext{}.Flags))
	OffsetPC         = int32(unsafe.Offsetof(ExecutionContext{}.PC))
	OffsetExitReason = int32(unsafe.Offsetof(ExecutionContext{}.ExitReason))
	OffsetMode       = int32(unsafe.Offsetof(ExecutionContext{}.Mode))
	OffsetExitInfo   = int32(unsafe.Offsetof(ExecutionContext{}.ExitInfo))
	OffsetMemoryBase = int32(unsafe.Offsetof(ExecutionContext{}.MemoryBase))

	OffsetGeneration        = int32(unsafe.Offsetof(ExecutionContext{}.Generation))
	OffsetGenerationAddress = int32(unsafe.Offsetof(ExecutionContext{}.GenerationAddress))
	OffsetCodePages         = int32(unsafe.Offsetof(ExecutionContext{}.CodePages))
)

// XOffset returns the context offset of general purpose register n.
func XOffset(n int) int32 {
	return OffsetX + int32(n)*8
}

// VOffset returns the context offset of vector register n.
func VOffset(n int) int32 {
	return OffsetV + int32(n)*16
}

// FlagOffset returns the context offset of a condition flag.
func FlagOffset(f Flag) int32 {
	return OffsetFlags + int32(f)*4
}

// NewExecutionContext creates a context bound to the given memory.
func NewExecutionContext(mem MemoryManager, mode ExecutionMode) *ExecutionContext {
	ec := &ExecutionContext{Mode: mode}
	if mem != nil {
		ec.MemoryBase = mem.HostBase()
	}
	return ec
}

// NZCV packs the flags into the A64 NZCV register layout.
func (ec *ExecutionContext) NZCV() uint32 {
	var v uint32
	for i, f := range ec.Flags {
		if f != 0 {
			v |= 1 << (31 - i)
		}
	}
	return v
}

// SetNZCV unpacks an A64 NZCV value into the individual flags.
func (ec *ExecutionContext) SetNZCV(v uint32) {
	for i := range ec.Flags {
		ec.Flags[i] = (v >> (31 - i)) & 1
	}
}

// ClearExit resets the exit reason before re-entering translated code.
func (ec *ExecutionContext) ClearExit() {
	ec.ExitReason = ExitNone
	ec.ExitInfo = 0
}
