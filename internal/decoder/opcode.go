package decoder

import (
	"fmt"
	"strings"

	"github.com/tinyrange/dbt/internal/guest"
)

// InstName identifies a decoded instruction.
type InstName uint16

const (
	InstUndefined InstName = iota

	// A64 data processing (immediate).
	InstAddImm
	InstAddsImm
	InstSubImm
	InstSubsImm
	InstAndImm
	InstOrrImm
	InstEorImm
	InstAndsImm
	InstMovz
	InstMovn
	InstMovk
	InstAdr
	InstAdrp

	// A64 data processing (register).
	InstAddReg
	InstAddsReg
	InstSubReg
	InstSubsReg
	InstAndReg
	InstOrrReg
	InstEorReg
	InstAndsReg
	InstCsel
	InstCsinc
	InstCsinv
	InstCsneg
	InstMadd
	InstMsub
	InstUdiv
	InstSdiv
	InstLslv
	InstLsrv
	InstAsrv
	InstRorv
	InstClz
	InstRbit
	InstRev

	// A64 branches and system.
	InstB
	InstBl
	InstBCond
	InstCbz
	InstCbnz
	InstBr
	InstBlr
	InstRet
	InstSvc
	InstBrk
	InstNop

	// A64 loads and stores.
	InstLdr
	InstStr

	// A64 SIMD.
	InstVAdd
	InstVSub
	InstVAnd
	InstVBic
	InstVOrr
	InstVEor

	// T32 16-bit.
	InstT32MovsImm
	InstT32CmpImm
	InstT32AddsImm
	InstT32SubsImm
	InstT32AddsReg
	InstT32SubsReg
	InstT32LslImm
	InstT32LsrImm
	InstT32AsrImm
	InstT32And
	InstT32Eor
	InstT32Orr
	InstT32Bic
	InstT32Mvn
	InstT32Tst
	InstT32CmpReg
	InstT32Cmn
	InstT32Mul
	InstT32Rsb
	InstT32AddHigh
	InstT32CmpHigh
	InstT32MovHigh
	InstT32Bx
	InstT32Blx
	InstT32Ldr
	InstT32Str
	InstT32BCond
	InstT32B
	InstT32It
	InstT32Nop
	InstT32Svc
	InstT32Bkpt
	InstT32Udf

	// T32 32-bit.
	InstT32Bl

	instNameCount
)

var instNames = [...]string{
	InstUndefined:  "undefined",
	InstAddImm:     "add",
	InstAddsImm:    "adds",
	InstSubImm:     "sub",
	InstSubsImm:    "subs",
	InstAndImm:     "and",
	InstOrrImm:     "orr",
	InstEorImm:     "eor",
	InstAndsImm:    "ands",
	InstMovz:       "movz",
	InstMovn:       "movn",
	InstMovk:       "movk",
	InstAdr:        "adr",
	InstAdrp:       "adrp",
	InstAddReg:     "add",
	InstAddsReg:    "adds",
	InstSubReg:     "sub",
	InstSubsReg:    "subs",
	InstAndReg:     "and",
	InstOrrReg:     "orr",
	InstEorReg:     "eor",
	InstAndsReg:    "ands",
	InstCsel:       "csel",
	InstCsinc:      "csinc",
	InstCsinv:      "csinv",
	InstCsneg:      "csneg",
	InstMadd:       "madd",
	InstMsub:       "msub",
	InstUdiv:       "udiv",
	InstSdiv:       "sdiv",
	InstLslv:       "lslv",
	InstLsrv:       "lsrv",
	InstAsrv:       "asrv",
	InstRorv:       "rorv",
	InstClz:        "clz",
	InstRbit:       "rbit",
	InstRev:        "rev",
	InstB:          "b",
	InstBl:         "bl",
	InstBCond:      "b.cond",
	InstCbz:        "cbz",
	InstCbnz:       "cbnz",
	InstBr:         "br",
	InstBlr:        "blr",
	InstRet:        "ret",
	InstSvc:        "svc",
	InstBrk:        "brk",
	InstNop:        "nop",
	InstLdr:        "ldr",
	InstStr:        "str",
	InstVAdd:       "add.v",
	InstVSub:       "sub.v",
	InstVAnd:       "and.v",
	InstVBic:       "bic.v",
	InstVOrr:       "orr.v",
	InstVEor:       "eor.v",
	InstT32MovsImm: "movs",
	InstT32CmpImm:  "cmp",
	InstT32AddsImm: "adds",
	InstT32SubsImm: "subs",
	InstT32AddsReg: "adds",
	InstT32SubsReg: "subs",
	InstT32LslImm:  "lsls",
	InstT32LsrImm:  "lsrs",
	InstT32AsrImm:  "asrs",
	InstT32And:     "ands",
	InstT32Eor:     "eors",
	InstT32Orr:     "orrs",
	InstT32Bic:     "bics",
	InstT32Mvn:     "mvns",
	InstT32Tst:     "tst",
	InstT32CmpReg:  "cmp",
	InstT32Cmn:     "cmn",
	InstT32Mul:     "muls",
	InstT32Rsb:     "rsbs",
	InstT32AddHigh: "add",
	InstT32CmpHigh: "cmp",
	InstT32MovHigh: "mov",
	InstT32Bx:      "bx",
	InstT32Blx:     "blx",
	InstT32Ldr:     "ldr",
	InstT32Str:     "str",
	InstT32BCond:   "b.cond",
	InstT32B:       "b",
	InstT32It:      "it",
	InstT32Nop:     "nop",
	InstT32Svc:     "svc",
	InstT32Bkpt:    "bkpt",
	InstT32Udf:     "udf",
	InstT32Bl:      "bl",
}

func (n InstName) String() string {
	if int(n) < len(instNames) && instNames[n] != "" {
		return instNames[n]
	}
	return fmt.Sprintf("inst(%d)", uint16(n))
}

// Cond is an ARM condition code.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	CondNV
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al", "nv"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Invert returns the condition that holds exactly when c does not. AL and NV
// both mean always and are returned unchanged.
func (c Cond) Invert() Cond {
	if c >= CondAL {
		return c
	}
	return c ^ 1
}

// ShiftType is the shift applied to a shifted-register operand.
type ShiftType uint8

const (
	ShiftLSL ShiftType = iota
	ShiftLSR
	ShiftASR
	ShiftROR
)

func (s ShiftType) String() string {
	return [...]string{"lsl", "lsr", "asr", "ror"}[s&3]
}

// Opcode is a decoded guest instruction. It is produced by Decode and never
// modified afterwards.
type Opcode struct {
	Name      InstName
	Address   uint64
	RawOpCode uint32
	Mode      guest.ExecutionMode
	// Size is the encoding length in bytes.
	Size uint8

	Rd, Rn, Rm, Ra, Rt uint8

	Immediate  int64
	Immediate2 int64

	Shift       ShiftType
	ShiftAmount uint8
	Cond        Cond

	// RegisterSize is 32 or 64.
	RegisterSize uint8

	// VectorSize is log2 of the element size in bytes and Q selects the
	// 128-bit form.
	VectorSize uint8
	Q          bool

	// AccessSize is the size in bytes of a memory access.
	AccessSize uint8
	Vector     bool
	WriteBack  bool
	PostIndex  bool
	Unscaled   bool
	Add        bool
	Load       bool

	SetFlags bool
	InvertRm bool
}

// IsUndefined reports whether the encoding was not recognized.
func (op *Opcode) IsUndefined() bool {
	return op.Name == InstUndefined
}

// NextAddress returns the address of the following instruction.
func (op *Opcode) NextAddress() uint64 {
	return op.Address + uint64(op.Size)
}

// BranchTarget returns the destination of a direct branch.
func (op *Opcode) BranchTarget() (uint64, bool) {
	switch op.Name {
	case InstB, InstBl, InstBCond, InstCbz, InstCbnz:
		return op.Address + uint64(op.Immediate), true
	case InstT32B, InstT32BCond, InstT32Bl:
		return op.Address + 4 + uint64(op.Immediate), true
	}
	return 0, false
}

// EndsBlock reports whether control does not simply fall through to the next
// instruction.
func (op *Opcode) EndsBlock() bool {
	switch op.Name {
	case InstUndefined,
		InstB, InstBl, InstBCond, InstCbz, InstCbnz, InstBr, InstBlr, InstRet,
		InstSvc, InstBrk,
		InstT32B, InstT32BCond, InstT32Bx, InstT32Blx, InstT32Bl,
		InstT32Svc, InstT32Bkpt, InstT32Udf:
		return true
	}
	return false
}

// LeavesFunction reports whether the instruction transfers control somewhere
// that is never part of the same translated function.
func (op *Opcode) LeavesFunction() bool {
	switch op.Name {
	case InstUndefined, InstBl, InstBr, InstBlr, InstRet, InstSvc, InstBrk,
		InstT32Bx, InstT32Blx, InstT32Bl, InstT32Svc, InstT32Bkpt, InstT32Udf:
		return true
	}
	return false
}

// IsConditionalBranch reports whether the instruction may fall through.
func (op *Opcode) IsConditionalBranch() bool {
	switch op.Name {
	case InstBCond, InstCbz, InstCbnz, InstT32BCond:
		return true
	}
	return false
}

func (op Opcode) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%08x: %s", op.Address, op.Name)
	if op.Name == InstBCond || op.Name == InstT32BCond {
		sb.Reset()
		fmt.Fprintf(&sb, "%08x: b.%s", op.Address, op.Cond)
	}
	fmt.Fprintf(&sb, " rd=%d rn=%d rm=%d", op.Rd, op.Rn, op.Rm)
	if op.Immediate != 0 {
		fmt.Fprintf(&sb, " imm=%#x", op.Immediate)
	}
	return sb.String()
}
