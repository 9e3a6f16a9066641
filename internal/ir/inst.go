package ir

import "fmt"

// Inst is an IR operation code.
type Inst uint8

const (
	InstInvalid Inst = iota

	Copy
	Add
	Subtract
	Multiply
	// Divide is signed division. Division by zero yields zero and the most
	// negative value divided by -1 yields itself.
	Divide
	DivideUI
	BitwiseAnd
	BitwiseOr
	BitwiseXor
	BitwiseNot
	Negate
	ShiftLeft
	ShiftRightUI
	ShiftRightSI
	RotateRight
	SignExtend8
	SignExtend16
	SignExtend32
	ZeroExtend8
	ZeroExtend16
	ZeroExtend32
	Truncate
	ByteSwap

	// Compare produces 1 or 0. Aux holds the Comparison.
	Compare
	// ConditionalSelect yields Sources[1] when Sources[0] is non-zero and
	// Sources[2] otherwise.
	ConditionalSelect

	// Load and Store access guest memory. Aux holds the access size in bytes.
	// Store takes the address then the value.
	Load
	Store
	// LoadContext and StoreContext access the execution context at the byte
	// offset held in Aux.
	LoadContext
	StoreContext
	// CodePageFlag is non-zero when any byte of the Aux byte guest access
	// at Sources[0] lies on a page holding translated code.
	CodePageFlag

	// BranchIf compares its two sources with the Comparison in Aux and, when
	// it holds, continues at the block's Branch target.
	BranchIf
	Phi
	// Call invokes the helper named by Helper.
	Call
	// Return leaves the function. Its source is the next guest PC.
	Return

	// Vector operations. Aux holds log2 of the element size for the
	// element-wise forms.
	VectorAdd
	VectorSubtract
	VectorAnd
	VectorOr
	VectorXor
	VectorAndNot
	VectorZeroUpper

	// LoadConstantBuffer reads from a shader constant buffer. Its sources
	// are the slot and the byte offset.
	LoadConstantBuffer
	// ResourceAccess touches a resource named by a bindless handle. Its
	// first source is the handle; once the handle has been resolved the
	// operation carries a ResourceBinding instead.
	ResourceAccess

	instCount
)

var instNames = [...]string{
	InstInvalid:        "invalid",
	Copy:               "copy",
	Add:                "add",
	Subtract:           "sub",
	Multiply:           "mul",
	Divide:             "div",
	DivideUI:           "divu",
	BitwiseAnd:         "and",
	BitwiseOr:          "or",
	BitwiseXor:         "xor",
	BitwiseNot:         "not",
	Negate:             "neg",
	ShiftLeft:          "shl",
	ShiftRightUI:       "shru",
	ShiftRightSI:       "shrs",
	RotateRight:        "ror",
	SignExtend8:        "sext8",
	SignExtend16:       "sext16",
	SignExtend32:       "sext32",
	ZeroExtend8:        "zext8",
	ZeroExtend16:       "zext16",
	ZeroExtend32:       "zext32",
	Truncate:           "trunc",
	ByteSwap:           "bswap",
	Compare:            "cmp",
	ConditionalSelect:  "select",
	Load:               "load",
	Store:              "store",
	LoadContext:        "ldctx",
	StoreContext:       "stctx",
	CodePageFlag:       "codepage",
	BranchIf:           "brif",
	Phi:                "phi",
	Call:               "call",
	Return:             "ret",
	VectorAdd:          "vadd",
	VectorSubtract:     "vsub",
	VectorAnd:          "vand",
	VectorOr:           "vor",
	VectorXor:          "vxor",
	VectorAndNot:       "vandn",
	VectorZeroUpper:    "vzupper",
	LoadConstantBuffer: "ldcbuf",
	ResourceAccess:     "resource",
}

func (i Inst) String() string {
	if int(i) < len(instNames) && instNames[i] != "" {
		return instNames[i]
	}
	return fmt.Sprintf("inst(%d)", uint8(i))
}

// HasSideEffects reports whether an operation must be kept even when its
// destination is unused.
func (i Inst) HasSideEffects() bool {
	switch i {
	case Store, StoreContext, BranchIf, Call, Return, ResourceAccess:
		return true
	}
	return false
}

// IsTerminator reports whether the operation ends a block.
func (i Inst) IsTerminator() bool {
	return i == BranchIf || i == Return
}

// IsCommutative reports whether the two sources may be swapped.
func (i Inst) IsCommutative() bool {
	switch i {
	case Add, Multiply, BitwiseAnd, BitwiseOr, BitwiseXor,
		VectorAdd, VectorAnd, VectorOr, VectorXor:
		return true
	}
	return false
}

// Comparison is the relation tested by Compare and BranchIf.
type Comparison uint8

const (
	Equal Comparison = iota
	NotEqual
	Less
	LessOrEqual
	Greater
	GreaterOrEqual
	LessUI
	LessOrEqualUI
	GreaterUI
	GreaterOrEqualUI
)

var comparisonNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "ltu", "leu", "gtu", "geu"}

func (c Comparison) String() string {
	if int(c) < len(comparisonNames) {
		return comparisonNames[c]
	}
	return fmt.Sprintf("cmp(%d)", uint8(c))
}

// Invert returns the comparison that holds exactly when c does not.
func (c Comparison) Invert() Comparison {
	switch c {
	case Equal:
		return NotEqual
	case NotEqual:
		return Equal
	case Less:
		return GreaterOrEqual
	case LessOrEqual:
		return Greater
	case Greater:
		return LessOrEqual
	case GreaterOrEqual:
		return Less
	case LessUI:
		return GreaterOrEqualUI
	case LessOrEqualUI:
		return GreaterUI
	case GreaterUI:
		return LessOrEqualUI
	case GreaterOrEqualUI:
		return LessUI
	}
	return c
}

// Swap returns the comparison with its operands exchanged.
func (c Comparison) Swap() Comparison {
	switch c {
	case Less:
		return Greater
	case LessOrEqual:
		return GreaterOrEqual
	case Greater:
		return Less
	case GreaterOrEqual:
		return LessOrEqual
	case LessUI:
		return GreaterUI
	case LessOrEqualUI:
		return GreaterOrEqualUI
	case GreaterUI:
		return LessUI
	case GreaterOrEqualUI:
		return LessOrEqualUI
	}
	return c
}

// Evaluate applies the comparison to two values of type t.
func (c Comparison) Evaluate(t Type, a, b uint64) bool {
	var sa, sb int64
	if t == I32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb = int64(int32(a)), int64(int32(b))
	} else {
		sa, sb = int64(a), int64(b)
	}
	switch c {
	case Equal:
		return a == b
	case NotEqual:
		return a != b
	case Less:
		return sa < sb
	case LessOrEqual:
		return sa <= sb
	case Greater:
		return sa > sb
	case GreaterOrEqual:
		return sa >= sb
	case LessUI:
		return a < b
	case LessOrEqualUI:
		return a <= b
	case GreaterUI:
		return a > b
	case GreaterOrEqualUI:
		return a >= b
	}
	return false
}

// HelperID names a host routine translated code may call.
type HelperID uint32

const (
	HelperNone HelperID = iota
	HelperCountLeadingZeros64
	HelperCountLeadingZeros32
	HelperReverseBits64
	HelperReverseBits32

	HelperCount
)

func (h HelperID) String() string {
	switch h {
	case HelperCountLeadingZeros64:
		return "clz64"
	case HelperCountLeadingZeros32:
		return "clz32"
	case HelperReverseBits64:
		return "rbit64"
	case HelperReverseBits32:
		return "rbit32"
	default:
		return fmt.Sprintf("helper(%d)", uint32(h))
	}
}

// ResourceBinding is a bindless handle resolved to constant buffer
// locations. A handle is built from up to two 16-bit halves; Shift is how far
// a half is moved before the halves are combined and Mask selects the bits
// taken from the constant buffer word.
type ResourceBinding struct {
	Parts []BindingPart
	// Constant is ORed into the handle after the parts.
	Constant uint64
}

// BindingPart is one constant buffer word contributing to a handle.
type BindingPart struct {
	Slot   uint64
	Offset uint64
	Mask   uint64
	Shift  uint8
}

func (r *ResourceBinding) String() string {
	s := "bind("
	for i, p := range r.Parts {
		if i > 0 {
			s += "|"
		}
		s += fmt.Sprintf("cb%d[%#x]&%#x", p.Slot, p.Offset, p.Mask)
		if p.Shift != 0 {
			s += fmt.Sprintf("<<%d", p.Shift)
		}
	}
	if r.Constant != 0 {
		s += fmt.Sprintf("|%#x", r.Constant)
	}
	return s + ")"
}
