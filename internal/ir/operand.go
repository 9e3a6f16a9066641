package ir

import (
	"fmt"

	"github.com/tinyrange/dbt/internal/guest"
)

// Type is the machine type of an operand.
type Type uint8

const (
	TypeNone Type = iota
	I32
	I64
	V128
)

func (t Type) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case V128:
		return "v128"
	default:
		return "none"
	}
}

// Size returns the size of a value of the type in bytes.
func (t Type) Size() int {
	switch t {
	case I32:
		return 4
	case I64:
		return 8
	case V128:
		return 16
	default:
		return 0
	}
}

// IsVector reports whether values of the type live in vector registers.
func (t Type) IsVector() bool { return t == V128 }

type OperandKind uint8

const (
	KindConstant OperandKind = iota + 1
	KindLocal
	KindRegister
	KindLabel
)

// RegisterClass selects which part of the guest state a register operand
// refers to.
type RegisterClass uint8

const (
	ClassGeneral RegisterClass = iota
	ClassVector
	ClassFlag
)

// Register names a piece of guest register state.
type Register struct {
	Class RegisterClass
	Index uint8
}

// Type returns the IR type register values are read and written with.
func (r Register) Type() Type {
	switch r.Class {
	case ClassVector:
		return V128
	case ClassFlag:
		return I32
	default:
		return I64
	}
}

// ContextOffset returns where the register lives in guest.ExecutionContext.
func (r Register) ContextOffset() int32 {
	switch r.Class {
	case ClassVector:
		return guest.VOffset(int(r.Index))
	case ClassFlag:
		return guest.FlagOffset(guest.Flag(r.Index))
	default:
		return guest.XOffset(int(r.Index))
	}
}

func (r Register) String() string {
	switch r.Class {
	case ClassVector:
		return fmt.Sprintf("v%d", r.Index)
	case ClassFlag:
		return string("nzcv"[r.Index&3])
	default:
		if r.Index == 31 {
			return "sp"
		}
		return fmt.Sprintf("x%d", r.Index)
	}
}

// Operand is a value used or defined by an operation. Locals are compared
// by pointer identity; constants and registers may be freely recreated.
type Operand struct {
	Kind OperandKind
	Type Type

	// Value holds a constant. V128 constants use High for the upper half.
	Value uint64
	High  uint64

	Register Register
	Label    *Block

	// ID numbers locals within their function.
	ID int
}

// Const32 returns a 32-bit constant.
func Const32(v uint32) *Operand {
	return &Operand{Kind: KindConstant, Type: I32, Value: uint64(v)}
}

// Const64 returns a 64-bit constant.
func Const64(v uint64) *Operand {
	return &Operand{Kind: KindConstant, Type: I64, Value: v}
}

// Const returns a constant of type t, truncating v to its width.
func Const(t Type, v uint64) *Operand {
	if t == I32 {
		return Const32(uint32(v))
	}
	return &Operand{Kind: KindConstant, Type: t, Value: v}
}

// ConstV128 returns a 128-bit vector constant.
func ConstV128(lo, hi uint64) *Operand {
	return &Operand{Kind: KindConstant, Type: V128, Value: lo, High: hi}
}

// Reg returns a guest register operand.
func Reg(r Register) *Operand {
	return &Operand{Kind: KindRegister, Type: r.Type(), Register: r}
}

// GeneralRegister returns an operand for guest register X<n>.
func GeneralRegister(n int) *Operand {
	return Reg(Register{Class: ClassGeneral, Index: uint8(n)})
}

// VectorRegister returns an operand for guest register V<n>.
func VectorRegister(n int) *Operand {
	return Reg(Register{Class: ClassVector, Index: uint8(n)})
}

// FlagRegister returns an operand for one of the guest condition flags.
func FlagRegister(f guest.Flag) *Operand {
	return Reg(Register{Class: ClassFlag, Index: uint8(f)})
}

// LabelOf returns an operand referencing block b.
func LabelOf(b *Block) *Operand {
	return &Operand{Kind: KindLabel, Label: b}
}

func (o *Operand) IsConstant() bool { return o != nil && o.Kind == KindConstant }
func (o *Operand) IsLocal() bool    { return o != nil && o.Kind == KindLocal }
func (o *Operand) IsRegister() bool { return o != nil && o.Kind == KindRegister }

// IsConstantValue reports whether o is a constant equal to v.
func (o *Operand) IsConstantValue(v uint64) bool {
	return o.IsConstant() && o.Value == v && o.High == 0
}

// Signed returns a constant's value sign-extended from its type width.
func (o *Operand) Signed() int64 {
	if o.Type == I32 {
		return int64(int32(o.Value))
	}
	return int64(o.Value)
}

func (o *Operand) String() string {
	if o == nil {
		return "<nil>"
	}
	switch o.Kind {
	case KindConstant:
		if o.Type == V128 {
			return fmt.Sprintf("%#x:%#x", o.High, o.Value)
		}
		return fmt.Sprintf("%#x", o.Value)
	case KindLocal:
		return fmt.Sprintf("%%%d", o.ID)
	case KindRegister:
		return o.Register.String()
	case KindLabel:
		if o.Label == nil {
			return "@?"
		}
		return fmt.Sprintf("@%d", o.Label.Index)
	default:
		return "?"
	}
}
