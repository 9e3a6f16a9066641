package amd64

import (
	"github.com/tinyrange/dbt/internal/asm"
)

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovImmediate(dst, value)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovReg(dst, src Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovRegReg(dst, src)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovMemReg(mem, src)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovRegMem(dst, mem)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func CallReg(target Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeCallReg(target)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovZXRegMem(dst, mem, size8)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovZX16(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovZXRegMem(dst, mem, size16)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovStoreImm8(mem Memory, value byte) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemImm8(mem, value) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegImm(reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegReg(dst, src) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(0x05, reg, value) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSubRegReg(dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeOrRegReg(dst, src) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeOrRegImm(reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegImm(reg, value) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegReg(dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAndRegReg(dst, src) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAndRegImm(reg, value) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeXorRegRegSized(dst, src) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(0x06, reg, value) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegRegSized(dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

func Neg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnary(unaryNeg, reg) })
}

func Not(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnary(unaryNot, reg) })
}

// Div divides rdx:rax (or edx:eax) by reg, unsigned.
func Div(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnary(unaryDiv, reg) })
}

// Idiv divides rdx:rax (or edx:eax) by reg, signed.
func Idiv(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeUnary(unaryIdiv, reg) })
}

// SignExtendAccumulator emits cdq for 32-bit and cqo for 64-bit widths.
func SignExtendAccumulator(width Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSignExtendAccumulator(width.size) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShrRegImm(reg, count) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShlRegImm(reg, count) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSarRegImm(reg, count) })
}

func RorRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeRorRegImm(reg, count) })
}

// ShlRegCL shifts reg left by cl.
func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShl) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftShr) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftSar) })
}

func RorRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, shiftRor) })
}

// RclRegOne rotates reg left by one through the carry flag.
func RclRegOne(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegOne(reg, shiftRcl) })
}

func ShrRegOne(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegOne(reg, shiftShr) })
}

func Setcc(cond Cond, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func Cmovcc(cond Cond, dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmovcc(cond, dst, src) })
}

func MovZXReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegReg(dst, src) })
}

func MovSXReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovSXRegReg(dst, src) })
}

func BsrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeBsrRegReg(dst, src) })
}

func Bswap(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeBswap(reg) })
}

func Push(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePush(reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePop(reg) })
}

func MovdquLoad(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovdquLoad(dst, mem) })
}

func MovdquStore(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovdquStore(mem, src) })
}

func MovdqaReg(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0x66, sseMovdqa, dst, src) })
}

// MovqXmm copies the low 64 bits of src into dst and clears the upper half.
func MovqXmm(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0xF3, 0x7E, dst, src) })
}

// MovqToXmm moves a 64-bit register into the low half of dst, clearing the
// upper half.
func MovqToXmm(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGpr(dst, src, true) })
}

// MovqFromXmm moves the low half of src into a 64-bit register.
func MovqFromXmm(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovqXmmGpr(src, dst, false) })
}

func packed(opcode byte, dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSERegReg(0x66, opcode, dst, src) })
}

// Padd adds packed integers of the given element size in bytes.
func Padd(elemSize int, dst, src Xmm) asm.Fragment {
	switch elemSize {
	case 1:
		return packed(ssePaddb, dst, src)
	case 2:
		return packed(ssePaddw, dst, src)
	case 4:
		return packed(ssePaddd, dst, src)
	default:
		return packed(ssePaddq, dst, src)
	}
}

// Psub subtracts packed integers of the given element size in bytes.
func Psub(elemSize int, dst, src Xmm) asm.Fragment {
	switch elemSize {
	case 1:
		return packed(ssePsubb, dst, src)
	case 2:
		return packed(ssePsubw, dst, src)
	case 4:
		return packed(ssePsubd, dst, src)
	default:
		return packed(ssePsubq, dst, src)
	}
}

func Pand(dst, src Xmm) asm.Fragment { return packed(ssePand, dst, src) }

// Pandn computes dst = ^dst & src.
func Pandn(dst, src Xmm) asm.Fragment { return packed(ssePandn, dst, src) }

func Por(dst, src Xmm) asm.Fragment { return packed(ssePor, dst, src) }

func Pxor(dst, src Xmm) asm.Fragment { return packed(ssePxor, dst, src) }
