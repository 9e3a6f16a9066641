package amd64

import (
	"fmt"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/ir"
)

// HelperStub returns the native routine implementing helper id. Stubs take
// their argument in rdi and return in rax, clobbering only rcx besides.
func HelperStub(id ir.HelperID) (asm.Fragment, error) {
	switch id {
	case ir.HelperCountLeadingZeros64:
		return countLeadingZeros(amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RDI), 64), nil
	case ir.HelperCountLeadingZeros32:
		return countLeadingZeros(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RDI), 32), nil
	case ir.HelperReverseBits64:
		return reverseBits(amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RDI), 64), nil
	case ir.HelperReverseBits32:
		return reverseBits(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RDI), 32), nil
	}
	return nil, fmt.Errorf("%w: helper %s", ErrUnsupportedOperation, id)
}

// HelperIDs lists every helper with a native stub.
func HelperIDs() []ir.HelperID {
	return []ir.HelperID{
		ir.HelperCountLeadingZeros64,
		ir.HelperCountLeadingZeros32,
		ir.HelperReverseBits64,
		ir.HelperReverseBits32,
	}
}

// countLeadingZeros uses bsr, which leaves the index of the highest set
// bit; xor with bits-1 turns that into the leading zero count. bsr of zero
// sets ZF and the result is the full width.
func countLeadingZeros(dst, src amd64.Reg, bits int64) asm.Fragment {
	zero := asm.Label(fmt.Sprintf(".clz%d_zero", bits))
	return asm.Group{
		amd64.BsrRegReg(dst, src),
		amd64.JumpIf(amd64.CondE, zero),
		amd64.XorRegImm(dst, int32(bits-1)),
		amd64.Ret(),
		asm.MarkLabel(zero),
		amd64.MovImmediate(dst, bits),
		amd64.Ret(),
	}
}

// reverseBits shifts src out to the right one bit at a time and rotates
// each bit into dst through the carry flag.
func reverseBits(dst, src amd64.Reg, bits int64) asm.Fragment {
	loop := asm.Label(fmt.Sprintf(".rbit%d_loop", bits))
	count := amd64.Reg32(amd64.RCX)
	return asm.Group{
		amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
		amd64.MovImmediate(count, bits),
		asm.MarkLabel(loop),
		amd64.ShrRegOne(src),
		amd64.RclRegOne(dst),
		amd64.SubRegImm(count, 1),
		amd64.JumpIf(amd64.CondNE, loop),
		amd64.Ret(),
	}
}
