package amd64

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/testutil"
	"golang.org/x/arch/x86/x86asm"
)

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	lines := testutil.Disassemble(t, prog.Bytes())
	testutil.VerifyExpectations(t, lines, expect)
}

type sinkBuilder struct {
	fragments    []asm.Fragment
	expectations []testutil.Expectation
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	if frag == nil {
		return
	}
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(name string, op x86asm.Op, frag asm.Fragment, args ...x86asm.Arg) {
	b.append(frag)
	b.expectations = append(b.expectations, testutil.Expectation{
		Name: name,
		Op:   op,
		Args: args,
	})
}

func (b *sinkBuilder) fragment() asm.Fragment {
	return asm.Group(b.fragments)
}

func mem(base x86asm.Reg, disp int64) x86asm.Mem {
	return x86asm.Mem{Base: base, Disp: disp}
}

func buildAMD64KitchenSink() (asm.Fragment, []testutil.Expectation) {
	var builder sinkBuilder

	builder.add("mov_imm64", x86asm.MOV, MovImmediate(Reg64(RAX), 0x1122334455667788), x86asm.RAX, x86asm.Imm(0x1122334455667788))
	builder.add("mov_imm_small", x86asm.MOV, MovImmediate(Reg64(RCX), 5), x86asm.ECX, x86asm.Imm(5))
	builder.add("mov_imm_negative", x86asm.MOV, MovImmediate(Reg64(RDX), -1), x86asm.RDX, x86asm.Imm(-1))
	builder.add("mov_reg", x86asm.MOV, MovReg(Reg64(R9), Reg64(R10)), x86asm.R9, x86asm.R10)
	builder.add("mov_to_memory", x86asm.MOV, MovToMemory(Mem(Reg64(RSP)).WithDisp(0x28), Reg64(RAX)), mem(x86asm.RSP, 0x28), x86asm.RAX)
	builder.add("mov_from_memory", x86asm.MOV, MovFromMemory(Reg64(RBX), Mem(Reg64(RSP)).WithDisp(0x18)), x86asm.RBX, mem(x86asm.RSP, 0x18))
	builder.add("mov_indexed", x86asm.MOV, MovFromMemory(Reg32(RAX), MemIndex(Reg64(R14), Reg64(RDX), 1)), x86asm.EAX, x86asm.Mem{Base: x86asm.R14, Index: x86asm.RDX})
	builder.add("mov_store_byte", x86asm.MOV, MovToMemory(MemIndex(Reg64(R14), Reg64(RDX), 1), Reg8(RAX)), x86asm.Mem{Base: x86asm.R14, Index: x86asm.RDX}, x86asm.AL)
	builder.add("mov_context_disp32", x86asm.MOV, MovFromMemory(Reg64(RAX), Mem(Reg64(R15)).WithDisp(0x210)), x86asm.RAX, mem(x86asm.R15, 0x210))
	builder.add("call_reg", x86asm.CALL, CallReg(Reg64(R11)), x86asm.R11)

	builder.add("movzx8", x86asm.MOVZX, MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), x86asm.R12, mem(x86asm.RDI, 0x10))
	builder.add("movzx16", x86asm.MOVZX, MovZX16(Reg64(R13), Mem(Reg64(RSI)).WithDisp(0x14)), x86asm.R13, mem(x86asm.RSI, 0x14))
	builder.add("mov_store_imm8", x86asm.MOV, MovStoreImm8(Mem(Reg64(RDX)).WithDisp(0x5), 0x7f), mem(x86asm.RDX, 5), x86asm.Imm(0x7f))

	builder.add("add_reg_imm", x86asm.ADD, AddRegImm(Reg64(RAX), 0x21), x86asm.RAX, x86asm.Imm(0x21))
	builder.add("sub_reg_imm", x86asm.SUB, SubRegImm(Reg64(RSP), 0x40), x86asm.RSP, x86asm.Imm(0x40))
	builder.add("add_reg_reg", x86asm.ADD, AddRegReg(Reg64(R14), Reg64(R15)), x86asm.R14, x86asm.R15)
	builder.add("sub_reg_reg", x86asm.SUB, SubRegReg(Reg64(R13), Reg64(R12)), x86asm.R13, x86asm.R12)
	builder.add("or_reg_reg", x86asm.OR, OrRegReg(Reg64(R11), Reg64(R10)), x86asm.R11, x86asm.R10)
	builder.add("cmp_reg_imm", x86asm.CMP, CmpRegImm(Reg64(R9), 0x44), x86asm.R9, x86asm.Imm(0x44))
	builder.add("cmp_reg_reg32", x86asm.CMP, CmpRegReg(Reg32(R8), Reg32(RCX)), x86asm.R8L, x86asm.ECX)
	builder.add("and_reg_reg", x86asm.AND, AndRegReg(Reg64(RDX), Reg64(RSI)), x86asm.RDX, x86asm.RSI)
	builder.add("and_reg_imm", x86asm.AND, AndRegImm(Reg64(RDI), 0xff), x86asm.RDI, x86asm.Imm(0xff))
	builder.add("xor_reg_reg", x86asm.XOR, XorRegReg(Reg32(RBX), Reg32(RCX)), x86asm.EBX, x86asm.ECX)
	builder.add("xor_reg_imm", x86asm.XOR, XorRegImm(Reg32(RAX), 1), x86asm.EAX, x86asm.Imm(1))
	builder.add("test_reg_reg", x86asm.TEST, TestRegReg(Reg64(RAX), Reg64(RAX)), x86asm.RAX, x86asm.RAX)
	builder.add("imul_reg_imm", x86asm.IMUL, ImulRegImm(Reg64(RAX), Reg64(RCX), 3), x86asm.RAX, x86asm.RCX, x86asm.Imm(3))
	builder.add("imul_reg_reg", x86asm.IMUL, ImulRegReg(Reg64(RBX), Reg64(R8)), x86asm.RBX, x86asm.R8)

	builder.add("neg", x86asm.NEG, Neg(Reg32(RSI)), x86asm.ESI)
	builder.add("not", x86asm.NOT, Not(Reg64(R13)), x86asm.R13)
	builder.add("cqo", x86asm.CQO, SignExtendAccumulator(Reg64(RAX)))
	builder.add("cdq", x86asm.CDQ, SignExtendAccumulator(Reg32(RAX)))
	builder.add("idiv", x86asm.IDIV, Idiv(Reg64(RCX)), x86asm.RCX)
	builder.add("div", x86asm.DIV, Div(Reg32(R9)), x86asm.R9L)

	builder.add("shr_reg_imm", x86asm.SHR, ShrRegImm(Reg64(RDX), 2), x86asm.RDX, x86asm.Imm(2))
	builder.add("shl_reg_imm", x86asm.SHL, ShlRegImm(Reg64(RCX), 3), x86asm.RCX, x86asm.Imm(3))
	builder.add("sar_reg_imm", x86asm.SAR, SarRegImm(Reg32(RAX), 31), x86asm.EAX, x86asm.Imm(31))
	builder.add("ror_reg_imm", x86asm.ROR, RorRegImm(Reg64(RBX), 7), x86asm.RBX, x86asm.Imm(7))
	builder.add("shl_cl", x86asm.SHL, ShlRegCL(Reg64(RAX)), x86asm.RAX, x86asm.CL)
	builder.add("shr_cl", x86asm.SHR, ShrRegCL(Reg64(R8)), x86asm.R8, x86asm.CL)
	builder.add("sar_cl", x86asm.SAR, SarRegCL(Reg32(RDX)), x86asm.EDX, x86asm.CL)
	builder.add("ror_cl", x86asm.ROR, RorRegCL(Reg64(RBX)), x86asm.RBX, x86asm.CL)
	builder.add("rcl_one", x86asm.RCL, RclRegOne(Reg64(RAX)), x86asm.RAX)
	builder.add("shr_one", x86asm.SHR, ShrRegOne(Reg64(RDI)), x86asm.RDI)

	builder.add("sete", x86asm.SETE, Setcc(CondE, Reg8(RAX)), x86asm.AL)
	builder.add("setl_sil", x86asm.SETL, Setcc(CondL, Reg8(RSI)), x86asm.SIB)
	builder.add("setb_r9b", x86asm.SETB, Setcc(CondB, Reg8(R9)), x86asm.R9B)
	builder.add("cmovne", x86asm.CMOVNE, Cmovcc(CondNE, Reg64(RAX), Reg64(R12)), x86asm.RAX, x86asm.R12)
	builder.add("movzx_reg8", x86asm.MOVZX, MovZXReg(Reg32(RAX), Reg8(RAX)), x86asm.EAX, x86asm.AL)
	builder.add("movzx_reg16", x86asm.MOVZX, MovZXReg(Reg32(RCX), Reg16(RDI)), x86asm.ECX, x86asm.DI)
	builder.add("movsxd", x86asm.MOVSXD, MovSXReg(Reg64(RAX), Reg32(RCX)), x86asm.RAX, x86asm.ECX)
	builder.add("movsx8", x86asm.MOVSX, MovSXReg(Reg64(RDX), Reg8(RDI)), x86asm.RDX, x86asm.DIB)
	builder.add("bsr", x86asm.BSR, BsrRegReg(Reg64(RAX), Reg64(RDI)), x86asm.RAX, x86asm.RDI)
	builder.add("bswap32", x86asm.BSWAP, Bswap(Reg32(RAX)), x86asm.EAX)
	builder.add("bswap64", x86asm.BSWAP, Bswap(Reg64(R10)), x86asm.R10)
	builder.add("push", x86asm.PUSH, Push(Reg64(R15)), x86asm.R15)
	builder.add("pop", x86asm.POP, Pop(Reg64(RBX)), x86asm.RBX)

	builder.add("movdqu_load", x86asm.MOVDQU, MovdquLoad(XMM(2), Mem(Reg64(R15)).WithDisp(0x100)), x86asm.X2, mem(x86asm.R15, 0x100))
	builder.add("movdqu_store", x86asm.MOVDQU, MovdquStore(Mem(Reg64(RSP)).WithDisp(16), XMM(9)), mem(x86asm.RSP, 16), x86asm.X9)
	builder.add("movdqa", x86asm.MOVDQA, MovdqaReg(XMM(1), XMM(14)), x86asm.X1, x86asm.X14)
	builder.add("movq_to_xmm", x86asm.MOVQ, MovqToXmm(XMM(0), Reg64(RAX)), x86asm.X0, x86asm.RAX)
	builder.add("movq_from_xmm", x86asm.MOVQ, MovqFromXmm(Reg64(RDX), XMM(11)), x86asm.RDX, x86asm.X11)
	builder.add("movq_xmm", x86asm.MOVQ, MovqXmm(XMM(3), XMM(4)), x86asm.X3, x86asm.X4)
	builder.add("paddd", x86asm.PADDD, Padd(4, XMM(2), XMM(10)), x86asm.X2, x86asm.X10)
	builder.add("paddb", x86asm.PADDB, Padd(1, XMM(2), XMM(3)), x86asm.X2, x86asm.X3)
	builder.add("psubq", x86asm.PSUBQ, Psub(8, XMM(5), XMM(6)), x86asm.X5, x86asm.X6)
	builder.add("psubw", x86asm.PSUBW, Psub(2, XMM(5), XMM(6)), x86asm.X5, x86asm.X6)
	builder.add("pand", x86asm.PAND, Pand(XMM(0), XMM(1)), x86asm.X0, x86asm.X1)
	builder.add("pandn", x86asm.PANDN, Pandn(XMM(8), XMM(1)), x86asm.X8, x86asm.X1)
	builder.add("por", x86asm.POR, Por(XMM(0), XMM(15)), x86asm.X0, x86asm.X15)
	builder.add("pxor", x86asm.PXOR, Pxor(XMM(7), XMM(7)), x86asm.X7, x86asm.X7)

	builder.add("mov_symbol", x86asm.MOV, MovSymbol(Reg64(RAX), asm.Symbol{Kind: asm.SymbolHelper, ID: 1}), x86asm.RAX, x86asm.Imm(0))

	for _, j := range []struct {
		name string
		cond Cond
		op   x86asm.Op
	}{
		{"jne", CondNE, x86asm.JNE},
		{"jae", CondAE, x86asm.JAE},
		{"jbe", CondBE, x86asm.JBE},
		{"je", CondE, x86asm.JE},
		{"jl", CondL, x86asm.JL},
		{"ja", CondA, x86asm.JA},
		{"jg", CondG, x86asm.JG},
		{"js", CondS, x86asm.JS},
	} {
		label := asm.Label("label_" + j.name)
		builder.add(j.name, j.op, JumpIf(j.cond, label), x86asm.Rel(0))
		builder.append(asm.MarkLabel(label))
	}
	builder.add("jmp", x86asm.JMP, Jump("label_jmp"), x86asm.Rel(0))
	builder.append(asm.MarkLabel("label_jmp"))

	builder.add("ret", x86asm.RET, Ret())

	return builder.fragment(), builder.expectations
}

func TestJumpDisplacements(t *testing.T) {
	prog, err := EmitProgram(asm.Group{
		asm.MarkLabel("top"),
		AddRegImm(Reg64(RAX), 1),
		JumpIf(CondNE, "top"),
		Jump("end"),
		AddRegImm(Reg64(RAX), 2),
		asm.MarkLabel("end"),
		Ret(),
	})
	if err != nil {
		t.Fatal(err)
	}
	code := prog.Bytes()
	// add rax, 1 is 4 bytes; jne rel32 is 6 bytes ending at 10.
	if rel := int32(binary.LittleEndian.Uint32(code[6:])); rel != -10 {
		t.Fatalf("jne displacement = %d, want -10", rel)
	}
	// jmp rel32 ends at 15 and skips the 4 byte add.
	if rel := int32(binary.LittleEndian.Uint32(code[11:])); rel != 4 {
		t.Fatalf("jmp displacement = %d, want 4", rel)
	}
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := EmitProgram(Jump("nowhere")); err == nil {
		t.Fatal("expected an error for an undefined label")
	}
	if _, err := EmitProgram(asm.Group{asm.MarkLabel("x"), asm.MarkLabel("x")}); err == nil {
		t.Fatal("expected an error for a duplicate label")
	}
}

func TestRelocations(t *testing.T) {
	helper := asm.Symbol{Kind: asm.SymbolHelper, ID: 3}
	prog, err := EmitProgram(asm.Group{
		Push(Reg64(RBX)),
		MovSymbol(Reg64(RAX), helper),
		CallReg(Reg64(RAX)),
		Pop(Reg64(RBX)),
		Ret(),
	})
	if err != nil {
		t.Fatal(err)
	}
	relocs := prog.Relocations()
	if len(relocs) != 1 || relocs[0].Offset != 3 || relocs[0].Symbol != helper {
		t.Fatalf("relocations = %+v, want one at offset 3 for %s", relocs, helper)
	}

	code, err := prog.Relocate(func(s asm.Symbol) (uintptr, error) {
		if s != helper {
			return 0, errors.New("unknown symbol")
		}
		return 0xdeadbeef12345678, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := testutil.Disassemble(t, code)
	if got := lines[1].Inst.Args[1]; got != x86asm.Imm(0xdeadbeef12345678-(1<<64)) {
		t.Fatalf("relocated immediate = %v", got)
	}

	if _, err := prog.Relocate(func(asm.Symbol) (uintptr, error) { return 0, errors.New("missing") }); err == nil {
		t.Fatal("expected lookup failure to propagate")
	}
}

func TestEncoderRejectsBadOperands(t *testing.T) {
	bad := []asm.Fragment{
		MovReg(Reg64(RAX), Reg32(RCX)),
		Setcc(CondE, Reg32(RAX)),
		Push(Reg32(RAX)),
		Cmovcc(CondE, Reg8(RAX), Reg8(RCX)),
		MovFromMemory(Reg64(RAX), MemIndex(Reg64(RAX), Reg64(RSP), 1)),
		MovdquLoad(XMM(16), Mem(Reg64(RAX))),
		ShlRegImm(Reg64(RAX), 0),
		MovSymbol(Reg32(RAX), asm.Symbol{Kind: asm.SymbolHelper}),
	}
	for i, frag := range bad {
		if _, err := EmitProgram(frag); err == nil {
			t.Fatalf("fragment %d: expected an encoding error", i)
		}
	}
}
