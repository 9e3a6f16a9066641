package decoder

import (
	"math/rand"
	"testing"

	"github.com/tinyrange/dbt/internal/guest"
)

func TestDecodeA64(t *testing.T) {
	tests := []struct {
		name  string
		word  uint32
		check func(op Opcode) bool
	}{
		{"add imm", 0x91001020, func(op Opcode) bool {
			return op.Name == InstAddImm && op.Rd == 0 && op.Rn == 1 && op.Immediate == 4 && op.RegisterSize == 64
		}},
		{"subs reg", 0xeb020020, func(op Opcode) bool {
			return op.Name == InstSubsReg && op.SetFlags && op.Rn == 1 && op.Rm == 2
		}},
		{"cmp imm", 0xf100281f, func(op Opcode) bool {
			return op.Name == InstSubsImm && op.Rd == 31 && op.Immediate == 10
		}},
		{"b.eq", 0x54000040, func(op Opcode) bool {
			target, _ := op.BranchTarget()
			return op.Name == InstBCond && op.Cond == CondEQ && target == 0x1008
		}},
		{"b.ne backwards", 0x54ffffc1, func(op Opcode) bool {
			target, _ := op.BranchTarget()
			return op.Name == InstBCond && op.Cond == CondNE && target == 0x0ff8
		}},
		{"movz lsl 16", 0xd2a24680, func(op Opcode) bool {
			return op.Name == InstMovz && op.Immediate == 0x1234 && op.ShiftAmount == 16
		}},
		{"and imm", 0x92401c20, func(op Opcode) bool {
			return op.Name == InstAndImm && op.Immediate == 0xff
		}},
		{"orr imm pattern", 0xb200f3e0, func(op Opcode) bool {
			return op.Name == InstOrrImm && uint64(op.Immediate) == 0x5555555555555555
		}},
		{"vector add 2d", 0x4ee28420, func(op Opcode) bool {
			return op.Name == InstVAdd && op.Q && op.VectorSize == 3 && op.Rm == 2
		}},
		{"ldr post-index", 0xf8408401, func(op Opcode) bool {
			return op.Name == InstLdr && op.PostIndex && op.WriteBack && op.Immediate == 8 && op.AccessSize == 8
		}},
		{"str w unsigned", 0xb9000462, func(op Opcode) bool {
			return op.Name == InstStr && op.Immediate == 4 && op.AccessSize == 4 && op.Rn == 3 && op.Rt == 2
		}},
		{"ldr q", 0x3dc00420, func(op Opcode) bool {
			return op.Name == InstLdr && op.Vector && op.AccessSize == 16 && op.Immediate == 16
		}},
		{"nop", 0xd503201f, func(op Opcode) bool { return op.Name == InstNop }},
		{"ret", 0xd65f03c0, func(op Opcode) bool { return op.Name == InstRet && op.Rn == 30 }},
		{"svc", 0xd4000021, func(op Opcode) bool { return op.Name == InstSvc && op.Immediate == 1 }},
		{"csinc", 0x9a9f17e0, func(op Opcode) bool {
			return op.Name == InstCsinc && op.Cond == CondNE && op.Rn == 31 && op.Rm == 31
		}},
		{"udiv", 0x9ac20820, func(op Opcode) bool { return op.Name == InstUdiv }},
		{"clz", 0xdac01020, func(op Opcode) bool { return op.Name == InstClz }},
		{"madd", 0x9b020c20, func(op Opcode) bool { return op.Name == InstMadd && op.Ra == 3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := Decode(tt.word, 0x1000, guest.ModeA64)
			if !tt.check(op) {
				t.Fatalf("Decode(0x%08x) = %+v", tt.word, op)
			}
		})
	}
}

func TestDecodeA64Undefined(t *testing.T) {
	tests := []struct {
		name string
		word uint32
	}{
		{"zero", 0x00000000},
		{"all ones", 0xffffffff},
		{"logical imm N=1 on 32-bit", 0x12400020},
		{"vector add 1d", 0x0ee28420},
		{"writeback rt==rn", 0xf8408400},
		{"add shifted ror", 0x8bc20020},
		{"movz 32-bit hw=2", 0x52c00000},
		{"signed load", 0xf9800020},
	}
	for _, tt := range tests {
		op := Decode(tt.word, 0x2000, guest.ModeA64)
		if !op.IsUndefined() {
			t.Fatalf("%s: Decode(0x%08x) = %v, want undefined", tt.name, tt.word, op.Name)
		}
		if op.Address != 0x2000 || op.RawOpCode != tt.word {
			t.Fatalf("%s: undefined opcode lost address or encoding: %+v", tt.name, op)
		}
	}

	// Writeback through the stack pointer alias is allowed.
	if op := Decode(0xf84087ff, 0, guest.ModeA64); op.IsUndefined() {
		t.Fatalf("writeback with rn=31 decoded as undefined")
	}
}

func TestDecodeT32(t *testing.T) {
	tests := []struct {
		name  string
		word  uint32
		check func(op Opcode) bool
	}{
		{"movs", 0x2005, func(op Opcode) bool {
			return op.Name == InstT32MovsImm && op.Size == 2 && op.Immediate == 5
		}},
		{"adds reg", 0x1888, func(op Opcode) bool {
			return op.Name == InstT32AddsReg && op.Rd == 0 && op.Rn == 1 && op.Rm == 2
		}},
		{"cmp imm", 0x2a03, func(op Opcode) bool { return op.Name == InstT32CmpImm && op.Rn == 2 && op.Immediate == 3 }},
		{"lsrs #32", 0x0808, func(op Opcode) bool { return op.Name == InstT32LsrImm && op.Immediate == 32 }},
		{"it eq", 0xbf08, func(op Opcode) bool {
			return op.Name == InstT32It && op.Cond == CondEQ && op.Immediate2 == 0x8
		}},
		{"ite ne", 0xbf14, func(op Opcode) bool {
			return op.Name == InstT32It && op.Cond == CondNE && op.Immediate2 == 0x4
		}},
		{"nop", 0xbf00, func(op Opcode) bool { return op.Name == InstT32Nop }},
		{"bx lr", 0x4770, func(op Opcode) bool { return op.Name == InstT32Bx && op.Rm == 14 }},
		{"mov high", 0x46c0, func(op Opcode) bool { return op.Name == InstT32MovHigh && op.Rd == 8 && op.Rm == 8 }},
		{"ldr imm", 0x6848, func(op Opcode) bool {
			return op.Name == InstT32Ldr && op.Rt == 0 && op.Rn == 1 && op.Immediate == 4
		}},
		{"bne", 0xd1fc, func(op Opcode) bool {
			target, _ := op.BranchTarget()
			return op.Name == InstT32BCond && op.Cond == CondNE && target == 0x1000-4
		}},
		{"svc", 0xdf01, func(op Opcode) bool { return op.Name == InstT32Svc && op.Immediate == 1 }},
		{"bl", 0xf800f000, func(op Opcode) bool {
			target, _ := op.BranchTarget()
			return op.Name == InstT32Bl && op.Size == 4 && target == 0x1004
		}},
		{"bl backwards", 0xfffef7ff, func(op Opcode) bool {
			target, _ := op.BranchTarget()
			return op.Name == InstT32Bl && target == 0x1000
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := Decode(tt.word, 0x1000, guest.ModeT32)
			if !tt.check(op) {
				t.Fatalf("Decode(0x%08x) = %+v", tt.word, op)
			}
		})
	}
}

func TestDecodeT32Undefined(t *testing.T) {
	for _, word := range []uint32{
		0xbff8,     // IT with firstcond 1111
		0xbfe4,     // IT AL covering more than one instruction
		0x4508,     // CMP high with two low registers
		0x4087,     // LSL register (unsupported form)
		0xe800e800, // 32-bit encoding other than BL
	} {
		if op := Decode(word, 0, guest.ModeT32); !op.IsUndefined() {
			t.Fatalf("Decode(0x%08x) = %v, want undefined", word, op.Name)
		}
	}
	if op := Decode(0xbfe8, 0, guest.ModeT32); op.Name != InstT32It {
		t.Fatalf("IT AL with a single instruction should decode, got %v", op.Name)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20000; i++ {
		word := rng.Uint32()
		addr := uint64(rng.Intn(1<<20)) &^ 3
		for _, mode := range []guest.ExecutionMode{guest.ModeA64, guest.ModeT32} {
			a := Decode(word, addr, mode)
			b := Decode(word, addr, mode)
			if a != b {
				t.Fatalf("Decode(0x%08x, %s) not deterministic: %+v vs %+v", word, mode, a, b)
			}
		}
	}
}

func TestDecodeBitMasks(t *testing.T) {
	tests := []struct {
		n, imms, immr uint32
		size          uint
		want          uint64
		ok            bool
	}{
		{1, 7, 0, 64, 0xff, true},
		{0, 0x3c, 0, 64, 0x5555555555555555, true},
		{0, 0x3c, 0, 32, 0x55555555, true},
		{1, 0, 1, 64, 0x8000000000000000, true},
		{0, 0x1e, 0x1f, 32, 0xfffffffe, true},
		{1, 0x3f, 0, 64, 0, false},
		{0, 0x3f, 0, 32, 0, false},
	}
	for _, tt := range tests {
		got, ok := decodeBitMasks(tt.n, tt.imms, tt.immr, tt.size)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("decodeBitMasks(%d,%#x,%#x,%d)=%#x,%v want %#x,%v", tt.n, tt.imms, tt.immr, tt.size, got, ok, tt.want, tt.ok)
		}
	}
}

func newCodeMemory(t *testing.T, address uint64, words ...uint32) *guest.Memory {
	t.Helper()
	mem, err := guest.NewMemory(1 << 20)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Map(0, 1<<20); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := guest.WriteWords(mem, address, words...); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	return mem
}

func TestDecodeFunction(t *testing.T) {
	mem := newCodeMemory(t, 0x1000,
		0x91000400, // add x0, x0, #1
		0xf100281f, // cmp x0, #10
		0x54ffffc1, // b.ne 0x1000
		0xd65f03c0, // ret
	)

	low, err := DecodeFunction(mem, 0x1000, guest.ModeA64, false)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	if len(low.Blocks) != 1 || low.InstructionCount() != 3 || low.End != 0x100c {
		t.Fatalf("low quality: blocks=%d insts=%d end=%#x", len(low.Blocks), low.InstructionCount(), low.End)
	}

	high, err := DecodeFunction(mem, 0x1000, guest.ModeA64, true)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	if len(high.Blocks) != 2 {
		t.Fatalf("high quality: got %d blocks, want 2", len(high.Blocks))
	}
	if high.Blocks[0].Address != 0x1000 || high.Blocks[1].Address != 0x100c {
		t.Fatalf("high quality: unexpected block starts %#x, %#x", high.Blocks[0].Address, high.Blocks[1].Address)
	}
	if high.MinAddress != 0x1000 || high.End != 0x1010 {
		t.Fatalf("high quality: range [%#x, %#x)", high.MinAddress, high.End)
	}

	if _, err := DecodeFunction(mem, 0x1002, guest.ModeA64, false); err == nil {
		t.Fatalf("misaligned entry accepted")
	}
}

func TestDecodeFunctionUnmappedEntry(t *testing.T) {
	mem, err := guest.NewMemory(1 << 16)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	fn, err := DecodeFunction(mem, 0x4000, guest.ModeA64, false)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	if fn.InstructionCount() != 1 || !fn.Blocks[0].Opcodes[0].IsUndefined() {
		t.Fatalf("unmapped entry should decode to a single undefined instruction")
	}
}

func TestFunctionChanged(t *testing.T) {
	mem := newCodeMemory(t, 0x1000,
		0xd2800020, // movz x0, #1
		0xd4000001, // svc #0
	)
	fn, err := DecodeFunction(mem, 0x1000, guest.ModeA64, false)
	if err != nil {
		t.Fatalf("DecodeFunction: %v", err)
	}
	if fn.Changed(mem) {
		t.Fatalf("untouched function reported changed")
	}
	if err := guest.WriteWords(mem, 0x1008, 0xd503201f); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	if fn.Changed(mem) {
		t.Fatalf("write past the function reported as a change")
	}
	if err := guest.WriteWords(mem, 0x1000, 0xd2800540); err != nil { // movz x0, #42
		t.Fatalf("WriteWords: %v", err)
	}
	if !fn.Changed(mem) {
		t.Fatalf("rewritten instruction not detected")
	}
}
