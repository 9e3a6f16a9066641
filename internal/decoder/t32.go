package decoder

func buildT32Table() table {
	return table{
		{0xf800, 0x0000, decodeT32ShiftImm(InstT32LslImm)},
		{0xf800, 0x0800, decodeT32ShiftImm(InstT32LsrImm)},
		{0xf800, 0x1000, decodeT32ShiftImm(InstT32AsrImm)},
		{0xfe00, 0x1800, decodeT32AddSub3(InstT32AddsReg, false)},
		{0xfe00, 0x1a00, decodeT32AddSub3(InstT32SubsReg, false)},
		{0xfe00, 0x1c00, decodeT32AddSub3(InstT32AddsImm, true)},
		{0xfe00, 0x1e00, decodeT32AddSub3(InstT32SubsImm, true)},
		{0xf800, 0x2000, decodeT32Imm8(InstT32MovsImm)},
		{0xf800, 0x2800, decodeT32Imm8(InstT32CmpImm)},
		{0xf800, 0x3000, decodeT32Imm8(InstT32AddsImm)},
		{0xf800, 0x3800, decodeT32Imm8(InstT32SubsImm)},
		{0xfc00, 0x4000, decodeT32DataProc},
		{0xfc00, 0x4400, decodeT32Special},
		{0xf800, 0x6000, decodeT32LoadStore(false, 4)},
		{0xf800, 0x6800, decodeT32LoadStore(true, 4)},
		{0xf800, 0x7000, decodeT32LoadStore(false, 1)},
		{0xf800, 0x7800, decodeT32LoadStore(true, 1)},
		{0xff00, 0xbe00, decodeT32Breakpoint},
		{0xff00, 0xbf00, decodeT32IfThen},
		{0xf000, 0xd000, decodeT32BranchCond},
		{0xf800, 0xe000, decodeT32Branch},
	}
}

func buildT32WideTable() table {
	return table{
		{0xf800d000, 0xf000d000, decodeT32BranchLink},
	}
}

func decodeT32ShiftImm(name InstName) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.SetFlags = true
		op.RegisterSize = 32
		op.Rd = uint8(bits(w, 2, 0))
		op.Rm = uint8(bits(w, 5, 3))
		amount := bits(w, 10, 6)
		if amount == 0 && name != InstT32LslImm {
			amount = 32
		}
		op.Immediate = int64(amount)
		return true
	}
}

func decodeT32AddSub3(name InstName, immediate bool) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.SetFlags = true
		op.RegisterSize = 32
		op.Rd = uint8(bits(w, 2, 0))
		op.Rn = uint8(bits(w, 5, 3))
		if immediate {
			op.Immediate = int64(bits(w, 8, 6))
		} else {
			op.Rm = uint8(bits(w, 8, 6))
		}
		return true
	}
}

func decodeT32Imm8(name InstName) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.SetFlags = true
		op.RegisterSize = 32
		op.Rd = uint8(bits(w, 10, 8))
		op.Rn = op.Rd
		op.Immediate = int64(bits(w, 7, 0))
		return true
	}
}

var t32DataProcNames = [16]InstName{
	0x0: InstT32And,
	0x1: InstT32Eor,
	0x8: InstT32Tst,
	0x9: InstT32Rsb,
	0xa: InstT32CmpReg,
	0xb: InstT32Cmn,
	0xc: InstT32Orr,
	0xd: InstT32Mul,
	0xe: InstT32Bic,
	0xf: InstT32Mvn,
}

func decodeT32DataProc(op *Opcode, w uint32) bool {
	name := t32DataProcNames[bits(w, 9, 6)]
	if name == InstUndefined {
		return false
	}
	op.Name = name
	op.SetFlags = true
	op.RegisterSize = 32
	op.Rd = uint8(bits(w, 2, 0))
	op.Rn = op.Rd
	op.Rm = uint8(bits(w, 5, 3))
	return true
}

func decodeT32Special(op *Opcode, w uint32) bool {
	rdn := uint8(bits(w, 7, 7)<<3 | bits(w, 2, 0))
	rm := uint8(bits(w, 6, 3))
	op.RegisterSize = 32

	switch bits(w, 9, 8) {
	case 0:
		if rdn == 15 || rm == 15 {
			return false
		}
		op.Name = InstT32AddHigh
	case 1:
		if rdn == 15 || rm == 15 || (rdn < 8 && rm < 8) {
			return false
		}
		op.Name = InstT32CmpHigh
		op.SetFlags = true
	case 2:
		if rdn == 15 || rm == 15 {
			return false
		}
		op.Name = InstT32MovHigh
	default:
		if bits(w, 2, 0) != 0 || rm == 15 {
			return false
		}
		op.Name = InstT32Bx
		if bit(w, 7) {
			op.Name = InstT32Blx
		}
		op.Rm = rm
		return true
	}
	op.Rd = rdn
	op.Rn = rdn
	op.Rm = rm
	return true
}

func decodeT32LoadStore(load bool, size uint8) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = InstT32Str
		if load {
			op.Name = InstT32Ldr
		}
		op.Load = load
		op.Add = true
		op.AccessSize = size
		op.RegisterSize = 32
		op.Rt = uint8(bits(w, 2, 0))
		op.Rn = uint8(bits(w, 5, 3))
		op.Immediate = int64(bits(w, 10, 6)) * int64(size)
		return true
	}
}

func decodeT32Breakpoint(op *Opcode, w uint32) bool {
	op.Name = InstT32Bkpt
	op.Immediate = int64(bits(w, 7, 0))
	return true
}

// decodeT32IfThen decodes IT and, when the mask is zero, the hint space
// that shares its encoding.
func decodeT32IfThen(op *Opcode, w uint32) bool {
	mask := bits(w, 3, 0)
	first := bits(w, 7, 4)
	if mask == 0 {
		op.Name = InstT32Nop
		op.Immediate = int64(first)
		return true
	}
	if first == 0xf || (first == 0xe && mask != 0x8) {
		return false
	}
	op.Name = InstT32It
	op.Cond = Cond(first)
	op.Immediate = int64(first)
	op.Immediate2 = int64(mask)
	return true
}

func decodeT32BranchCond(op *Opcode, w uint32) bool {
	cond := bits(w, 11, 8)
	switch cond {
	case 0xe:
		op.Name = InstT32Udf
		op.Immediate = int64(bits(w, 7, 0))
	case 0xf:
		op.Name = InstT32Svc
		op.Immediate = int64(bits(w, 7, 0))
	default:
		op.Name = InstT32BCond
		op.Cond = Cond(cond)
		op.Immediate = signExtend(uint64(bits(w, 7, 0)), 8) * 2
	}
	return true
}

func decodeT32Branch(op *Opcode, w uint32) bool {
	op.Name = InstT32B
	op.Immediate = signExtend(uint64(bits(w, 10, 0)), 11) * 2
	return true
}

func decodeT32BranchLink(op *Opcode, w uint32) bool {
	s := bits(w, 26, 26)
	j1 := bits(w, 13, 13)
	j2 := bits(w, 11, 11)
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	imm := s<<24 | i1<<23 | i2<<22 | bits(w, 25, 16)<<12 | bits(w, 10, 0)<<1
	op.Name = InstT32Bl
	op.Immediate = signExtend(uint64(imm), 25)
	return true
}
