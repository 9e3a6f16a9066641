package decoder

func buildA64Table() table {
	return table{
		// Branches, exceptions and hints.
		{0xfc000000, 0x14000000, decodeA64Branch(InstB)},
		{0xfc000000, 0x94000000, decodeA64Branch(InstBl)},
		{0xff000010, 0x54000000, decodeA64BranchCond},
		{0x7e000000, 0x34000000, decodeA64CompareBranch},
		{0xfffffc1f, 0xd61f0000, decodeA64BranchReg(InstBr)},
		{0xfffffc1f, 0xd63f0000, decodeA64BranchReg(InstBlr)},
		{0xfffffc1f, 0xd65f0000, decodeA64BranchReg(InstRet)},
		{0xffe0001f, 0xd4000001, decodeA64Exception(InstSvc)},
		{0xffe0001f, 0xd4200000, decodeA64Exception(InstBrk)},
		{0xfffff01f, 0xd503201f, decodeA64Hint},

		// Data processing (immediate).
		{0x1f000000, 0x10000000, decodeA64PCRel},
		{0x1f800000, 0x11000000, decodeA64AddSubImm},
		{0x1f800000, 0x12000000, decodeA64LogicalImm},
		{0x1f800000, 0x12800000, decodeA64MoveWide},

		// Data processing (register).
		{0x1f000000, 0x0a000000, decodeA64LogicalReg},
		{0x1f200000, 0x0b000000, decodeA64AddSubReg},
		{0x1fe00000, 0x1a800000, decodeA64CondSelect},
		{0x5fe00000, 0x1ac00000, decodeA64DataProc2},
		{0x5fe00000, 0x5ac00000, decodeA64DataProc1},
		{0x1f000000, 0x1b000000, decodeA64DataProc3},

		// Loads and stores.
		{0x3b000000, 0x39000000, decodeA64LoadStoreUnsigned},
		{0x3b200000, 0x38000000, decodeA64LoadStoreImm9},

		// SIMD.
		{0x9f20fc00, 0x0e208400, decodeA64VectorAddSub},
		{0x9f20fc00, 0x0e201c00, decodeA64VectorLogical},
	}
}

func decodeA64Branch(name InstName) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.Immediate = signExtend(uint64(bits(w, 25, 0)), 26) * 4
		op.RegisterSize = 64
		return true
	}
}

func decodeA64BranchCond(op *Opcode, w uint32) bool {
	op.Name = InstBCond
	op.Cond = Cond(bits(w, 3, 0))
	op.Immediate = signExtend(uint64(bits(w, 23, 5)), 19) * 4
	return true
}

func decodeA64CompareBranch(op *Opcode, w uint32) bool {
	op.Name = InstCbz
	if bit(w, 24) {
		op.Name = InstCbnz
	}
	op.RegisterSize = regSize(bit(w, 31))
	op.Rt = uint8(bits(w, 4, 0))
	op.Immediate = signExtend(uint64(bits(w, 23, 5)), 19) * 4
	return true
}

func decodeA64BranchReg(name InstName) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.Rn = uint8(bits(w, 9, 5))
		op.RegisterSize = 64
		return true
	}
}

func decodeA64Exception(name InstName) decodeFunc {
	return func(op *Opcode, w uint32) bool {
		op.Name = name
		op.Immediate = int64(bits(w, 20, 5))
		return true
	}
}

func decodeA64Hint(op *Opcode, w uint32) bool {
	op.Name = InstNop
	op.Immediate = int64(bits(w, 11, 5))
	return true
}

func decodeA64PCRel(op *Opcode, w uint32) bool {
	imm := signExtend(uint64(bits(w, 23, 5)<<2|bits(w, 30, 29)), 21)
	op.Rd = uint8(bits(w, 4, 0))
	op.RegisterSize = 64
	if bit(w, 31) {
		op.Name = InstAdrp
		op.Immediate = imm << 12
	} else {
		op.Name = InstAdr
		op.Immediate = imm
	}
	return true
}

func decodeA64AddSubImm(op *Opcode, w uint32) bool {
	sub, setFlags := bit(w, 30), bit(w, 29)
	switch {
	case !sub && !setFlags:
		op.Name = InstAddImm
	case !sub && setFlags:
		op.Name = InstAddsImm
	case sub && !setFlags:
		op.Name = InstSubImm
	default:
		op.Name = InstSubsImm
	}
	op.RegisterSize = regSize(bit(w, 31))
	op.SetFlags = setFlags
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Immediate = int64(bits(w, 21, 10))
	if bit(w, 22) {
		op.Immediate <<= 12
		op.ShiftAmount = 12
	}
	return true
}

func decodeA64LogicalImm(op *Opcode, w uint32) bool {
	sf := bit(w, 31)
	n := bits(w, 22, 22)
	if !sf && n != 0 {
		return false
	}
	op.RegisterSize = regSize(sf)
	imm, ok := decodeBitMasks(n, bits(w, 15, 10), bits(w, 21, 16), uint(op.RegisterSize))
	if !ok {
		return false
	}
	op.Name = [...]InstName{InstAndImm, InstOrrImm, InstEorImm, InstAndsImm}[bits(w, 30, 29)]
	op.SetFlags = op.Name == InstAndsImm
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Immediate = int64(imm)
	return true
}

func decodeA64MoveWide(op *Opcode, w uint32) bool {
	sf := bit(w, 31)
	hw := bits(w, 22, 21)
	if !sf && hw >= 2 {
		return false
	}
	switch bits(w, 30, 29) {
	case 0:
		op.Name = InstMovn
	case 2:
		op.Name = InstMovz
	case 3:
		op.Name = InstMovk
	default:
		return false
	}
	op.RegisterSize = regSize(sf)
	op.Rd = uint8(bits(w, 4, 0))
	op.Immediate = int64(bits(w, 20, 5))
	op.ShiftAmount = uint8(hw * 16)
	return true
}

func decodeA64LogicalReg(op *Opcode, w uint32) bool {
	sf := bit(w, 31)
	amount := bits(w, 15, 10)
	if !sf && amount >= 32 {
		return false
	}
	op.Name = [...]InstName{InstAndReg, InstOrrReg, InstEorReg, InstAndsReg}[bits(w, 30, 29)]
	op.SetFlags = op.Name == InstAndsReg
	op.RegisterSize = regSize(sf)
	op.Shift = ShiftType(bits(w, 23, 22))
	op.InvertRm = bit(w, 21)
	op.ShiftAmount = uint8(amount)
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

func decodeA64AddSubReg(op *Opcode, w uint32) bool {
	sf := bit(w, 31)
	shift := bits(w, 23, 22)
	amount := bits(w, 15, 10)
	if shift == 3 || (!sf && amount >= 32) {
		return false
	}
	sub, setFlags := bit(w, 30), bit(w, 29)
	switch {
	case !sub && !setFlags:
		op.Name = InstAddReg
	case !sub && setFlags:
		op.Name = InstAddsReg
	case sub && !setFlags:
		op.Name = InstSubReg
	default:
		op.Name = InstSubsReg
	}
	op.SetFlags = setFlags
	op.RegisterSize = regSize(sf)
	op.Shift = ShiftType(shift)
	op.ShiftAmount = uint8(amount)
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

func decodeA64CondSelect(op *Opcode, w uint32) bool {
	if bit(w, 29) {
		return false
	}
	op2 := bits(w, 11, 10)
	if op2 > 1 {
		return false
	}
	switch {
	case !bit(w, 30) && op2 == 0:
		op.Name = InstCsel
	case !bit(w, 30):
		op.Name = InstCsinc
	case op2 == 0:
		op.Name = InstCsinv
	default:
		op.Name = InstCsneg
	}
	op.RegisterSize = regSize(bit(w, 31))
	op.Cond = Cond(bits(w, 15, 12))
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

func decodeA64DataProc2(op *Opcode, w uint32) bool {
	if bit(w, 29) {
		return false
	}
	switch bits(w, 15, 10) {
	case 0x02:
		op.Name = InstUdiv
	case 0x03:
		op.Name = InstSdiv
	case 0x08:
		op.Name = InstLslv
	case 0x09:
		op.Name = InstLsrv
	case 0x0a:
		op.Name = InstAsrv
	case 0x0b:
		op.Name = InstRorv
	default:
		return false
	}
	op.RegisterSize = regSize(bit(w, 31))
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

func decodeA64DataProc1(op *Opcode, w uint32) bool {
	if bit(w, 29) || bits(w, 20, 16) != 0 {
		return false
	}
	sf := bit(w, 31)
	switch opc := bits(w, 15, 10); {
	case opc == 0x00:
		op.Name = InstRbit
	case opc == 0x02 && !sf, opc == 0x03 && sf:
		op.Name = InstRev
	case opc == 0x04:
		op.Name = InstClz
	default:
		return false
	}
	op.RegisterSize = regSize(sf)
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	return true
}

func decodeA64DataProc3(op *Opcode, w uint32) bool {
	if bits(w, 30, 29) != 0 || bits(w, 23, 21) != 0 {
		return false
	}
	op.Name = InstMadd
	if bit(w, 15) {
		op.Name = InstMsub
	}
	op.RegisterSize = regSize(bit(w, 31))
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Ra = uint8(bits(w, 14, 10))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

// decodeA64LoadStoreKind validates size, V and opc and sets the access
// fields shared by every load/store addressing mode. It returns the scale
// used by the unsigned-offset form.
func decodeA64LoadStoreKind(op *Opcode, w uint32) (uint, bool) {
	size := bits(w, 31, 30)
	opc := bits(w, 23, 22)
	op.Rt = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Add = true

	if bit(w, 26) {
		if size != 0 || opc < 2 {
			return 0, false
		}
		op.Vector = true
		op.AccessSize = 16
		op.Load = opc == 3
	} else {
		if opc > 1 {
			return 0, false
		}
		op.AccessSize = 1 << size
		op.Load = opc == 1
	}

	op.Name = InstStr
	if op.Load {
		op.Name = InstLdr
	}
	op.RegisterSize = 32
	if op.AccessSize >= 8 {
		op.RegisterSize = 64
	}

	switch op.AccessSize {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	case 8:
		return 3, true
	default:
		return 4, true
	}
}

func decodeA64LoadStoreUnsigned(op *Opcode, w uint32) bool {
	scale, ok := decodeA64LoadStoreKind(op, w)
	if !ok {
		return false
	}
	op.Immediate = int64(bits(w, 21, 10)) << scale
	return true
}

func decodeA64LoadStoreImm9(op *Opcode, w uint32) bool {
	if _, ok := decodeA64LoadStoreKind(op, w); !ok {
		return false
	}
	imm := signExtend(uint64(bits(w, 20, 12)), 9)
	op.Immediate = imm
	if imm < 0 {
		op.Add = false
	}
	switch bits(w, 11, 10) {
	case 0:
		op.Unscaled = true
	case 1:
		op.WriteBack = true
		op.PostIndex = true
	case 3:
		op.WriteBack = true
	default:
		return false
	}
	if op.WriteBack && !op.Vector && op.Rt == op.Rn && op.Rn != 31 {
		return false
	}
	return true
}

func decodeA64VectorAddSub(op *Opcode, w uint32) bool {
	size := bits(w, 23, 22)
	q := bit(w, 30)
	if size == 3 && !q {
		return false
	}
	op.Name = InstVAdd
	if bit(w, 29) {
		op.Name = InstVSub
	}
	op.VectorSize = uint8(size)
	op.Q = q
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}

func decodeA64VectorLogical(op *Opcode, w uint32) bool {
	size := bits(w, 23, 22)
	if bit(w, 29) {
		if size != 0 {
			return false
		}
		op.Name = InstVEor
	} else {
		switch size {
		case 0:
			op.Name = InstVAnd
		case 1:
			op.Name = InstVBic
		case 2:
			op.Name = InstVOrr
		default:
			return false
		}
	}
	op.Q = bit(w, 30)
	op.Rd = uint8(bits(w, 4, 0))
	op.Rn = uint8(bits(w, 9, 5))
	op.Rm = uint8(bits(w, 20, 16))
	return true
}
