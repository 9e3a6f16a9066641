package decoder

import (
	"github.com/tinyrange/dbt/internal/guest"
)

// decodeFunc fills in the operand fields for an encoding that matched a
// pattern. It returns false when the operands are invalid, which makes the
// whole instruction undefined.
type decodeFunc func(op *Opcode, w uint32) bool

type pattern struct {
	mask  uint32
	value uint32
	fn    decodeFunc
}

type table []pattern

func (t table) decode(op *Opcode, w uint32) bool {
	for _, p := range t {
		if w&p.mask == p.value {
			return p.fn(op, w)
		}
	}
	return false
}

var (
	a64Table     = buildA64Table()
	t32Table     = buildT32Table()
	t32WideTable = buildT32WideTable()
)

// Decode decodes a single instruction. For T32 the low halfword of word is
// the first halfword in memory and the high halfword is the one following
// it; it is only consulted for 32-bit encodings.
//
// Decode never fails: encodings that are unknown or carry invalid operands
// come back with Name set to InstUndefined.
func Decode(word uint32, address uint64, mode guest.ExecutionMode) Opcode {
	op := Opcode{
		Address:   address,
		RawOpCode: word,
		Mode:      mode,
		Size:      4,
		Cond:      CondAL,
	}

	var ok bool
	switch mode {
	case guest.ModeA64:
		ok = a64Table.decode(&op, word)
	case guest.ModeT32:
		hw := uint16(word)
		if IsT32Wide(hw) {
			w := uint32(hw)<<16 | word>>16
			op.RawOpCode = w
			ok = t32WideTable.decode(&op, w)
		} else {
			op.Size = 2
			op.RawOpCode = uint32(hw)
			ok = t32Table.decode(&op, uint32(hw))
		}
	}

	if !ok {
		return Opcode{
			Name:      InstUndefined,
			Address:   address,
			RawOpCode: op.RawOpCode,
			Mode:      mode,
			Size:      op.Size,
			Cond:      CondAL,
		}
	}
	return op
}

// IsT32Wide reports whether a T32 halfword starts a 32-bit encoding.
func IsT32Wide(hw uint16) bool {
	switch hw >> 11 {
	case 0x1d, 0x1e, 0x1f:
		return true
	}
	return false
}

func bits(w uint32, hi, lo uint) uint32 {
	return (w >> lo) & (1<<(hi-lo+1) - 1)
}

func bit(w uint32, n uint) bool {
	return (w>>n)&1 != 0
}

func signExtend(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func regSize(sf bool) uint8 {
	if sf {
		return 64
	}
	return 32
}
