package decoder

import mathbits "math/bits"

// decodeBitMasks expands the N:immr:imms encoding of a logical immediate.
func decodeBitMasks(n, imms, immr uint32, size uint) (uint64, bool) {
	combined := n<<6 | (^imms & 0x3f)
	if combined == 0 {
		return 0, false
	}
	length := mathbits.Len32(combined) - 1
	if length < 1 {
		return 0, false
	}
	esize := uint(1) << length
	if esize > size {
		return 0, false
	}

	levels := uint32(esize - 1)
	s := imms & levels
	r := uint(immr & levels)
	if s == levels {
		return 0, false
	}

	elem := uint64(1)<<(s+1) - 1
	if r != 0 {
		elem = elem>>r | elem<<(esize-r)
	}
	if esize < 64 {
		elem &= uint64(1)<<esize - 1
	}

	result := elem
	for e := esize; e < size; e *= 2 {
		result |= result << e
	}
	if size == 32 {
		result &= 0xffffffff
	}
	return result, true
}
