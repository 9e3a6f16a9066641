package emitter

import "github.com/tinyrange/dbt/internal/decoder"

// SetIfThenBlockState starts an IT block. The state packs the first
// condition above the four mask bits, as ITSTATE does.
func (c *Context) SetIfThenBlockState(firstCond decoder.Cond, mask uint8) {
	c.itState = uint8(firstCond)<<4 | mask&0xf
}

// IsInIfThenBlock reports whether the next instruction is predicated.
func (c *Context) IsInIfThenBlock() bool {
	return c.itState&0xf != 0
}

// CurrentIfThenBlockCond returns the condition of the next instruction in
// the IT block.
func (c *Context) CurrentIfThenBlockCond() decoder.Cond {
	return decoder.Cond(c.itState >> 4)
}

// AdvanceIfThenBlockState moves to the next instruction of the IT block.
func (c *Context) AdvanceIfThenBlockState() {
	if c.itState&0x7 == 0 {
		c.itState = 0
		return
	}
	c.itState = c.itState&0xe0 | (c.itState<<1)&0x1f
}

// ResetIfThenBlockState abandons any IT block in progress.
func (c *Context) ResetIfThenBlockState() {
	c.itState = 0
}

// setsFlags reports whether a 16-bit S-form instruction writes the flags.
// Inside an IT block they do not.
func (c *Context) setsFlags() bool {
	return !c.inIfThen
}
