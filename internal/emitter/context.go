package emitter

import (
	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
)

// Context lowers guest instructions into an IR function. It tracks the block
// being filled, one label per guest address, the comparison the last
// flag-setting instruction performed and the IT block state.
type Context struct {
	fn     *ir.Function
	block  *ir.Block
	labels map[uint64]*ir.Block
	placed map[*ir.Block]bool
	mode   guest.ExecutionMode

	opcode *decoder.Opcode

	lastCompare *decoder.Opcode
	lastFlagSet *decoder.Opcode
	cmpN, cmpM  *ir.Operand
	cmpKind     ComparisonKind

	itState uint8
	// inIfThen is set while the current opcode is predicated by an IT block.
	inIfThen bool

	// stores made by the current instruction, checked against code pages
	// once it is complete.
	stores []pendingStore
}

type pendingStore struct {
	address *ir.Operand
	size    int
}

// NewContext creates a context for a function translated in mode.
func NewContext(mode guest.ExecutionMode) *Context {
	fn := ir.NewFunction()
	return &Context{
		fn:     fn,
		block:  fn.Entry,
		labels: make(map[uint64]*ir.Block),
		placed: map[*ir.Block]bool{fn.Entry: true},
		mode:   mode,
	}
}

func (c *Context) Function() *ir.Function         { return c.fn }
func (c *Context) Mode() guest.ExecutionMode      { return c.mode }
func (c *Context) CurrentBlock() *ir.Block        { return c.block }
func (c *Context) CurrentOpcode() *decoder.Opcode { return c.opcode }

// SetOpcode makes op the instruction subsequent builders are emitted for.
func (c *Context) SetOpcode(op *decoder.Opcode) { c.opcode = op }

// GetLabel returns the block for a guest address, creating it on first use.
func (c *Context) GetLabel(address uint64) *ir.Block {
	if b, ok := c.labels[address]; ok {
		return b
	}
	b := c.fn.NewBlock()
	b.Address = address
	c.labels[address] = b
	return b
}

// HasLabel reports whether a label for address exists and has not been
// placed yet.
func (c *Context) HasLabel(address uint64) bool {
	b, ok := c.labels[address]
	return ok && !c.placed[b]
}

// MarkLabel places the label for address at the current position. An open
// block falls through into it. Comparison state does not survive a label
// since the block may be entered from elsewhere.
func (c *Context) MarkLabel(address uint64) {
	b := c.GetLabel(address)
	if c.isOpen() {
		c.block.Next = b
	}
	c.placed[b] = true
	c.block = b
	c.ResetComparison()
}

func (c *Context) isOpen() bool {
	return c.block.Terminator() == nil && c.block.Next == nil
}

// IsOpen reports whether control can reach the end of the current block.
func (c *Context) IsOpen() bool { return c.isOpen() }

func (c *Context) startBlock(address uint64) {
	b := c.fn.NewBlock()
	b.Address = address
	c.placed[b] = true
	c.block = b
}

func (c *Context) nextAddress() uint64 {
	if c.opcode == nil {
		return 0
	}
	return c.opcode.NextAddress()
}

func (c *Context) emit(op *ir.Operation) *ir.Operation {
	return c.block.Append(op)
}

// Finish closes the function. Labels that were never placed become exits to
// their guest address.
func (c *Context) Finish() *ir.Function {
	for _, b := range c.fn.Blocks {
		if b.Terminator() == nil && b.Next == nil {
			b.Append(&ir.Operation{Inst: ir.Return, Sources: []*ir.Operand{ir.Const64(b.Address)}})
		}
	}
	c.fn.RecomputePredecessors()
	return c.fn
}

// Branch continues at target.
func (c *Context) Branch(target *ir.Block) {
	c.block.Next = target
	c.startBlock(c.nextAddress())
}

// BranchIf continues at target when cmp holds for a and b and falls through
// otherwise.
func (c *Context) BranchIf(cmp ir.Comparison, a, b *ir.Operand, target *ir.Block) {
	c.emit(&ir.Operation{Inst: ir.BranchIf, Aux: int64(cmp), Sources: []*ir.Operand{a, b}})
	c.block.Branch = target
	from := c.block
	c.startBlock(c.nextAddress())
	from.Next = c.block
}

// Return leaves translated code with pc as the next guest address.
func (c *Context) Return(pc *ir.Operand) {
	c.emit(&ir.Operation{Inst: ir.Return, Sources: []*ir.Operand{pc}})
	c.startBlock(c.nextAddress())
}

// Exit records why translated code stopped and returns to the dispatcher.
func (c *Context) Exit(reason guest.ExitReason, info uint64, pc uint64) {
	c.StoreContext(guest.OffsetExitReason, ir.Const32(uint32(reason)))
	c.StoreContext(guest.OffsetExitInfo, ir.Const64(info))
	c.Return(ir.Const64(pc))
}

func (c *Context) unary(inst ir.Inst, t ir.Type, a *ir.Operand) *ir.Operand {
	d := c.fn.NewLocal(t)
	c.emit(&ir.Operation{Inst: inst, Dest: d, Sources: []*ir.Operand{a}})
	return d
}

func (c *Context) binary(inst ir.Inst, a, b *ir.Operand) *ir.Operand {
	d := c.fn.NewLocal(a.Type)
	c.emit(&ir.Operation{Inst: inst, Dest: d, Sources: []*ir.Operand{a, b}})
	return d
}

func (c *Context) Copy(a *ir.Operand) *ir.Operand { return c.unary(ir.Copy, a.Type, a) }

func (c *Context) Add(a, b *ir.Operand) *ir.Operand          { return c.binary(ir.Add, a, b) }
func (c *Context) Subtract(a, b *ir.Operand) *ir.Operand     { return c.binary(ir.Subtract, a, b) }
func (c *Context) Multiply(a, b *ir.Operand) *ir.Operand     { return c.binary(ir.Multiply, a, b) }
func (c *Context) Divide(a, b *ir.Operand) *ir.Operand       { return c.binary(ir.Divide, a, b) }
func (c *Context) DivideUI(a, b *ir.Operand) *ir.Operand     { return c.binary(ir.DivideUI, a, b) }
func (c *Context) And(a, b *ir.Operand) *ir.Operand          { return c.binary(ir.BitwiseAnd, a, b) }
func (c *Context) Or(a, b *ir.Operand) *ir.Operand           { return c.binary(ir.BitwiseOr, a, b) }
func (c *Context) Xor(a, b *ir.Operand) *ir.Operand          { return c.binary(ir.BitwiseXor, a, b) }
func (c *Context) ShiftLeft(a, b *ir.Operand) *ir.Operand    { return c.binary(ir.ShiftLeft, a, b) }
func (c *Context) ShiftRightUI(a, b *ir.Operand) *ir.Operand { return c.binary(ir.ShiftRightUI, a, b) }
func (c *Context) ShiftRightSI(a, b *ir.Operand) *ir.Operand { return c.binary(ir.ShiftRightSI, a, b) }
func (c *Context) RotateRight(a, b *ir.Operand) *ir.Operand  { return c.binary(ir.RotateRight, a, b) }

func (c *Context) Not(a *ir.Operand) *ir.Operand      { return c.unary(ir.BitwiseNot, a.Type, a) }
func (c *Context) Negate(a *ir.Operand) *ir.Operand   { return c.unary(ir.Negate, a.Type, a) }
func (c *Context) ByteSwap(a *ir.Operand) *ir.Operand { return c.unary(ir.ByteSwap, a.Type, a) }

// Truncate narrows a 64-bit value to 32 bits.
func (c *Context) Truncate(a *ir.Operand) *ir.Operand {
	if a.Type == ir.I32 {
		return a
	}
	if a.IsConstant() {
		return ir.Const32(uint32(a.Value))
	}
	return c.unary(ir.Truncate, ir.I32, a)
}

// ZeroExtend32 widens a 32-bit value to 64 bits.
func (c *Context) ZeroExtend32(a *ir.Operand) *ir.Operand {
	if a.Type == ir.I64 {
		return a
	}
	return c.unary(ir.ZeroExtend32, ir.I64, a)
}

// SignExtend32 widens a 32-bit value to 64 bits preserving its sign.
func (c *Context) SignExtend32(a *ir.Operand) *ir.Operand {
	return c.unary(ir.SignExtend32, ir.I64, a)
}

// Compare yields 1 when cmp holds for a and b and 0 otherwise.
func (c *Context) Compare(cmp ir.Comparison, a, b *ir.Operand) *ir.Operand {
	d := c.fn.NewLocal(ir.I32)
	c.emit(&ir.Operation{Inst: ir.Compare, Dest: d, Aux: int64(cmp), Sources: []*ir.Operand{a, b}})
	return d
}

// ConditionalSelect yields a when cond is non-zero and b otherwise.
func (c *Context) ConditionalSelect(cond, a, b *ir.Operand) *ir.Operand {
	d := c.fn.NewLocal(a.Type)
	c.emit(&ir.Operation{Inst: ir.ConditionalSelect, Dest: d, Sources: []*ir.Operand{cond, a, b}})
	return d
}

// Load reads size bytes of guest memory. Integer loads are zero-extended to
// 64 bits; 16-byte loads yield a vector.
func (c *Context) Load(address *ir.Operand, size int) *ir.Operand {
	t := ir.I64
	if size == 16 {
		t = ir.V128
	}
	d := c.fn.NewLocal(t)
	c.emit(&ir.Operation{Inst: ir.Load, Dest: d, Aux: int64(size), Sources: []*ir.Operand{address}})
	return d
}

// Store writes the low size bytes of value to guest memory.
func (c *Context) Store(address, value *ir.Operand, size int) {
	c.emit(&ir.Operation{Inst: ir.Store, Aux: int64(size), Sources: []*ir.Operand{address, value}})
	c.stores = append(c.stores, pendingStore{address: address, size: size})
}

// checkCodeWrites leaves translated code after an instruction whose stores
// hit a page holding translated code. The exit reports the written address
// and resumes at the next instruction once the dispatcher has dropped the
// stale translations.
func (c *Context) checkCodeWrites() {
	stores := c.stores
	c.stores = c.stores[:0]
	if !c.isOpen() {
		return
	}
	next := c.nextAddress()
	for _, st := range stores {
		flag := c.fn.NewLocal(ir.I32)
		c.emit(&ir.Operation{Inst: ir.CodePageFlag, Dest: flag, Aux: int64(st.size), Sources: []*ir.Operand{st.address}})

		from := c.block
		exit := c.fn.NewBlock()
		exit.Address = next
		c.placed[exit] = true
		c.block = exit
		c.StoreContext(guest.OffsetExitReason, ir.Const32(uint32(guest.ExitCodeWrite)))
		c.StoreContext(guest.OffsetExitInfo, c.ZeroExtend32(st.address))
		c.emit(&ir.Operation{Inst: ir.Return, Sources: []*ir.Operand{ir.Const64(next)}})

		c.block = from
		c.BranchIf(ir.NotEqual, flag, ir.Const32(0), exit)
	}
}

// LoadContext reads a field of the execution context.
func (c *Context) LoadContext(offset int32, t ir.Type) *ir.Operand {
	d := c.fn.NewLocal(t)
	c.emit(&ir.Operation{Inst: ir.LoadContext, Dest: d, Aux: int64(offset)})
	return d
}

// StoreContext writes a field of the execution context.
func (c *Context) StoreContext(offset int32, value *ir.Operand) {
	c.emit(&ir.Operation{Inst: ir.StoreContext, Aux: int64(offset), Sources: []*ir.Operand{value}})
}

// VectorBinary applies an element-wise vector operation. elementSize is log2
// of the element width in bytes.
func (c *Context) VectorBinary(inst ir.Inst, a, b *ir.Operand, elementSize uint8) *ir.Operand {
	d := c.fn.NewLocal(ir.V128)
	c.emit(&ir.Operation{Inst: inst, Dest: d, Aux: int64(elementSize), Sources: []*ir.Operand{a, b}})
	return d
}

// VectorZeroUpper clears the upper 64 bits of a vector.
func (c *Context) VectorZeroUpper(a *ir.Operand) *ir.Operand {
	return c.unary(ir.VectorZeroUpper, ir.V128, a)
}

// CallHelper calls a host helper and returns its result of type t.
func (c *Context) CallHelper(id ir.HelperID, t ir.Type, args ...*ir.Operand) *ir.Operand {
	d := c.fn.NewLocal(t)
	c.emit(&ir.Operation{Inst: ir.Call, Dest: d, Helper: id, Sources: args})
	return d
}

// GetRegister reads guest register n at the given width. Register 31 is the
// stack pointer when sp is set and reads as zero otherwise. The value is
// copied so later writes to the register do not affect it.
func (c *Context) GetRegister(n uint8, size uint8, sp bool) *ir.Operand {
	t := ir.I64
	if size == 32 {
		t = ir.I32
	}
	if c.mode == guest.ModeA64 && n == guest.RegisterSP && !sp {
		return ir.Const(t, 0)
	}
	if c.mode == guest.ModeT32 && n == 15 && c.opcode != nil {
		return ir.Const(t, c.opcode.Address+4)
	}
	if t == ir.I32 {
		return c.unary(ir.Truncate, ir.I32, ir.GeneralRegister(int(n)))
	}
	return c.unary(ir.Copy, ir.I64, ir.GeneralRegister(int(n)))
}

// SetRegister writes guest register n. 32-bit values are zero-extended.
// Writes to register 31 are dropped unless sp is set.
func (c *Context) SetRegister(n uint8, v *ir.Operand, sp bool) {
	if c.mode == guest.ModeA64 && n == guest.RegisterSP && !sp {
		return
	}
	inst := ir.Copy
	if v.Type == ir.I32 {
		inst = ir.ZeroExtend32
	}
	c.emit(&ir.Operation{Inst: inst, Dest: ir.GeneralRegister(int(n)), Sources: []*ir.Operand{v}})
}

// GetVector reads guest vector register n.
func (c *Context) GetVector(n uint8) *ir.Operand {
	return c.unary(ir.Copy, ir.V128, ir.VectorRegister(int(n)))
}

// SetVector writes guest vector register n.
func (c *Context) SetVector(n uint8, v *ir.Operand) {
	c.emit(&ir.Operation{Inst: ir.Copy, Dest: ir.VectorRegister(int(n)), Sources: []*ir.Operand{v}})
}

// GetFlag reads a condition flag as 0 or 1.
func (c *Context) GetFlag(f guest.Flag) *ir.Operand {
	return c.unary(ir.Copy, ir.I32, ir.FlagRegister(f))
}

// SetFlag writes a condition flag. v must be 0 or 1.
func (c *Context) SetFlag(f guest.Flag, v *ir.Operand) {
	c.emit(&ir.Operation{Inst: ir.Copy, Dest: ir.FlagRegister(f), Sources: []*ir.Operand{v}})
}
