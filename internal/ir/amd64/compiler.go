// Package amd64 lowers register-allocated IR functions to x86-64 machine
// code.
//
// Generated functions follow the System V calling convention and take a
// single argument, the *guest.ExecutionContext. They return the guest
// address execution continues at.
package amd64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
	"github.com/tinyrange/dbt/internal/regalloc"
)

const stackAlignment = 16

// ErrUnsupportedOperation is returned for IR the code generator has no
// lowering for.
var ErrUnsupportedOperation = errors.New("amd64: unsupported operation")

// Fixed register roles. RAX, RCX and RDX are scratch for every lowering and
// never allocated.
const (
	contextRegister = amd64.R15
	memoryRegister  = amd64.R14
)

var (
	scratchXmm0 = amd64.XMM(0)
	scratchXmm1 = amd64.XMM(1)
)

var paramRegisters = []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}

// RegisterMask returns the host registers available to the allocator.
// Bit numbers match asm.Variable register ids.
func RegisterMask() regalloc.RegisterMask {
	const (
		callerSaved = 1<<amd64.RSI | 1<<amd64.RDI | 1<<amd64.R8 | 1<<amd64.R9 | 1<<amd64.R10 | 1<<amd64.R11
		calleeSaved = 1<<amd64.RBX | 1<<amd64.R12 | 1<<amd64.R13
		vectors     = 0xfffc
	)
	return regalloc.RegisterMask{
		IntAvailable:   callerSaved | calleeSaved,
		IntCallerSaved: callerSaved,
		IntCalleeSaved: calleeSaved,
		VecAvailable:   vectors,
		VecCallerSaved: vectors,
	}
}

type Options struct {
	// AddressMask is applied to every guest address before it is added to
	// the memory base. Zero disables masking.
	AddressMask uint64

	// Resolver supplies helper addresses for ir.Call.
	Resolver SymbolResolver

	// CheckGeneration makes the function compare the context's Generation
	// with the counter at GenerationAddress on entry and, when they differ,
	// return the context's PC untouched.
	CheckGeneration bool
}

// CompiledFunction is relocatable machine code for one IR function.
type CompiledFunction struct {
	Code        []byte
	Relocations []asm.Relocation
}

type compiler struct {
	fn        *ir.Function
	alloc     *regalloc.Allocation
	opts      Options
	fragments asm.Group
	block     *ir.Block

	saved        []asm.Variable
	frameSize    int32
	labelCounter int
}

// Generate lowers f to machine code using the locations in alloc.
func Generate(f *ir.Function, alloc *regalloc.Allocation, opts Options) (CompiledFunction, error) {
	c := newCompiler(f, alloc, opts)
	c.prologue()

	if len(f.Blocks) > 0 && f.Blocks[0] != f.Entry {
		c.emit(amd64.Jump(blockLabel(f.Entry)))
	}
	for i, b := range f.Blocks {
		var following *ir.Block
		if i+1 < len(f.Blocks) {
			following = f.Blocks[i+1]
		}
		if err := c.compileBlock(b, following); err != nil {
			return CompiledFunction{}, fmt.Errorf("amd64: block @%d: %w", b.Index, err)
		}
	}
	c.epilogue()

	prog, err := amd64.EmitProgram(c.fragments)
	if err != nil {
		return CompiledFunction{}, fmt.Errorf("amd64: assemble: %w", err)
	}
	return CompiledFunction{Code: prog.Bytes(), Relocations: prog.Relocations()}, nil
}

func newCompiler(f *ir.Function, alloc *regalloc.Allocation, opts Options) *compiler {
	c := &compiler{fn: f, alloc: alloc, opts: opts}
	for _, reg := range []asm.Variable{amd64.RBX, amd64.R12, amd64.R13} {
		if alloc.UsedIntCalleeSaved&(1<<uint(reg)) != 0 {
			c.saved = append(c.saved, reg)
		}
	}
	c.saved = append(c.saved, memoryRegister, contextRegister)

	// The return address and the pushes leave rsp 8*(1+len(saved)) below a
	// 16 byte boundary.
	frame := alignTo(int32(alloc.SpillSize), stackAlignment)
	if (1+len(c.saved))%2 != 0 {
		frame += 8
	}
	c.frameSize = frame
	return c
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.fragments = append(c.fragments, frags...)
}

func (c *compiler) prologue() {
	for _, reg := range c.saved {
		c.emit(amd64.Push(amd64.Reg64(reg)))
	}
	if c.frameSize > 0 {
		c.emit(amd64.SubRegImm(amd64.Reg64(amd64.RSP), c.frameSize))
	}
	c.emit(
		amd64.MovReg(amd64.Reg64(contextRegister), amd64.Reg64(paramRegisters[0])),
		amd64.MovFromMemory(amd64.Reg64(memoryRegister), contextMem(guest.OffsetMemoryBase)),
	)
	if c.opts.CheckGeneration {
		c.emit(
			amd64.MovFromMemory(amd64.Reg64(amd64.RAX), contextMem(guest.OffsetGenerationAddress)),
			amd64.MovFromMemory(amd64.Reg64(amd64.RAX), amd64.Mem(amd64.Reg64(amd64.RAX))),
			amd64.MovFromMemory(amd64.Reg64(amd64.RCX), contextMem(guest.OffsetGeneration)),
			amd64.CmpRegReg(amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)),
			amd64.JumpIf(amd64.CondNE, staleLabel),
		)
	}
}

// epilogue is shared by every Return, which leaves the next guest PC in rax
// and jumps here.
func (c *compiler) epilogue() {
	if c.opts.CheckGeneration {
		// every block ends in a jump, so only the entry check gets here
		c.emit(
			asm.MarkLabel(staleLabel),
			amd64.MovFromMemory(amd64.Reg64(amd64.RAX), contextMem(guest.OffsetPC)),
		)
	}
	c.emit(asm.MarkLabel(epilogueLabel))
	if c.frameSize > 0 {
		c.emit(amd64.AddRegImm(amd64.Reg64(amd64.RSP), c.frameSize))
	}
	for i := len(c.saved) - 1; i >= 0; i-- {
		c.emit(amd64.Pop(amd64.Reg64(c.saved[i])))
	}
	c.emit(amd64.Ret())
}

const (
	epilogueLabel = asm.Label(".epilogue")
	staleLabel    = asm.Label(".stale")
)

func blockLabel(b *ir.Block) asm.Label {
	return asm.Label(fmt.Sprintf(".block_%d", b.Index))
}

func (c *compiler) newInternalLabel(prefix string) asm.Label {
	c.labelCounter++
	return asm.Label(fmt.Sprintf(".ir_%s_%d", prefix, c.labelCounter))
}

func (c *compiler) compileBlock(b *ir.Block, following *ir.Block) error {
	c.block = b
	c.emit(asm.MarkLabel(blockLabel(b)))
	for _, op := range b.Operations {
		if err := c.compileOperation(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	term := b.Terminator()
	if term != nil && term.Inst == ir.Return {
		return nil
	}
	if b.Next == nil {
		return fmt.Errorf("block falls off the end of the function")
	}
	if b.Next != following {
		c.emit(amd64.Jump(blockLabel(b.Next)))
	}
	return nil
}

func contextMem(offset int32) amd64.Memory {
	return amd64.Mem(amd64.Reg64(contextRegister)).WithDisp(offset)
}

func spillMem(loc regalloc.Location) amd64.Memory {
	return amd64.Mem(amd64.Reg64(amd64.RSP)).WithDisp(loc.SpillOffset)
}

func alignTo(value, boundary int32) int32 {
	if boundary <= 0 {
		return value
	}
	rem := value % boundary
	if rem == 0 {
		return value
	}
	return value + boundary - rem
}

// width returns the integer register width values of type t are held in.
func width(t ir.Type) int {
	if t == ir.I32 {
		return 4
	}
	return 8
}

func gpr(id asm.Variable, t ir.Type) amd64.Reg {
	return amd64.RegSized(id, width(t))
}

func (c *compiler) location(l *ir.Operand) (regalloc.Location, error) {
	loc, ok := c.alloc.Locations[l]
	if !ok {
		return regalloc.Location{}, fmt.Errorf("local %s has no location", l)
	}
	return loc, nil
}

// loadInt places an integer operand in the scratch register dst, zero
// extended from the operand's width.
func (c *compiler) loadInt(dst asm.Variable, src *ir.Operand) error {
	return c.loadIntAs(dst, src, src.Type)
}

// loadIntAs is loadInt reading only the low width(t) bytes of src.
func (c *compiler) loadIntAs(dst asm.Variable, src *ir.Operand, t ir.Type) error {
	if src.Type.IsVector() {
		return fmt.Errorf("%w: vector operand %s used as integer", ErrUnsupportedOperation, src)
	}
	reg := gpr(dst, t)
	switch {
	case src.IsConstant():
		c.emit(amd64.MovImmediate(reg, int64(src.Value)))
		return nil
	case src.IsLocal():
		loc, err := c.location(src)
		if err != nil {
			return err
		}
		if loc.Spilled {
			c.emit(amd64.MovFromMemory(reg, spillMem(loc)))
			return nil
		}
		c.emit(amd64.MovReg(reg, gpr(asm.Variable(loc.Register), t)))
		return nil
	}
	return fmt.Errorf("%w: operand %s", ErrUnsupportedOperation, src)
}

// storeInt writes the scratch register src to dest's location.
func (c *compiler) storeInt(dest *ir.Operand, src asm.Variable) error {
	if dest.Type.IsVector() {
		return fmt.Errorf("%w: integer result in vector local %s", ErrUnsupportedOperation, dest)
	}
	loc, err := c.location(dest)
	if err != nil {
		return err
	}
	if loc.Spilled {
		c.emit(amd64.MovToMemory(spillMem(loc), gpr(src, dest.Type)))
		return nil
	}
	c.emit(amd64.MovReg(gpr(asm.Variable(loc.Register), dest.Type), gpr(src, dest.Type)))
	return nil
}

func (c *compiler) loadVec(dst amd64.Xmm, src *ir.Operand) error {
	if !src.Type.IsVector() {
		return fmt.Errorf("%w: integer operand %s used as vector", ErrUnsupportedOperation, src)
	}
	switch {
	case src.IsConstant():
		if src.Value == 0 && src.High == 0 {
			c.emit(amd64.Pxor(dst, dst))
			return nil
		}
		rax := amd64.Reg64(amd64.RAX)
		rsp := amd64.Reg64(amd64.RSP)
		c.emit(
			amd64.MovImmediate(rax, int64(src.High)),
			amd64.Push(rax),
			amd64.MovImmediate(rax, int64(src.Value)),
			amd64.Push(rax),
			amd64.MovdquLoad(dst, amd64.Mem(rsp)),
			amd64.AddRegImm(rsp, 16),
		)
		return nil
	case src.IsLocal():
		loc, err := c.location(src)
		if err != nil {
			return err
		}
		if loc.Spilled {
			c.emit(amd64.MovdquLoad(dst, spillMem(loc)))
			return nil
		}
		c.emit(amd64.MovdqaReg(dst, amd64.XMM(asm.Variable(loc.Register))))
		return nil
	}
	return fmt.Errorf("%w: operand %s", ErrUnsupportedOperation, src)
}

func (c *compiler) storeVec(dest *ir.Operand, src amd64.Xmm) error {
	if !dest.Type.IsVector() {
		return fmt.Errorf("%w: vector result in integer local %s", ErrUnsupportedOperation, dest)
	}
	loc, err := c.location(dest)
	if err != nil {
		return err
	}
	if loc.Spilled {
		c.emit(amd64.MovdquStore(spillMem(loc), src))
		return nil
	}
	c.emit(amd64.MovdqaReg(amd64.XMM(asm.Variable(loc.Register)), src))
	return nil
}
