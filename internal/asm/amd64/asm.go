package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/dbt/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Cond is an x86 condition code as used by Jcc, SETcc and CMOVcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xa
	CondNP Cond = 0xb
	CondL  Cond = 0xc
	CondGE Cond = 0xd
	CondLE Cond = 0xe
	CondG  Cond = 0xf
)

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond { return c ^ 1 }

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", c)
}

type jump struct {
	label  asm.Label
	always bool
	cond   Cond
}

type ret struct {
}

type movSymbol struct {
	dst Reg
	sym asm.Symbol
}

func Ret() asm.Fragment {
	return &ret{}
}

// Jump emits an unconditional rel32 jump to label.
func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, always: true}
}

// JumpIf emits a rel32 conditional jump to label.
func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

// MovSymbol loads the absolute address of sym into dst. The address is
// filled in later from the program's relocations.
func MovSymbol(dst Reg, sym asm.Symbol) asm.Fragment {
	return &movSymbol{dst: dst, sym: sym}
}

func (r *ret) Emit(ctx asm.Context) error {
	ctx.EmitBytes(encodeRet())
	return nil
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx := _ctx.(*Context)
	var pos int
	if j.always {
		pos = ctx.emitJump()
	} else {
		pos = ctx.emitCondJump(j.cond)
	}
	ctx.jumps = append(ctx.jumps, jumpPatch{pos: pos, label: j.label})
	return nil
}

func (m *movSymbol) Emit(_ctx asm.Context) error {
	ctx := _ctx.(*Context)
	if err := m.dst.checkWidth(size64); err != nil {
		return fmt.Errorf("symbol load: %w", err)
	}
	bytes, immIdx, err := encodeMovRegImm64(m.dst.id, 0)
	if err != nil {
		return err
	}
	ctx.relocations = append(ctx.relocations, asm.Relocation{Offset: len(ctx.text) + immIdx, Symbol: m.sym})
	ctx.EmitBytes(bytes)
	return nil
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type Context struct {
	text        []byte
	labels      map[asm.Label]int
	jumps       []jumpPatch
	relocations []asm.Relocation
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}

	return asm.NewProgram(c.text, c.relocations), nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0, high: false}, nil
	case RBX:
		return registerCode{code: 3, high: false}, nil
	case RCX:
		return registerCode{code: 1, high: false}, nil
	case RDX:
		return registerCode{code: 2, high: false}, nil
	case RSI:
		return registerCode{code: 6, high: false, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, high: false, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, high: false, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, high: false, needsRex: true}, nil
	case R8:
		return registerCode{code: 0, high: true, needsRex: true}, nil
	case R9:
		return registerCode{code: 1, high: true, needsRex: true}, nil
	case R10:
		return registerCode{code: 2, high: true, needsRex: true}, nil
	case R11:
		return registerCode{code: 3, high: true, needsRex: true}, nil
	case R12:
		return registerCode{code: 4, high: true, needsRex: true}, nil
	case R13:
		return registerCode{code: 5, high: true, needsRex: true}, nil
	case R14:
		return registerCode{code: 6, high: true, needsRex: true}, nil
	case R15:
		return registerCode{code: 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

func xmmInfo(v asm.Variable) (registerCode, error) {
	if v < 0 || v > 15 {
		return registerCode{}, fmt.Errorf("unsupported xmm register %d", v)
	}
	return registerCode{code: byte(v & 7), high: v >= 8}, nil
}

func encodeMovRegImm32(reg asm.Variable, value uint32) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 6)
	if prefix := rexPrefix(false, false, false, info.high); prefix != 0 {
		out = append(out, prefix)
	}
	out = append(out, 0xB8+info.code)
	var imm [4]byte
	binary.LittleEndian.PutUint32(imm[:], value)
	out = append(out, imm[:]...)
	return out, nil
}

func encodeMovRegImm32Sign(reg asm.Variable, value uint32) ([]byte, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 7)
	if prefix := rexPrefix(true, false, false, info.high); prefix != 0 {
		out = append(out, prefix)
	}
	out = append(out, 0xC7)
	modrm := byte(0xC0 | info.code)
	out = append(out, modrm)
	var imm [4]byte
	binary.LittleEndian.PutUint32(imm[:], value)
	out = append(out, imm[:]...)
	return out, nil
}

func encodeMovRegImm64(reg asm.Variable, value uint64) ([]byte, int, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, 0, 12)
	if prefix := rexPrefix(true, false, false, info.high); prefix != 0 {
		out = append(out, prefix)
	}
	out = append(out, 0xB8+info.code)
	immPos := len(out)
	var imm [8]byte
	binary.LittleEndian.PutUint64(imm[:], value)
	out = append(out, imm[:]...)
	return out, immPos, nil
}

func (c *Context) emitJump() int {
	c.text = append(c.text, 0xE9)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

func (c *Context) emitCondJump(cond Cond) int {
	c.text = append(c.text, 0x0F, 0x80|byte(cond&0xf))
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func rexPrefix(w, r, x, b bool) byte {
	if !w && !r && !x && !b {
		return 0
	}
	prefix := byte(0x40)
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}
