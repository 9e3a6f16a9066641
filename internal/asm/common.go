package asm

import (
	"encoding/binary"
	"fmt"
)

// Variable names a machine register. Architecture packages define the
// concrete numbering.
type Variable int

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// SymbolKind says what a relocation refers to.
type SymbolKind uint8

const (
	SymbolNone SymbolKind = iota
	// SymbolHelper is a runtime helper routine identified by its helper ID.
	SymbolHelper
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolHelper:
		return "helper"
	default:
		return "none"
	}
}

// Symbol is an address that is not known when the code is assembled.
type Symbol struct {
	Kind SymbolKind
	ID   int
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s#%d", s.Kind, s.ID)
}

// Relocation marks an 8 byte absolute address slot at Offset that must be
// filled with the address of Symbol before the code runs.
type Relocation struct {
	Offset int
	Symbol Symbol
}

type Program struct {
	code        []byte
	relocations []Relocation
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

// Relocate returns a copy of the program with every relocation slot filled
// in by lookup.
func (p Program) Relocate(lookup func(Symbol) (uintptr, error)) ([]byte, error) {
	return Relocate(p.code, p.relocations, lookup)
}

func (p Program) Clone() Program {
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]Relocation(nil), p.relocations...),
	}
}

func NewProgram(code []byte, relocations []Relocation) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]Relocation(nil), relocations...),
	}
}

// Relocate copies code and patches each relocation with the address lookup
// reports for its symbol.
func Relocate(code []byte, relocations []Relocation, lookup func(Symbol) (uintptr, error)) ([]byte, error) {
	out := append([]byte(nil), code...)
	for _, r := range relocations {
		if r.Offset < 0 || r.Offset+8 > len(out) {
			return nil, fmt.Errorf("relocation for %s at offset %d out of range (code len %d)", r.Symbol, r.Offset, len(out))
		}
		addr, err := lookup(r.Symbol)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", r.Symbol, err)
		}
		binary.LittleEndian.PutUint64(out[r.Offset:], uint64(addr))
	}
	return out, nil
}
