package amd64

import (
	"fmt"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/ir"
)

// SymbolResolver decides how generated code finds helper routines.
type SymbolResolver interface {
	// LoadHelper returns code that leaves the address of helper id in dst.
	LoadHelper(dst amd64.Reg, id ir.HelperID) (asm.Fragment, error)
}

// DirectResolver embeds absolute helper addresses. The code is only valid
// in the process that produced it.
type DirectResolver struct {
	Lookup func(ir.HelperID) (uintptr, bool)
}

func (r DirectResolver) LoadHelper(dst amd64.Reg, id ir.HelperID) (asm.Fragment, error) {
	if r.Lookup == nil {
		return nil, fmt.Errorf("no address for helper %s", id)
	}
	addr, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("no address for helper %s", id)
	}
	return amd64.MovImmediate(dst, int64(addr)), nil
}

// RelocatingResolver leaves an 8 byte placeholder for each helper address
// and records a relocation, so the code can be persisted and loaded into
// another process.
type RelocatingResolver struct{}

func (RelocatingResolver) LoadHelper(dst amd64.Reg, id ir.HelperID) (asm.Fragment, error) {
	return amd64.MovSymbol(dst, HelperSymbol(id)), nil
}

// HelperSymbol is the relocation symbol standing for helper id.
func HelperSymbol(id ir.HelperID) asm.Symbol {
	return asm.Symbol{Kind: asm.SymbolHelper, ID: int(id)}
}

// Relocate returns a copy of code with every helper relocation filled in
// by lookup.
func Relocate(code []byte, relocations []asm.Relocation, lookup func(ir.HelperID) (uintptr, error)) ([]byte, error) {
	return asm.Relocate(code, relocations, func(sym asm.Symbol) (uintptr, error) {
		if sym.Kind != asm.SymbolHelper {
			return 0, fmt.Errorf("unknown symbol kind %s", sym.Kind)
		}
		return lookup(ir.HelperID(sym.ID))
	})
}
