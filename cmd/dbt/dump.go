package main

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/translator"
)

// dumpFunction translates the function at address and writes its host code
// as Intel syntax assembly.
func dumpFunction(w io.Writer, tr *translator.Translator, address uint64, mode guest.ExecutionMode) error {
	fn, err := tr.GetOrTranslate(address, mode)
	if err != nil {
		return err
	}
	defer fn.Release()

	code := fn.Code()
	if code == nil {
		return fmt.Errorf("no host code available for %s", fn)
	}
	fmt.Fprintf(w, "; %s, %d bytes at %#x\n", fn, len(code), fn.Entry())
	return disassemble(w, code, uint64(fn.Entry()))
}

func disassemble(w io.Writer, code []byte, base uint64) error {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return fmt.Errorf("decode at offset %#x: %w", off, err)
		}
		pc := base + uint64(off)
		fmt.Fprintf(w, "%8x:  % -30x %s\n", off, code[off:off+inst.Len], x86asm.IntelSyntax(inst, pc, nil))
		off += inst.Len
	}
	return nil
}
