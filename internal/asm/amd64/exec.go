//go:build linux && amd64

package amd64

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/dbt/internal/asm"
	"golang.org/x/sys/unix"
)

// Code is a region of executable memory holding assembled machine code.
type Code struct {
	mu   sync.Mutex
	mem  []byte
	base uintptr
	size int
}

var _ asm.NativeCode = (*Code)(nil)

// Entry returns the address of the first instruction.
func (c *Code) Entry() uintptr { return c.base }

// Size returns the number of code bytes.
func (c *Code) Size() int { return c.size }

// Bytes returns a copy of the mapped code, or nil once released.
func (c *Code) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		return nil
	}
	return append([]byte(nil), c.mem[:c.size]...)
}

// Release unmaps the region. Calling it more than once is harmless.
func (c *Code) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		return nil
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}

// Map copies code into a fresh mapping and makes it read-only and
// executable.
func Map(code []byte) (*Code, error) {
	size := len(code)
	if size == 0 {
		return nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code region: %w", err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}

	return &Code{mem: mem, base: uintptr(unsafe.Pointer(&mem[0])), size: size}, nil
}

// Compile assembles f and maps the result. The program must not carry
// relocations.
func Compile(f asm.Fragment) (*Code, error) {
	prog, err := EmitProgram(f)
	if err != nil {
		return nil, fmt.Errorf("emit assembly program: %w", err)
	}
	if len(prog.Relocations()) != 0 {
		return nil, fmt.Errorf("program has %d unresolved relocations", len(prog.Relocations()))
	}
	return Map(prog.Bytes())
}

func MustCompile(f asm.Fragment) *Code {
	code, err := Compile(f)
	if err != nil {
		panic(err)
	}
	return code
}

// Call invokes the System V function at entry with up to six integer
// arguments and returns rax.
func Call(entry uintptr, args ...uintptr) uintptr {
	if len(args) > maxArguments {
		panic(fmt.Sprintf("native call accepts at most %d arguments, got %d", maxArguments, len(args)))
	}
	r1, _, _ := purego.SyscallN(entry, args...)
	return r1
}

const maxArguments = 6
