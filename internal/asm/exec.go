package asm

import "errors"

// ErrUnsupportedHost is returned when generated code cannot be executed on
// the current host.
var ErrUnsupportedHost = errors.New("asm: native execution is not supported on this host")

// NativeCode is machine code mapped into executable memory.
// This interface is implemented by architecture-specific code regions.
type NativeCode interface {
	// Entry returns the address of the first instruction.
	Entry() uintptr

	// Size returns the number of code bytes mapped.
	Size() int

	// Release unmaps the code. The entry address must not be called after
	// Release returns.
	Release() error
}
