//go:build !(linux && amd64)

package amd64

import "github.com/tinyrange/dbt/internal/asm"

// Code is a region of executable memory holding assembled machine code.
// It cannot be created on this host.
type Code struct{}

var _ asm.NativeCode = (*Code)(nil)

func (c *Code) Entry() uintptr { return 0 }

func (c *Code) Size() int { return 0 }

func (c *Code) Bytes() []byte { return nil }

func (c *Code) Release() error { return nil }

// Map always fails on hosts that cannot run x86-64 code.
func Map(code []byte) (*Code, error) {
	return nil, asm.ErrUnsupportedHost
}

func Compile(f asm.Fragment) (*Code, error) {
	return nil, asm.ErrUnsupportedHost
}

func Call(entry uintptr, args ...uintptr) uintptr {
	panic(asm.ErrUnsupportedHost)
}
