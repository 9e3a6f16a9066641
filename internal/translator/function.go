package translator

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/guest"
)

// TranslatedFunction is host code for one guest entry point. The cache holds
// one reference while the function is resident; dispatch holds another for
// the duration of each call. The code is unmapped when the last reference
// is released.
type TranslatedFunction struct {
	Address    uint64
	MinAddress uint64
	End        uint64
	Mode       guest.ExecutionMode
	HighCq     bool

	code asm.NativeCode

	refs   atomic.Int32
	calls  atomic.Uint64
	queued atomic.Bool
}

func newTranslatedFunction(code asm.NativeCode, address, minAddress, end uint64, mode guest.ExecutionMode, highCq bool) *TranslatedFunction {
	fn := &TranslatedFunction{
		Address:    address,
		MinAddress: minAddress,
		End:        end,
		Mode:       mode,
		HighCq:     highCq,
		code:       code,
	}
	fn.refs.Store(1)
	return fn
}

// Entry returns the host address of the function.
func (fn *TranslatedFunction) Entry() uintptr { return fn.code.Entry() }

// Code returns a copy of the host machine code when the backing mapping
// can provide one.
func (fn *TranslatedFunction) Code() []byte {
	if b, ok := fn.code.(interface{ Bytes() []byte }); ok {
		return b.Bytes()
	}
	return nil
}

// Overlaps reports whether the guest code of fn intersects
// [address, address+size).
func (fn *TranslatedFunction) Overlaps(address, size uint64) bool {
	if size == 0 {
		return false
	}
	end := address + size
	if end < address {
		end = ^uint64(0)
	}
	return fn.MinAddress < end && address < fn.End
}

// Calls returns how many times the function has been dispatched.
func (fn *TranslatedFunction) Calls() uint64 { return fn.calls.Load() }

func (fn *TranslatedFunction) acquire() { fn.refs.Add(1) }

// Release drops a reference taken by GetOrTranslate.
func (fn *TranslatedFunction) Release() {
	switch n := fn.refs.Add(-1); {
	case n == 0:
		_ = fn.code.Release()
	case n < 0:
		panic(fmt.Sprintf("translator: function 0x%x released too many times", fn.Address))
	}
}

func (fn *TranslatedFunction) String() string {
	q := "lcq"
	if fn.HighCq {
		q = "hcq"
	}
	return fmt.Sprintf("%s@0x%x[0x%x-0x%x,%s]", fn.Mode, fn.Address, fn.MinAddress, fn.End, q)
}
