package translator

import (
	"context"
	"errors"
	"time"
	"unsafe"

	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/timeslice"
)

// maxStoreBytes is the widest single guest store. A code write exit
// invalidates this much from the written address.
const maxStoreBytes = 16

// Execute runs guest code from ec.PC until the guest exits, faults, or ctx
// is cancelled. ec must not be shared with another running Execute.
func (t *Translator) Execute(ctx context.Context, ec *guest.ExecutionContext) error {
	if ec.MemoryBase == 0 {
		ec.MemoryBase = t.mem.HostBase()
	}
	ec.GenerationAddress = t.cache.generationAddress()
	ec.CodePages = t.cache.codePagesAddress()
	recording := timeslice.Recording()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fn, gen, err := t.dispatch(ec.PC, ec.Mode)
		if err != nil {
			return err
		}

		ec.ClearExit()
		ec.Generation = gen
		var start time.Time
		if recording {
			start = time.Now()
		}
		next := amd64.Call(fn.Entry(), uintptr(unsafe.Pointer(ec)))
		if recording {
			timeslice.Record(tsGuest, time.Since(start))
		}
		t.countCall(fn)
		fn.Release()

		ec.PC = uint64(next)

		switch ec.ExitReason {
		case guest.ExitNone:
		case guest.ExitHalt:
			return nil
		case guest.ExitCodeWrite:
			t.Invalidate(ec.ExitInfo, maxStoreBytes)
		case guest.ExitSupervisorCall:
			if t.opts.SupervisorCall == nil {
				return t.exitError(ec)
			}
			if err := t.opts.SupervisorCall(ec); err != nil {
				if errors.Is(err, ErrExit) {
					return nil
				}
				return err
			}
		default:
			return t.exitError(ec)
		}
	}
}

func (t *Translator) exitError(ec *guest.ExecutionContext) error {
	err := &ExitError{Reason: ec.ExitReason, PC: ec.PC, Info: ec.ExitInfo}
	t.logger.Debug("guest stopped", "reason", ec.ExitReason, "pc", hex(ec.PC), "info", hex(ec.ExitInfo))
	return err
}
