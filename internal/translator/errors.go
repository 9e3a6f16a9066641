package translator

import (
	"errors"
	"fmt"

	"github.com/tinyrange/dbt/internal/guest"
)

var (
	// ErrExit is returned by a SupervisorCall handler to end Execute
	// without an error.
	ErrExit = errors.New("translator: guest exited")

	ErrUndefinedInstruction    = errors.New("translator: undefined instruction")
	ErrBreakpoint              = errors.New("translator: breakpoint")
	ErrUnhandledSupervisorCall = errors.New("translator: unhandled supervisor call")
	ErrClosed                  = errors.New("translator: shut down")

	errTooManyRetries = errors.New("guest code kept changing during translation")
)

// CompileError reports a guest function that could not be translated.
// Emulation of the guest cannot continue past it.
type CompileError struct {
	Address uint64
	Mode    guest.ExecutionMode
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("translator: compile %s function at 0x%x: %v", e.Mode, e.Address, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ExitError reports a guest exit the dispatcher does not resume from.
type ExitError struct {
	Reason guest.ExitReason
	PC     uint64
	Info   uint64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("translator: guest %s at 0x%x (info 0x%x)", e.Reason, e.PC, e.Info)
}

func (e *ExitError) Unwrap() error {
	switch e.Reason {
	case guest.ExitUndefined:
		return ErrUndefinedInstruction
	case guest.ExitBreakpoint:
		return ErrBreakpoint
	case guest.ExitSupervisorCall:
		return ErrUnhandledSupervisorCall
	}
	return nil
}
