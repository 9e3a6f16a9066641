package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/translator"
)

// Linux system call numbers understood by the shim.
const (
	sysWriteA64     = 64
	sysExitA64      = 93
	sysExitGroupA64 = 94

	sysExitT32      = 1
	sysWriteT32     = 4
	sysExitGroupT32 = 248

	errNoSys = 38
	errBadF  = 9
	errFault = 14

	maxWrite = 1 << 20
)

// syscallShim implements just enough of the Linux system call interface to
// let flat test programs print and exit.
type syscallShim struct {
	mem    guest.MemoryManager
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	exitCode int
}

func (s *syscallShim) handle(ec *guest.ExecutionContext) error {
	number, args := s.arguments(ec)
	switch {
	case s.is(ec, number, sysWriteA64, sysWriteT32):
		s.setResult(ec, s.write(args[0], args[1], args[2]))
		return nil
	case s.is(ec, number, sysExitA64, sysExitT32), s.is(ec, number, sysExitGroupA64, sysExitGroupT32):
		s.exitCode = int(int32(args[0]))
		return translator.ErrExit
	}
	s.logger.Warn("unsupported system call", "number", number, "mode", ec.Mode, "pc", fmt.Sprintf("0x%x", ec.PC))
	s.setResult(ec, -errNoSys)
	return nil
}

func (s *syscallShim) is(ec *guest.ExecutionContext, number, a64, t32 uint64) bool {
	if ec.Mode == guest.ModeT32 {
		return number == t32
	}
	return number == a64
}

func (s *syscallShim) arguments(ec *guest.ExecutionContext) (uint64, [3]uint64) {
	if ec.Mode == guest.ModeT32 {
		return ec.X[7] & 0xffffffff, [3]uint64{ec.X[0] & 0xffffffff, ec.X[1] & 0xffffffff, ec.X[2] & 0xffffffff}
	}
	return ec.X[8], [3]uint64{ec.X[0], ec.X[1], ec.X[2]}
}

func (s *syscallShim) setResult(ec *guest.ExecutionContext, v int64) {
	if ec.Mode == guest.ModeT32 {
		ec.X[0] = uint64(uint32(v))
		return
	}
	ec.X[0] = uint64(v)
}

func (s *syscallShim) write(fd, address, size uint64) int64 {
	var w io.Writer
	switch fd {
	case 1:
		w = s.stdout
	case 2:
		w = s.stderr
	default:
		return -errBadF
	}
	if size > maxWrite {
		size = maxWrite
	}
	buf := make([]byte, size)
	if err := s.mem.Read(address, buf); err != nil {
		return -errFault
	}
	n, err := w.Write(buf)
	if err != nil && n == 0 {
		return -errFault
	}
	return int64(n)
}
