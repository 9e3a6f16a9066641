package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/dbt/internal/config"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/translator"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbt.yaml")
	cfg := config.Default()
	cfg.Guest.Image = "from-config.bin"
	cfg.Guest.MemorySize = 1 << 20
	cfg.PTC.CacheDir = dir
	if err := config.Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	opts, err := parseFlags([]string{
		"-config", path,
		"-memory", "2M",
		"-load-address", "0x20000",
		"-ptc",
		"-debug",
		"image.bin",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	got := opts.cfg
	if got.Guest.MemorySize != 2<<20 {
		t.Fatalf("memory size = 0x%x, want 0x200000", got.Guest.MemorySize)
	}
	if got.Guest.LoadAddress != 0x20000 || got.Guest.Entry != 0x20000 {
		t.Fatalf("load=0x%x entry=0x%x, want both 0x20000", got.Guest.LoadAddress, got.Guest.Entry)
	}
	if !got.PTC.Enabled || got.PTC.CacheDir != dir {
		t.Fatalf("ptc = %+v", got.PTC)
	}
	if got.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", got.LogLevel)
	}
	if got.Guest.Image != "image.bin" {
		t.Fatalf("image = %q, want image.bin", got.Guest.Image)
	}
}

func TestParseFlagsEntry(t *testing.T) {
	opts, err := parseFlags([]string{"-load-address", "0x20000", "-entry", "0x20010", "-mode", "thumb", "x.bin"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.cfg.Guest.Entry != 0x20010 {
		t.Fatalf("entry = 0x%x, want 0x20010", opts.cfg.Guest.Entry)
	}
	if mode, _ := opts.cfg.Mode(); mode != guest.ModeT32 {
		t.Fatalf("mode = %s, want t32", mode)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"no image", nil},
		{"bad memory", []string{"-memory", "lots", "x.bin"}},
		{"misaligned entry", []string{"-entry", "0x10001", "x.bin"}},
		{"unknown mode", []string{"-mode", "mips", "x.bin"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFlags(tc.args, io.Discard); err == nil {
				t.Fatalf("parseFlags(%q) succeeded", tc.args)
			}
		})
	}
}

func TestLoadImage(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	mem, err := loadImage(image, 1<<20, 0x1000)
	if err != nil {
		t.Fatalf("loadImage: %v", err)
	}
	got := make([]byte, 4)
	if err := mem.Read(0x1000, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Fatalf("got % x, want % x", got, image)
	}
	if _, err := loadImage(image, 1<<20, 1<<20-2); err == nil {
		t.Fatalf("loadImage past the end of memory succeeded")
	}
}

func newShim(t *testing.T) (*syscallShim, *bytes.Buffer, *guest.Memory) {
	t.Helper()
	mem, err := guest.NewMemory(1 << 16)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Map(0, 1<<16); err != nil {
		t.Fatalf("Map: %v", err)
	}
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &syscallShim{mem: mem, stdout: &out, stderr: io.Discard, logger: logger}, &out, mem
}

func TestSyscallShimWrite(t *testing.T) {
	shim, out, mem := newShim(t)
	if err := mem.Write(0x800, []byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ec := guest.NewExecutionContext(mem, guest.ModeA64)
	ec.X[8] = sysWriteA64
	ec.X[0], ec.X[1], ec.X[2] = 1, 0x800, 6
	if err := shim.handle(ec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.String() != "hello\n" || ec.X[0] != 6 {
		t.Fatalf("output=%q x0=%d, want hello and 6", out.String(), ec.X[0])
	}

	ec = guest.NewExecutionContext(mem, guest.ModeT32)
	ec.X[7] = sysWriteT32
	ec.X[0], ec.X[1], ec.X[2] = 7, 0x800, 6
	if err := shim.handle(ec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if int32(uint32(ec.X[0])) != -errBadF {
		t.Fatalf("r0 = 0x%x, want -EBADF", ec.X[0])
	}
}

func TestSyscallShimExit(t *testing.T) {
	shim, _, mem := newShim(t)
	ec := guest.NewExecutionContext(mem, guest.ModeA64)
	ec.X[8] = sysExitGroupA64
	ec.X[0] = 3
	if err := shim.handle(ec); !errors.Is(err, translator.ErrExit) {
		t.Fatalf("handle = %v, want ErrExit", err)
	}
	if shim.exitCode != 3 {
		t.Fatalf("exit code = %d, want 3", shim.exitCode)
	}
}

func TestSyscallShimUnknown(t *testing.T) {
	shim, _, mem := newShim(t)
	ec := guest.NewExecutionContext(mem, guest.ModeA64)
	ec.X[8] = 1234
	if err := shim.handle(ec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if int64(ec.X[0]) != -errNoSys {
		t.Fatalf("x0 = %d, want %d", int64(ec.X[0]), -errNoSys)
	}
}

func TestDisassemble(t *testing.T) {
	// push r15; mov rax, 0x1000; pop r15; ret
	code := []byte{0x41, 0x57, 0x48, 0xc7, 0xc0, 0x00, 0x10, 0x00, 0x00, 0x41, 0x5f, 0xc3}
	var out strings.Builder
	if err := disassemble(&out, code, 0); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), out.String())
	}
	if !strings.HasSuffix(lines[3], "ret") {
		t.Fatalf("last line = %q, want ret", lines[3])
	}
}
