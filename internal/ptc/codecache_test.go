package ptc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/guest"
)

func newGuestMemory(t *testing.T) *guest.Memory {
	t.Helper()
	mem, err := guest.NewMemory(0x10000)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Map(0, 0x10000); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := guest.WriteWords(mem, 0x1000, 0xd503201f, 0xd503201f, 0xd65f03c0); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	return mem
}

func cachedFunction(t *testing.T, mem guest.MemoryManager) *CachedFunction {
	t.Helper()
	h, err := HashGuestCode(mem, 0x1000, 0x100c)
	if err != nil {
		t.Fatalf("HashGuestCode: %v", err)
	}
	return &CachedFunction{
		Address:     0x1000,
		MinAddress:  0x1000,
		End:         0x100c,
		Mode:        guest.ModeA64,
		HighCq:      true,
		AddressMask: 0xffff,
		GuestHash:   h,
		Code:        []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0xc3},
		Relocations: []asm.Relocation{
			{Offset: 2, Symbol: asm.Symbol{Kind: asm.SymbolHelper, ID: 3}},
		},
	}
}

func TestCodeCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.ptc")
	mem := newGuestMemory(t)

	c := OpenCodeCache(path, nil)
	want := cachedFunction(t, mem)
	c.Put(want)
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	d := OpenCodeCache(path, nil)
	got, ok := d.Lookup(mem, 0x1000, guest.ModeA64)
	if !ok {
		t.Fatalf("cached function not found after reload")
	}
	if !bytes.Equal(got.Code, want.Code) || got.End != want.End || !got.HighCq || got.AddressMask != 0xffff {
		t.Fatalf("reloaded function = %+v, want %+v", got, want)
	}
	if len(got.Relocations) != 1 || got.Relocations[0] != want.Relocations[0] {
		t.Fatalf("relocations = %v, want %v", got.Relocations, want.Relocations)
	}
	if _, ok := d.Lookup(mem, 0x1000, guest.ModeT32); ok {
		t.Fatalf("lookup ignored the mode")
	}
}

func TestCodeCacheStaleGuestCode(t *testing.T) {
	mem := newGuestMemory(t)
	c := OpenCodeCache(filepath.Join(t.TempDir(), "code.ptc"), nil)
	c.Put(cachedFunction(t, mem))

	if err := guest.WriteWords(mem, 0x1004, 0xd4000001); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	if _, ok := c.Lookup(mem, 0x1000, guest.ModeA64); ok {
		t.Fatalf("lookup returned code for rewritten guest bytes")
	}
	if c.Len() != 0 {
		t.Fatalf("stale function was not dropped")
	}
}

func TestCodeCacheInvalidate(t *testing.T) {
	mem := newGuestMemory(t)
	c := OpenCodeCache(filepath.Join(t.TempDir(), "code.ptc"), nil)
	c.Put(cachedFunction(t, mem))

	c.Invalidate(0x100c, 4)
	if c.Len() != 1 {
		t.Fatalf("adjacent invalidation evicted the function")
	}
	c.Invalidate(0x1008, 1)
	if c.Len() != 0 {
		t.Fatalf("overlapping invalidation kept the function")
	}
}

func TestCodeCacheCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.ptc")
	mem := newGuestMemory(t)
	c := OpenCodeCache(path, nil)
	c.Put(cachedFunction(t, mem))
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	corrupt(t, path, headerSize-2)

	d := OpenCodeCache(path, nil)
	if d.Len() != 0 {
		t.Fatalf("corrupt code cache loaded %d functions", d.Len())
	}
}

func TestContainerRejectsBadBodies(t *testing.T) {
	data, err := profileFormat.encode([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body, err := profileFormat.decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := parseProfile(body); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("parseProfile of a short body = %v, want ErrCorrupt", err)
	}
	if _, err := codeCacheFormat.decode(data); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("profile accepted as code cache: %v", err)
	}
}

func TestWarmup(t *testing.T) {
	entries := map[uint64]Entry{
		0x1000: {Mode: guest.ModeA64},
		0x2000: {Mode: guest.ModeT32, HighCq: true},
		0x3000: {Mode: guest.ModeA64},
	}

	var mu sync.Mutex
	seen := map[uint64]Entry{}
	n, err := Warmup(context.Background(), entries, func(_ context.Context, addr uint64, mode guest.ExecutionMode, highCq bool) error {
		mu.Lock()
		defer mu.Unlock()
		seen[addr] = Entry{Mode: mode, HighCq: highCq}
		if addr == 0x3000 {
			return errors.New("boom")
		}
		return nil
	}, WarmupOptions{Workers: 2, Progress: os.Stderr})
	if err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if n != 2 {
		t.Fatalf("translated %d, want 2", n)
	}
	if len(seen) != 3 || seen[0x2000] != entries[0x2000] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestWarmupCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Warmup(ctx, map[uint64]Entry{0x1000: {}}, func(context.Context, uint64, guest.ExecutionMode, bool) error {
		t.Errorf("translate called after cancellation")
		return nil
	}, WarmupOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Warmup = %v, want context.Canceled", err)
	}
}
