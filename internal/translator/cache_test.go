package translator

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/tinyrange/dbt/internal/guest"
)

type fakeCode struct {
	released atomic.Int32
}

func (c *fakeCode) Entry() uintptr { return 0x1000 }
func (c *fakeCode) Size() int      { return 1 }
func (c *fakeCode) Release() error {
	c.released.Add(1)
	return nil
}

func fakeFunction(address, min, end uint64, highCq bool) (*TranslatedFunction, *fakeCode) {
	code := &fakeCode{}
	return newTranslatedFunction(code, address, min, end, guest.ModeA64, highCq), code
}

func mustInstall(t *testing.T, c *codeCache, fn *TranslatedFunction) {
	t.Helper()
	res, old := c.install(fn, c.snapshot())
	if res != installed {
		t.Fatalf("install %s = %d", fn, res)
	}
	if old != nil {
		old.Release()
	}
}

func addresses(fns []*TranslatedFunction) []uint64 {
	out := make([]uint64, 0, len(fns))
	for _, fn := range fns {
		out = append(out, fn.Address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestCacheOverlapping(t *testing.T) {
	c := newCodeCache(0)
	for _, r := range [][3]uint64{
		{0x1000, 0x1000, 0x1010},
		{0x2000, 0x1800, 0x2400}, // entry is not the lowest address
		{0x3000, 0x3000, 0x3004},
		{0x8000, 0x4000, 0x9000}, // long function
	} {
		fn, _ := fakeFunction(r[0], r[1], r[2], false)
		mustInstall(t, c, fn)
	}

	for _, tc := range []struct {
		start, end uint64
		want       []uint64
	}{
		{0x0, 0x1000, nil},
		{0x100c, 0x100d, []uint64{0x1000}},
		{0x1010, 0x1800, nil},
		{0x17ff, 0x1801, []uint64{0x2000}},
		{0x3004, 0x3008, nil},
		{0x5000, 0x5004, []uint64{0x8000}},
		{0x0, ^uint64(0), []uint64{0x1000, 0x2000, 0x3000, 0x8000}},
	} {
		got := addresses(c.overlapping(tc.start, tc.end))
		if len(got) != len(tc.want) {
			t.Fatalf("overlapping(0x%x, 0x%x) = %x, want %x", tc.start, tc.end, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("overlapping(0x%x, 0x%x) = %x, want %x", tc.start, tc.end, got, tc.want)
			}
		}
	}
}

func TestCacheInvalidateWaitsForReferences(t *testing.T) {
	c := newCodeCache(0)
	fn, code := fakeFunction(0x1000, 0x1000, 0x1010, false)
	mustInstall(t, c, fn)

	running, gen := c.get(cacheKey{0x1000, guest.ModeA64})
	if running != fn {
		t.Fatalf("get returned %v", running)
	}

	for _, ev := range c.invalidate(0x1008, 0x100c) {
		ev.Release()
	}
	if again, _ := c.get(cacheKey{0x1000, guest.ModeA64}); again != nil {
		t.Fatalf("invalidated function still dispatchable")
	}
	if c.generation.Load() == gen {
		t.Fatalf("invalidation left the dispatch generation at %d", gen)
	}
	if n := code.released.Load(); n != 0 {
		t.Fatalf("code released while running")
	}
	running.Release()
	if n := code.released.Load(); n != 1 {
		t.Fatalf("code released %d times, want 1", n)
	}
}

func TestCacheRacedInstall(t *testing.T) {
	c := newCodeCache(0)

	since := c.snapshot()
	c.invalidate(0x5000, 0x6000)
	fn, code := fakeFunction(0x1000, 0x1000, 0x1010, false)
	if res, _ := c.install(fn, since); res != installed {
		t.Fatalf("unrelated invalidation blocked install: %d", res)
	}

	since = c.snapshot()
	c.invalidate(0x2000, 0x2004)
	racer, _ := fakeFunction(0x2000, 0x2000, 0x2008, false)
	if res, _ := c.install(racer, since); res != installRaced {
		t.Fatalf("overlapping invalidation did not block install: %d", res)
	}

	// a fresh snapshot sees the write
	again, _ := fakeFunction(0x2000, 0x2000, 0x2008, false)
	mustInstall(t, c, again)
	if c.len() != 2 || code.released.Load() != 0 {
		t.Fatalf("resident=%d released=%d", c.len(), code.released.Load())
	}
}

func TestCacheInvalidationLogHorizon(t *testing.T) {
	c := newCodeCache(0)
	since := c.snapshot()
	for i := 0; i < maxInvalidationLog+1; i++ {
		c.invalidate(0x100000, 0x100004)
	}
	fn, _ := fakeFunction(0x1000, 0x1000, 0x1010, false)
	if res, _ := c.install(fn, since); res != installRaced {
		t.Fatalf("compilation older than the log was installed")
	}
}

func TestCacheKeepsHighQuality(t *testing.T) {
	c := newCodeCache(0)
	low, lowCode := fakeFunction(0x1000, 0x1000, 0x1010, false)
	mustInstall(t, c, low)

	high, _ := fakeFunction(0x1000, 0x1000, 0x1020, true)
	res, old := c.install(high, c.snapshot())
	if res != installed || old != low {
		t.Fatalf("high quality install = %d, replaced %v", res, old)
	}
	old.Release()
	if lowCode.released.Load() != 1 {
		t.Fatalf("replaced function was not released")
	}

	late, _ := fakeFunction(0x1000, 0x1000, 0x1010, false)
	if res, _ := c.install(late, c.snapshot()); res != installKept {
		t.Fatalf("low quality replaced high quality: %d", res)
	}

	// the replacement's wider range is indexed, the old one is gone
	if got := c.overlapping(0x1018, 0x101c); len(got) != 1 || got[0] != high {
		t.Fatalf("overlapping = %v", got)
	}
	if c.ranges.Len() != 1 {
		t.Fatalf("range index has %d items, want 1", c.ranges.Len())
	}
}

func TestCacheRandomAgainstScan(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	c := newCodeCache(0)
	resident := map[uint64]*TranslatedFunction{}

	for i := 0; i < 2000; i++ {
		if r.Intn(3) > 0 {
			min := uint64(r.Intn(0x10000)) &^ 3
			end := min + 4 + uint64(r.Intn(0x400))&^3
			addr := min + uint64(r.Intn(int(end-min)))&^3
			fn, _ := fakeFunction(addr, min, end, false)
			res, old := c.install(fn, c.snapshot())
			if res != installed {
				t.Fatalf("install = %d", res)
			}
			if old != nil {
				old.Release()
			}
			resident[addr] = fn
			continue
		}

		start := uint64(r.Intn(0x10400))
		end := start + 1 + uint64(r.Intn(0x200))
		var want []uint64
		for addr, fn := range resident {
			if fn.Overlaps(start, end-start) {
				want = append(want, addr)
				delete(resident, addr)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		evicted := c.invalidate(start, end)
		got := addresses(evicted)
		if len(got) != len(want) {
			t.Fatalf("step %d: evicted %x, want %x", i, got, want)
		}
		for j := range got {
			if got[j] != want[j] {
				t.Fatalf("step %d: evicted %x, want %x", i, got, want)
			}
		}
		for _, fn := range evicted {
			fn.Release()
		}
	}
	if c.len() != len(resident) || c.ranges.Len() != len(resident) {
		t.Fatalf("cache has %d/%d functions, want %d", c.len(), c.ranges.Len(), len(resident))
	}
}

func TestCacheGenerationVisibleThroughAddress(t *testing.T) {
	c := newCodeCache(0)
	live := (*uint64)(unsafe.Pointer(c.generationAddress()))
	before := *live
	c.invalidate(0x1000, 0x1004)
	if *live != before+1 {
		t.Fatalf("generation at host address = %d, want %d", *live, before+1)
	}
	for _, fn := range c.clear() {
		fn.Release()
	}
	if *live != before+2 || c.snapshot() != *live {
		t.Fatalf("generation after clear = %d, snapshot %d", *live, c.snapshot())
	}
}

func TestCacheMarksCodePages(t *testing.T) {
	c := newCodeCache(1<<20 - 1)
	if c.codePagesAddress() == 0 {
		t.Fatalf("masked cache has no code page map")
	}
	c.markCode(0x1ff8, 0x2004)
	for _, tc := range []struct {
		address uint64
		want    bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x2fff, true},
		{0x3000, false},
		{0x101000, true}, // aliases 0x1000 through the mask
	} {
		if got := c.isCode(tc.address); got != tc.want {
			t.Fatalf("isCode(0x%x) = %v, want %v", tc.address, got, tc.want)
		}
	}

	if unmasked := newCodeCache(0); unmasked.codePagesAddress() != 0 || unmasked.isCode(0x1000) {
		t.Fatalf("unmasked cache tracks code pages")
	}
}

func TestTranslatedFunctionOverlaps(t *testing.T) {
	fn, _ := fakeFunction(0x1000, 0x1000, 0x1010, false)
	for _, tc := range []struct {
		address, size uint64
		want          bool
	}{
		{0x0, 0x1000, false},
		{0x0, 0x1001, true},
		{0x100f, 1, true},
		{0x1010, 0x10, false},
		{0x1004, 0, false},
		{0xffffffffffffff00, 0x200, false},
	} {
		if got := fn.Overlaps(tc.address, tc.size); got != tc.want {
			t.Fatalf("Overlaps(0x%x, 0x%x) = %v, want %v", tc.address, tc.size, got, tc.want)
		}
	}
}
