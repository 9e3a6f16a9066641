package translator

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
	"github.com/tinyrange/dbt/internal/guest"
)

type cacheKey struct {
	address uint64
	mode    guest.ExecutionMode
}

// rangeItem orders resident functions by the lowest guest address they
// cover.
type rangeItem struct {
	min uint64
	key cacheKey
}

func rangeLess(a, b rangeItem) bool {
	if a.min != b.min {
		return a.min < b.min
	}
	if a.key.address != b.key.address {
		return a.key.address < b.key.address
	}
	return a.key.mode < b.key.mode
}

type invalidation struct {
	generation uint64
	start, end uint64
}

// maxInvalidationLog bounds the invalidations remembered for race checks.
// A compilation older than the log is treated as raced.
const maxInvalidationLog = 1024

// codeCache maps entry points to resident functions.
//
// A lookup hands out a function together with the generation it was found
// in. Invalidation bumps the generation under mu, and translated code
// compares the two before running its first guest instruction, so a
// dispatch that loses the race returns without effect and looks up again.
type codeCache struct {
	mu      sync.RWMutex
	funcs   map[cacheKey]*TranslatedFunction
	ranges  *btree.BTreeG[rangeItem]
	maxSpan uint64

	// generation is read by translated code without mu; it only changes
	// with mu held.
	generation atomic.Uint64
	log        []invalidation
	horizon    uint64

	// pages has one byte per guest page, set once translated code has been
	// built from the page. Translated code reads it after every store.
	pages     []byte
	pageShift uint
}

// newCodeCache creates a cache for a guest address space addressed through
// mask. A zero mask leaves code pages untracked.
func newCodeCache(mask uint64) *codeCache {
	c := &codeCache{
		funcs:     make(map[cacheKey]*TranslatedFunction),
		ranges:    btree.NewG(16, rangeLess),
		pageShift: guest.PageBits,
	}
	if mask != 0 && mask != ^uint64(0) {
		c.pages = make([]byte, (mask>>guest.PageBits)+1)
	}
	return c
}

// get returns the resident function for key with a reference taken, or nil,
// and the generation it was found in.
func (c *codeCache) get(key cacheKey) (*TranslatedFunction, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gen := c.generation.Load()
	fn, ok := c.funcs[key]
	if !ok {
		return nil, gen
	}
	fn.acquire()
	return fn, gen
}

// generationAddress is the host address translated code reads the live
// generation from.
func (c *codeCache) generationAddress() uintptr {
	return uintptr(unsafe.Pointer(&c.generation))
}

// codePagesAddress is the host address of the code page map, or zero when
// pages are untracked.
func (c *codeCache) codePagesAddress() uintptr {
	if len(c.pages) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&c.pages[0]))
}

// markCode flags the pages under [start, end) as holding translated code.
// Flags are never cleared; a store to a page that no longer holds code only
// costs a trip through the dispatcher.
func (c *codeCache) markCode(start, end uint64) {
	if len(c.pages) == 0 || end <= start {
		return
	}
	mask := uint64(len(c.pages)) - 1
	c.mu.Lock()
	defer c.mu.Unlock()
	first := start >> c.pageShift
	last := (end - 1) >> c.pageShift
	for p := first; p <= last; p++ {
		c.pages[p&mask] = 1
	}
}

// isCode reports whether address lies on a page flagged by markCode.
func (c *codeCache) isCode(address uint64) bool {
	if len(c.pages) == 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pages[(address>>c.pageShift)&(uint64(len(c.pages))-1)] != 0
}

func (c *codeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.funcs)
}

// snapshot returns the current invalidation generation. A compilation
// started after snapshot may only be installed if no overlapping
// invalidation happened since.
func (c *codeCache) snapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation.Load()
}

func (c *codeCache) racedLocked(since, start, end uint64) bool {
	if since < c.horizon {
		return true
	}
	for i := len(c.log) - 1; i >= 0; i-- {
		inv := c.log[i]
		if inv.generation <= since {
			break
		}
		if inv.start < end && start < inv.end {
			return true
		}
	}
	return false
}

type installResult int

const (
	installed installResult = iota
	// installRaced means guest code changed while fn was compiled.
	installRaced
	// installKept means a better function was already resident.
	installKept
)

// install makes fn resident, taking over the caller's reference. Any
// function it replaces is returned for the caller to release.
func (c *codeCache) install(fn *TranslatedFunction, since uint64) (installResult, *TranslatedFunction) {
	key := cacheKey{fn.Address, fn.Mode}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.racedLocked(since, fn.MinAddress, fn.End) {
		return installRaced, nil
	}
	old, ok := c.funcs[key]
	if ok && old.HighCq && !fn.HighCq {
		return installKept, nil
	}
	if ok {
		c.ranges.Delete(rangeItem{min: old.MinAddress, key: key})
	}
	c.funcs[key] = fn
	c.ranges.ReplaceOrInsert(rangeItem{min: fn.MinAddress, key: key})
	if span := fn.End - fn.MinAddress; span > c.maxSpan {
		c.maxSpan = span
	}
	return installed, old
}

func (c *codeCache) overlappingLocked(start, end uint64) []*TranslatedFunction {
	var from uint64
	if start > c.maxSpan {
		from = start - c.maxSpan
	}
	var out []*TranslatedFunction
	c.ranges.AscendRange(rangeItem{min: from}, rangeItem{min: end}, func(item rangeItem) bool {
		if fn := c.funcs[item.key]; fn.End > start {
			out = append(out, fn)
		}
		return true
	})
	return out
}

// overlapping returns the resident functions intersecting [start, end).
func (c *codeCache) overlapping(start, end uint64) []*TranslatedFunction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overlappingLocked(start, end)
}

// invalidate evicts every function intersecting [start, end) and returns
// them. The cache's references are transferred to the caller.
func (c *codeCache) invalidate(start, end uint64) []*TranslatedFunction {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.overlappingLocked(start, end)
	for _, fn := range evicted {
		key := cacheKey{fn.Address, fn.Mode}
		delete(c.funcs, key)
		c.ranges.Delete(rangeItem{min: fn.MinAddress, key: key})
	}

	gen := c.generation.Add(1)
	if len(c.log) == maxInvalidationLog {
		c.horizon = c.log[0].generation
		c.log = append(c.log[:0], c.log[1:]...)
	}
	c.log = append(c.log, invalidation{generation: gen, start: start, end: end})
	return evicted
}

// clear evicts everything.
func (c *codeCache) clear() []*TranslatedFunction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TranslatedFunction, 0, len(c.funcs))
	for _, fn := range c.funcs {
		out = append(out, fn)
	}
	c.funcs = make(map[cacheKey]*TranslatedFunction)
	c.ranges.Clear(false)
	c.horizon = c.generation.Add(1)
	c.log = c.log[:0]
	return out
}
