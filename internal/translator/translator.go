// Package translator turns guest code into host code on demand and runs it.
//
// A Translator owns the code cache for one guest address space. Functions
// are compiled on first dispatch at low quality, recompiled at high quality
// once they become hot, and evicted when the guest memory they were built
// from is unmapped or rewritten.
package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/asm/amd64"
	"github.com/tinyrange/dbt/internal/decoder"
	"github.com/tinyrange/dbt/internal/emitter"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ir"
	iramd64 "github.com/tinyrange/dbt/internal/ir/amd64"
	"github.com/tinyrange/dbt/internal/ir/opt"
	"github.com/tinyrange/dbt/internal/ptc"
	"github.com/tinyrange/dbt/internal/regalloc"
	"github.com/tinyrange/dbt/internal/timeslice"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxSpillBytes caps the stack frame of a translated function.
	DefaultMaxSpillBytes = 64 << 10

	// maxInstallAttempts bounds retries of a translation that keeps racing
	// with writes to its guest code.
	maxInstallAttempts = 8

	tierUpQueueSize = 256
)

var (
	tsDecode   = timeslice.RegisterKind("decode", timeslice.SliceFlagCompile)
	tsEmit     = timeslice.RegisterKind("emit", timeslice.SliceFlagCompile)
	tsOptimize = timeslice.RegisterKind("optimize", timeslice.SliceFlagCompile)
	tsRegalloc = timeslice.RegisterKind("regalloc", timeslice.SliceFlagCompile)
	tsCodegen  = timeslice.RegisterKind("codegen", timeslice.SliceFlagCompile)
	tsMap      = timeslice.RegisterKind("map", timeslice.SliceFlagCompile)
	tsGuest    = timeslice.RegisterKind("guest", timeslice.SliceFlagGuest)
)

type Options struct {
	// HighCqOnly compiles every function at high quality on first use.
	HighCqOnly bool

	// TierUpThreshold is the number of calls after which a low quality
	// function is recompiled at high quality. Zero disables tier-up.
	TierUpThreshold uint64

	// TierUpWorkers is the number of background recompilation workers.
	// Defaults to one.
	TierUpWorkers int

	// MaxSpillBytes defaults to DefaultMaxSpillBytes.
	MaxSpillBytes int

	// Profiler, when set, is told about every translated entry point.
	Profiler *ptc.Profiler

	// CodeCache, when set, supplies previously generated code and stores
	// new translations.
	CodeCache *ptc.CodeCache

	// SupervisorCall handles guest supervisor calls. Returning ErrExit stops
	// Execute cleanly; any other error stops it with that error.
	SupervisorCall func(ec *guest.ExecutionContext) error

	Logger *slog.Logger
}

type Translator struct {
	mem    guest.MemoryManager
	opts   Options
	logger *slog.Logger

	cache   *codeCache
	flights singleflight.Group
	helpers map[ir.HelperID]*amd64.Code

	unsubscribe func()

	tierUp chan cacheKey
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a translator for mem and subscribes it to mem's
// invalidations.
func New(mem guest.MemoryManager, opts Options) (*Translator, error) {
	if opts.MaxSpillBytes <= 0 {
		opts.MaxSpillBytes = DefaultMaxSpillBytes
	}
	if opts.TierUpWorkers <= 0 {
		opts.TierUpWorkers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Translator{
		mem:     mem,
		opts:    opts,
		logger:  logger.With("component", "translator"),
		cache:   newCodeCache(mem.AddressMask()),
		helpers: make(map[ir.HelperID]*amd64.Code),
		tierUp:  make(chan cacheKey, tierUpQueueSize),
		done:    make(chan struct{}),
	}

	for _, id := range iramd64.HelperIDs() {
		frag, err := iramd64.HelperStub(id)
		if err != nil {
			t.releaseHelpers()
			return nil, fmt.Errorf("translator: helper %s: %w", id, err)
		}
		code, err := amd64.Compile(frag)
		if err != nil {
			t.releaseHelpers()
			return nil, fmt.Errorf("translator: assemble helper %s: %w", id, err)
		}
		t.helpers[id] = code
	}

	t.unsubscribe = mem.Subscribe(t.Invalidate)

	if opts.TierUpThreshold > 0 {
		for i := 0; i < opts.TierUpWorkers; i++ {
			t.wg.Add(1)
			go t.tierUpWorker()
		}
	}
	return t, nil
}

func (t *Translator) releaseHelpers() {
	for id, code := range t.helpers {
		_ = code.Release()
		delete(t.helpers, id)
	}
}

func (t *Translator) helperAddress(id ir.HelperID) (uintptr, error) {
	code, ok := t.helpers[id]
	if !ok {
		return 0, fmt.Errorf("no helper %s", id)
	}
	return code.Entry(), nil
}

// resolver returns how generated code reaches helpers. Code that may be
// persisted refers to them through relocations; otherwise their addresses
// are embedded directly.
func (t *Translator) resolver() iramd64.SymbolResolver {
	if t.opts.CodeCache != nil {
		return iramd64.RelocatingResolver{}
	}
	return iramd64.DirectResolver{Lookup: func(id ir.HelperID) (uintptr, bool) {
		code, ok := t.helpers[id]
		if !ok {
			return 0, false
		}
		return code.Entry(), true
	}}
}

// Resident returns the number of functions in the code cache.
func (t *Translator) Resident() int { return t.cache.len() }

// Lookup returns a resident function without translating. The caller must
// Release it.
func (t *Translator) Lookup(address uint64, mode guest.ExecutionMode) (*TranslatedFunction, bool) {
	fn, _ := t.cache.get(cacheKey{address, mode})
	return fn, fn != nil
}

// GetOrTranslate returns the function at address, compiling it if needed.
// Concurrent requests for the same entry share one compilation. The caller
// must Release the result.
func (t *Translator) GetOrTranslate(address uint64, mode guest.ExecutionMode) (*TranslatedFunction, error) {
	fn, _, err := t.dispatch(address, mode)
	return fn, err
}

// dispatch is GetOrTranslate that also returns the cache generation the
// function was found in, for the generation check on entry.
func (t *Translator) dispatch(address uint64, mode guest.ExecutionMode) (*TranslatedFunction, uint64, error) {
	key := cacheKey{address, mode}
	for {
		if fn, gen := t.cache.get(key); fn != nil {
			return fn, gen, nil
		}
		if t.closed.Load() {
			return nil, 0, ErrClosed
		}
		highCq := t.opts.HighCqOnly
		_, err, _ := t.flights.Do(flightKey(key, highCq), func() (any, error) {
			if fn, _ := t.cache.get(key); fn != nil {
				fn.Release()
				return nil, nil
			}
			return nil, t.translate(address, mode, highCq)
		})
		if err != nil {
			return nil, 0, err
		}
		// the installed function may already have been invalidated; go
		// around again
	}
}

// Translate compiles and installs the function at address unless an equal
// or better one is already resident. It is used to warm the cache from a
// profile.
func (t *Translator) Translate(ctx context.Context, address uint64, mode guest.ExecutionMode, highCq bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := cacheKey{address, mode}
	_, err, _ := t.flights.Do(flightKey(key, highCq), func() (any, error) {
		if fn, _ := t.cache.get(key); fn != nil {
			good := fn.HighCq || !highCq
			fn.Release()
			if good {
				return nil, nil
			}
		}
		return nil, t.translate(address, mode, highCq)
	})
	return err
}

func flightKey(key cacheKey, highCq bool) string {
	q := 'l'
	if highCq {
		q = 'h'
	}
	return fmt.Sprintf("%d:%x:%c", key.mode, key.address, q)
}

// translate builds a function and installs it, retrying when guest code
// under it changed during compilation.
func (t *Translator) translate(address uint64, mode guest.ExecutionMode, highCq bool) error {
	for attempt := 0; attempt < maxInstallAttempts; attempt++ {
		since := t.cache.snapshot()

		b, err := t.build(address, mode, highCq)
		if err != nil {
			t.logger.Error("translation failed", "address", hex(address), "mode", mode, "error", err)
			return err
		}
		fn := b.fn

		// Stores from translated code only report pages that are already
		// flagged, so flag them before checking the code is still what was
		// translated.
		t.cache.markCode(fn.MinAddress, fn.End)
		if !b.unchanged() {
			fn.Release()
			t.logger.Debug("guest code changed during translation", "address", hex(address), "attempt", attempt)
			continue
		}

		result, old := t.cache.install(fn, since)
		switch result {
		case installRaced:
			fn.Release()
			t.logger.Debug("translation raced with invalidation", "address", hex(address), "attempt", attempt)
			continue
		case installKept:
			fn.Release()
			return nil
		}
		if old != nil {
			old.Release()
		}
		if b.cached != nil {
			t.opts.CodeCache.Put(b.cached)
		}
		t.opts.Profiler.AddEntry(address, mode, fn.HighCq)
		return nil
	}
	return &CompileError{Address: address, Mode: mode, Err: errTooManyRetries}
}

// built is a function ready to install.
type built struct {
	fn *TranslatedFunction
	// cached is set when freshly compiled code should be persisted.
	cached *ptc.CachedFunction
	// unchanged reports whether guest memory still holds the code fn was
	// built from.
	unchanged func() bool
}

// build produces a function from the persisted code cache when possible and
// compiles it otherwise.
func (t *Translator) build(address uint64, mode guest.ExecutionMode, highCq bool) (built, error) {
	if cc := t.opts.CodeCache; cc != nil {
		if cf, ok := cc.Lookup(t.mem, address, mode); ok && (cf.HighCq || !highCq) && cf.AddressMask == t.mem.AddressMask() {
			code, err := t.materialize(cf.Code, cf.Relocations)
			if err == nil {
				t.logger.Debug("loaded cached translation", "address", hex(address), "mode", mode, "hcq", cf.HighCq)
				return built{
					fn: newTranslatedFunction(code, cf.Address, cf.MinAddress, cf.End, cf.Mode, cf.HighCq),
					unchanged: func() bool {
						h, err := ptc.HashGuestCode(t.mem, cf.MinAddress, cf.End)
						return err == nil && h == cf.GuestHash
					},
				}, nil
			}
			t.logger.Warn("discarding cached translation", "address", hex(address), "error", err)
		}
	}
	return t.compile(address, mode, highCq)
}

func (t *Translator) compile(address uint64, mode guest.ExecutionMode, highCq bool) (built, error) {
	fail := func(stage string, err error) (built, error) {
		return built{}, &CompileError{Address: address, Mode: mode, Err: fmt.Errorf("%s: %w", stage, err)}
	}
	rec := timeslice.NewRecorder()

	dfn, err := decoder.DecodeFunction(t.mem, address, mode, highCq)
	if err != nil {
		return fail("decode", err)
	}
	rec.Record(tsDecode)

	f, err := emitter.Translate(dfn)
	if err != nil {
		return fail("emit", err)
	}
	rec.Record(tsEmit)

	level := opt.LowQuality
	if highCq {
		level = opt.HighQuality
	}
	stats, err := opt.Run(f, level)
	if err != nil {
		return fail("optimize", err)
	}
	rec.Record(tsOptimize)

	alloc, err := regalloc.Allocate(f, iramd64.RegisterMask(), regalloc.Options{MaxSpillBytes: t.opts.MaxSpillBytes})
	if err != nil {
		return fail("allocate registers", err)
	}
	rec.Record(tsRegalloc)

	out, err := iramd64.Generate(f, alloc, iramd64.Options{
		AddressMask:     t.mem.AddressMask(),
		Resolver:        t.resolver(),
		CheckGeneration: true,
	})
	if err != nil {
		return fail("generate", err)
	}
	rec.Record(tsCodegen)

	code, err := t.materialize(out.Code, out.Relocations)
	if err != nil {
		return fail("map", err)
	}
	rec.Record(tsMap)

	b := built{
		fn:        newTranslatedFunction(code, address, dfn.MinAddress, dfn.End, mode, highCq),
		unchanged: func() bool { return !dfn.Changed(t.mem) },
	}

	t.logger.Debug("translated",
		"address", hex(address),
		"mode", mode,
		"hcq", highCq,
		"instructions", dfn.InstructionCount(),
		"blocks", len(f.Blocks),
		"folded", stats.Folded,
		"spill", alloc.SpillSize,
		"bytes", len(out.Code),
	)

	if t.opts.CodeCache != nil {
		if h, err := ptc.HashGuestCode(t.mem, dfn.MinAddress, dfn.End); err == nil {
			b.cached = &ptc.CachedFunction{
				Address:     address,
				MinAddress:  dfn.MinAddress,
				End:         dfn.End,
				Mode:        mode,
				HighCq:      highCq,
				AddressMask: t.mem.AddressMask(),
				GuestHash:   h,
				Code:        out.Code,
				Relocations: out.Relocations,
			}
		}
	}
	return b, nil
}

// materialize fills in helper addresses and maps the code executable.
func (t *Translator) materialize(code []byte, relocations []asm.Relocation) (asm.NativeCode, error) {
	linked, err := iramd64.Relocate(code, relocations, t.helperAddress)
	if err != nil {
		return nil, err
	}
	return amd64.Map(linked)
}

// Invalidate evicts every function whose guest code intersects
// [address, address+size). Once it returns no dispatch can enter an evicted
// function.
func (t *Translator) Invalidate(address, size uint64) {
	if size == 0 {
		return
	}
	end := address + size
	if end < address {
		end = ^uint64(0)
	}
	evicted := t.cache.invalidate(address, end)
	if t.opts.CodeCache != nil {
		t.opts.CodeCache.Invalidate(address, size)
	}
	for _, fn := range evicted {
		fn.Release()
	}
	if len(evicted) > 0 {
		t.logger.Debug("invalidated", "address", hex(address), "size", size, "evicted", len(evicted))
	}
}

// countCall records a dispatch of fn and queues it for recompilation once
// it is hot.
func (t *Translator) countCall(fn *TranslatedFunction) {
	calls := fn.calls.Add(1)
	if fn.HighCq || t.opts.TierUpThreshold == 0 || calls < t.opts.TierUpThreshold {
		return
	}
	if !fn.queued.CompareAndSwap(false, true) {
		return
	}
	select {
	case t.tierUp <- cacheKey{fn.Address, fn.Mode}:
	default:
		// queue full; try again on a later call
		fn.queued.Store(false)
	}
}

func (t *Translator) tierUpWorker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case key := <-t.tierUp:
			t.promote(key)
		}
	}
}

func (t *Translator) promote(key cacheKey) {
	fn, _ := t.cache.get(key)
	if fn == nil {
		return
	}
	hq := fn.HighCq
	fn.Release()
	if hq {
		return
	}

	_, err, _ := t.flights.Do(flightKey(key, true), func() (any, error) {
		return nil, t.translate(key.address, key.mode, true)
	})
	if err != nil {
		t.logger.Warn("tier-up failed", "address", hex(key.address), "mode", key.mode, "error", err)
		return
	}
	t.opts.Profiler.UpdateEntry(key.address, key.mode, true)
	t.logger.Debug("tiered up", "address", hex(key.address), "mode", key.mode)
}

// Shutdown stops background work, saves the profile and code cache, and
// releases all code. Execute must not be running.
func (t *Translator) Shutdown() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.unsubscribe()
	close(t.done)
	t.wg.Wait()

	var errs []error
	if err := t.opts.Profiler.Stop(); err != nil {
		errs = append(errs, err)
	}
	if t.opts.CodeCache != nil {
		if err := t.opts.CodeCache.Save(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, fn := range t.cache.clear() {
		fn.Release()
	}
	t.releaseHelpers()
	t.logger.Info("translator shut down")
	return errors.Join(errs...)
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }
