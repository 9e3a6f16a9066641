package ptc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/tinyrange/dbt/internal/asm"
	"github.com/tinyrange/dbt/internal/guest"
)

const codeCacheVersion = 2

var codeCacheFormat = container{
	magic:   [magicSize]byte{'D', 'B', 'T', 'C', 'O', 'D', 'E', 0},
	version: codeCacheVersion,
}

// maxCachedCode bounds a single function's code when parsing.
const maxCachedCode = 16 << 20

// CachedFunction is relocatable host code for one guest function together
// with a hash of the guest bytes it was translated from.
type CachedFunction struct {
	Address    uint64
	MinAddress uint64
	End        uint64
	Mode       guest.ExecutionMode
	HighCq     bool

	// AddressMask is the guest address mask baked into Code.
	AddressMask uint64

	GuestHash   [hashSize]byte
	Code        []byte
	Relocations []asm.Relocation
}

type codeKey struct {
	address uint64
	mode    guest.ExecutionMode
}

// CodeCache holds translated code across runs. Entries are only handed out
// while the guest bytes they were built from are unchanged.
type CodeCache struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	funcs map[codeKey]*CachedFunction
	dirty bool
}

// OpenCodeCache loads the cache at path. A missing or corrupt file yields an
// empty cache.
func OpenCodeCache(path string, logger *slog.Logger) *CodeCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CodeCache{
		path:   path,
		logger: logger.With("component", "ptc", "cache", "code"),
		funcs:  make(map[codeKey]*CachedFunction),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c
	case err != nil:
		c.logger.Warn("read code cache", "path", path, "error", err)
		return c
	}

	body, err := codeCacheFormat.decode(data)
	if err == nil {
		var funcs []*CachedFunction
		if funcs, err = parseCodeCache(body); err == nil {
			for _, fn := range funcs {
				c.funcs[codeKey{fn.Address, fn.Mode}] = fn
			}
			c.logger.Info("loaded code cache", "path", path, "functions", len(funcs))
			return c
		}
	}
	c.logger.Warn("discarding code cache", "path", path, "error", err)
	if terr := os.Truncate(path, 0); terr != nil {
		c.logger.Warn("truncate code cache", "path", path, "error", terr)
	}
	return c
}

// HashGuestCode hashes the guest bytes in [start, end).
func HashGuestCode(mem guest.MemoryManager, start, end uint64) ([hashSize]byte, error) {
	if end < start {
		return [hashSize]byte{}, fmt.Errorf("ptc: inverted range 0x%x-0x%x", start, end)
	}
	buf := make([]byte, end-start)
	if err := mem.Read(start, buf); err != nil {
		return [hashSize]byte{}, err
	}
	return sum128(buf), nil
}

func (c *CodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.funcs)
}

// Put stores fn, replacing any entry with the same address and mode.
func (c *CodeCache) Put(fn *CachedFunction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[codeKey{fn.Address, fn.Mode}] = fn
	c.dirty = true
}

// Lookup returns the cached function for address when the guest bytes it
// covers still hash the same. Stale entries are dropped.
func (c *CodeCache) Lookup(mem guest.MemoryManager, address uint64, mode guest.ExecutionMode) (*CachedFunction, bool) {
	key := codeKey{address, mode}
	c.mu.Lock()
	fn, ok := c.funcs[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	h, err := HashGuestCode(mem, fn.MinAddress, fn.End)
	if err == nil && h == fn.GuestHash {
		return fn, true
	}

	c.mu.Lock()
	if c.funcs[key] == fn {
		delete(c.funcs, key)
		c.dirty = true
	}
	c.mu.Unlock()
	c.logger.Debug("stale cached function", "address", fmt.Sprintf("0x%x", address), "mode", mode)
	return nil, false
}

// Invalidate drops every function overlapping [address, address+size).
func (c *CodeCache) Invalidate(address, size uint64) {
	end := address + size
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fn := range c.funcs {
		if fn.MinAddress < end && address < fn.End {
			delete(c.funcs, key)
			c.dirty = true
		}
	}
}

// Save writes the cache if it changed since it was opened or last saved.
func (c *CodeCache) Save() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	funcs := make([]*CachedFunction, 0, len(c.funcs))
	for _, fn := range c.funcs {
		funcs = append(funcs, fn)
	}
	c.dirty = false
	c.mu.Unlock()

	sort.Slice(funcs, func(i, j int) bool {
		if funcs[i].Address != funcs[j].Address {
			return funcs[i].Address < funcs[j].Address
		}
		return funcs[i].Mode < funcs[j].Mode
	})

	data, err := codeCacheFormat.encode(serializeCodeCache(funcs))
	if err != nil {
		return fmt.Errorf("ptc: encode code cache: %w", err)
	}
	if err := replaceWithBackup(c.path, data); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("ptc: save code cache: %w", err)
	}
	c.logger.Debug("saved code cache", "path", c.path, "functions", len(funcs))
	return nil
}

func serializeCodeCache(funcs []*CachedFunction) []byte {
	var body []byte
	body = binary.LittleEndian.AppendUint64(body, uint64(len(funcs)))
	for _, fn := range funcs {
		body = binary.LittleEndian.AppendUint64(body, fn.Address)
		body = binary.LittleEndian.AppendUint64(body, fn.MinAddress)
		body = binary.LittleEndian.AppendUint64(body, fn.End)
		body = binary.LittleEndian.AppendUint64(body, fn.AddressMask)
		body = binary.LittleEndian.AppendUint32(body, uint32(fn.Mode))
		var hq byte
		if fn.HighCq {
			hq = 1
		}
		body = append(body, hq, 0, 0, 0)
		body = append(body, fn.GuestHash[:]...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(fn.Code)))
		body = append(body, fn.Code...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(fn.Relocations)))
		for _, r := range fn.Relocations {
			body = binary.LittleEndian.AppendUint32(body, uint32(r.Offset))
			body = binary.LittleEndian.AppendUint32(body, uint32(r.Symbol.Kind))
			body = binary.LittleEndian.AppendUint32(body, uint32(r.Symbol.ID))
		}
	}
	return body
}

func parseCodeCache(body []byte) ([]*CachedFunction, error) {
	d := &decoder{buf: body}
	count := d.u64()
	var funcs []*CachedFunction
	for i := uint64(0); i < count && d.err == nil; i++ {
		fn := &CachedFunction{
			Address:    d.u64(),
			MinAddress: d.u64(),
			End:        d.u64(),
		}
		fn.AddressMask = d.u64()
		fn.Mode = guest.ExecutionMode(d.u32())
		fn.HighCq = d.u8() != 0
		d.take(3)
		copy(fn.GuestHash[:], d.take(hashSize))

		n := d.u32()
		if n > maxCachedCode {
			return nil, fmt.Errorf("%w: function 0x%x has %d bytes of code", ErrCorrupt, fn.Address, n)
		}
		fn.Code = append([]byte(nil), d.take(int(n))...)

		relocs := d.u32()
		if d.err == nil && uint64(relocs)*12 > uint64(len(d.buf)) {
			return nil, fmt.Errorf("%w: relocation count %d exceeds body", ErrCorrupt, relocs)
		}
		for j := uint32(0); j < relocs && d.err == nil; j++ {
			r := asm.Relocation{Offset: int(d.u32())}
			r.Symbol.Kind = asm.SymbolKind(d.u32())
			r.Symbol.ID = int(d.u32())
			if d.err == nil && r.Offset+8 > len(fn.Code) {
				return nil, fmt.Errorf("%w: relocation at %d outside function 0x%x", ErrCorrupt, r.Offset, fn.Address)
			}
			fn.Relocations = append(fn.Relocations, r)
		}
		if fn.End < fn.MinAddress || fn.Address < fn.MinAddress || fn.Address >= fn.End {
			return nil, fmt.Errorf("%w: function 0x%x has range 0x%x-0x%x", ErrCorrupt, fn.Address, fn.MinAddress, fn.End)
		}
		funcs = append(funcs, fn)
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return funcs, nil
}
