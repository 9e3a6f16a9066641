package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

const (
	PageBits = 12
	PageSize = 1 << PageBits
)

var ErrUnmapped = errors.New("guest: access to unmapped memory")

// InvalidateFunc receives the range of a guest memory region that was
// unmapped or rewritten.
type InvalidateFunc func(address, size uint64)

// MemoryManager is the view of guest memory the translator depends on.
type MemoryManager interface {
	Read(address uint64, dst []byte) error
	Write(address uint64, src []byte) error
	// Subscribe registers fn to be called synchronously whenever a range is
	// unmapped or overwritten through Write. The returned function removes the
	// subscription.
	Subscribe(fn InvalidateFunc) (cancel func())
	// HostBase returns the host address translated code adds guest addresses to.
	HostBase() uintptr
	// AddressMask is applied to every guest address used by translated code.
	AddressMask() uint64
}

// Memory is a flat guest address space backed by a single host allocation.
// The size is a power of two so translated code can bound accesses with a
// mask instead of a compare.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	mapped []uint64

	subMu   sync.Mutex
	subs    map[int]InvalidateFunc
	nextSub int
}

var _ MemoryManager = (*Memory)(nil)

// NewMemory allocates size bytes of guest memory. No pages are mapped.
func NewMemory(size uint64) (*Memory, error) {
	if size < PageSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("guest: memory size 0x%x must be a power of two of at least one page", size)
	}
	pages := size >> PageBits
	return &Memory{
		data:   make([]byte, size),
		mapped: make([]uint64, (pages+63)/64),
		subs:   make(map[int]InvalidateFunc),
	}, nil
}

func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) HostBase() uintptr {
	return uintptr(unsafe.Pointer(&m.data[0]))
}

func (m *Memory) AddressMask() uint64 {
	return uint64(len(m.data)) - 1
}

func (m *Memory) checkRange(address, size uint64) error {
	if size == 0 {
		return fmt.Errorf("guest: zero-size range at 0x%x", address)
	}
	end := address + size
	if end < address || end > uint64(len(m.data)) {
		return fmt.Errorf("guest: range [0x%x, 0x%x) outside memory of size 0x%x", address, end, len(m.data))
	}
	return nil
}

func pageSpan(address, size uint64) (first, last uint64) {
	return address >> PageBits, (address + size - 1) >> PageBits
}

// Map marks the pages covering [address, address+size) as accessible.
func (m *Memory) Map(address, size uint64) error {
	if err := m.checkRange(address, size); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	first, last := pageSpan(address, size)
	for p := first; p <= last; p++ {
		m.mapped[p/64] |= 1 << (p % 64)
	}
	return nil
}

// Unmap clears and unmaps the pages covering the range, then notifies
// subscribers before returning.
func (m *Memory) Unmap(address, size uint64) error {
	if err := m.checkRange(address, size); err != nil {
		return err
	}
	first, last := pageSpan(address, size)

	m.mu.Lock()
	for p := first; p <= last; p++ {
		m.mapped[p/64] &^= 1 << (p % 64)
	}
	clear(m.data[first<<PageBits : (last+1)<<PageBits])
	m.mu.Unlock()

	m.notify(first<<PageBits, (last-first+1)<<PageBits)
	return nil
}

// IsMapped reports whether every page of the range is mapped.
func (m *Memory) IsMapped(address, size uint64) bool {
	if m.checkRange(address, size) != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isMappedLocked(address, size)
}

func (m *Memory) isMappedLocked(address, size uint64) bool {
	first, last := pageSpan(address, size)
	for p := first; p <= last; p++ {
		if m.mapped[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

func (m *Memory) Read(address uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if err := m.checkRange(address, uint64(len(dst))); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.isMappedLocked(address, uint64(len(dst))) {
		return fmt.Errorf("%w: read 0x%x+%d", ErrUnmapped, address, len(dst))
	}
	copy(dst, m.data[address:])
	return nil
}

// Write copies src into guest memory and reports the range as modified.
func (m *Memory) Write(address uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := m.checkRange(address, uint64(len(src))); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.isMappedLocked(address, uint64(len(src))) {
		m.mu.Unlock()
		return fmt.Errorf("%w: write 0x%x+%d", ErrUnmapped, address, len(src))
	}
	copy(m.data[address:], src)
	m.mu.Unlock()

	m.notify(address, uint64(len(src)))
	return nil
}

func (m *Memory) Subscribe(fn InvalidateFunc) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Memory) notify(address, size uint64) {
	m.subMu.Lock()
	subs := make([]InvalidateFunc, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(address, size)
	}
}

// ReadUint16 reads a little-endian halfword through any memory manager.
func ReadUint16(mem MemoryManager, address uint64) (uint16, error) {
	var buf [2]byte
	if err := mem.Read(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a little-endian word through any memory manager.
func ReadUint32(mem MemoryManager, address uint64) (uint32, error) {
	var buf [4]byte
	if err := mem.Read(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian doubleword through any memory manager.
func ReadUint64(mem MemoryManager, address uint64) (uint64, error) {
	var buf [8]byte
	if err := mem.Read(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteWords stores a sequence of 32-bit instruction words.
func WriteWords(mem MemoryManager, address uint64, words ...uint32) error {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return mem.Write(address, buf)
}

// WriteHalfwords stores a sequence of 16-bit instruction halfwords.
func WriteHalfwords(mem MemoryManager, address uint64, halves ...uint16) error {
	buf := make([]byte, 2*len(halves))
	for i, h := range halves {
		binary.LittleEndian.PutUint16(buf[i*2:], h)
	}
	return mem.Write(address, buf)
}
