// Package ptc persists translation state across runs. The Profiler records
// which guest functions were translated and at what quality so a later run
// can retranslate them before they are first executed. The CodeCache keeps
// the generated code itself.
package ptc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/timeslice"
)

const DefaultSaveInterval = 30 * time.Second

const profileVersion = 1

var profileFormat = container{
	magic:   [magicSize]byte{'D', 'B', 'T', 'P', 'R', 'O', 'F', 0},
	version: profileVersion,
}

// entryRecordSize is mode (u32), highCq (u8) and three bytes of padding.
const entryRecordSize = 8

var (
	tsProfileLoad = timeslice.RegisterKind("ptc_profile_load", timeslice.SliceFlagStartup)
	tsProfileSave = timeslice.RegisterKind("ptc_profile_save", 0)
)

// Entry is the profile of one translated guest function.
type Entry struct {
	Mode   guest.ExecutionMode
	HighCq bool
}

type ProfilerOptions struct {
	// Path is the profile file. The backup lives next to it with a .bak
	// suffix.
	Path string

	Enabled bool

	// Only entry points in [StaticStart, StaticEnd) are profiled.
	StaticStart uint64
	StaticEnd   uint64

	// SaveInterval defaults to DefaultSaveInterval.
	SaveInterval time.Duration

	Logger *slog.Logger
}

// Profiler tracks translated entry points and persists them. All methods are
// safe for concurrent use.
type Profiler struct {
	opts   ProfilerOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uint64]Entry

	saveMu    sync.Mutex
	saveCond  *sync.Cond
	saving    bool
	savedHash hash128
	haveSaved bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

func NewProfiler(opts ProfilerOptions) *Profiler {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Profiler{
		opts:    opts,
		logger:  logger.With("component", "ptc"),
		entries: make(map[uint64]Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.saveCond = sync.NewCond(&p.saveMu)
	return p
}

func (p *Profiler) Enabled() bool { return p != nil && p.opts.Enabled }

func (p *Profiler) BackupPath() string { return p.opts.Path + ".bak" }

func (p *Profiler) inStaticRange(address uint64) bool {
	return address >= p.opts.StaticStart && address < p.opts.StaticEnd
}

// AddEntry records a newly translated function. Existing entries are left
// alone, as are addresses outside the static range.
func (p *Profiler) AddEntry(address uint64, mode guest.ExecutionMode, highCq bool) {
	if !p.Enabled() || !p.inStaticRange(address) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[address]; ok {
		return
	}
	p.entries[address] = Entry{Mode: mode, HighCq: highCq}
}

// UpdateEntry replaces the entry for a retranslated function. The entry must
// have been added first.
func (p *Profiler) UpdateEntry(address uint64, mode guest.ExecutionMode, highCq bool) {
	if !p.Enabled() || !p.inStaticRange(address) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[address]; !ok {
		panic(fmt.Sprintf("ptc: update of unprofiled address 0x%x", address))
	}
	p.entries[address] = Entry{Mode: mode, HighCq: highCq}
}

// Entries returns a copy of the profile.
func (p *Profiler) Entries() map[uint64]Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint64]Entry, len(p.entries))
	for addr, e := range p.entries {
		out[addr] = e
	}
	return out
}

func (p *Profiler) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Profiler) serialize() []byte {
	p.mu.Lock()
	addrs := make([]uint64, 0, len(p.entries))
	for addr := range p.entries {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	body := make([]byte, 0, 8+len(addrs)*(8+entryRecordSize))
	body = binary.LittleEndian.AppendUint64(body, uint64(len(addrs)))
	for _, addr := range addrs {
		e := p.entries[addr]
		body = binary.LittleEndian.AppendUint64(body, addr)
		body = binary.LittleEndian.AppendUint32(body, uint32(e.Mode))
		var hq byte
		if e.HighCq {
			hq = 1
		}
		body = append(body, hq, 0, 0, 0)
	}
	p.mu.Unlock()
	return body
}

func parseProfile(body []byte) (map[uint64]Entry, error) {
	d := &decoder{buf: body}
	count := d.u64()
	if d.err == nil && count > uint64(len(d.buf))/(8+entryRecordSize) {
		return nil, fmt.Errorf("%w: entry count %d exceeds body", ErrCorrupt, count)
	}
	entries := make(map[uint64]Entry, count)
	for i := uint64(0); i < count && d.err == nil; i++ {
		addr := d.u64()
		mode := guest.ExecutionMode(d.u32())
		hq := d.u8()
		d.take(3)
		if _, dup := entries[addr]; dup {
			return nil, fmt.Errorf("%w: duplicate entry 0x%x", ErrCorrupt, addr)
		}
		entries[addr] = Entry{Mode: mode, HighCq: hq != 0}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Save writes the profile if it changed since the last save or load. The
// previous file is kept as the backup.
func (p *Profiler) Save() error {
	if !p.Enabled() {
		return nil
	}
	rec := timeslice.NewRecorder()

	p.saveMu.Lock()
	for p.saving {
		p.saveCond.Wait()
	}
	p.saving = true
	p.saveMu.Unlock()

	defer func() {
		p.saveMu.Lock()
		p.saving = false
		p.saveCond.Broadcast()
		p.saveMu.Unlock()
	}()

	body := p.serialize()
	h := sum128(body)
	if p.haveSaved && h == p.savedHash {
		return nil
	}

	data, err := profileFormat.encode(body)
	if err != nil {
		return fmt.Errorf("ptc: encode profile: %w", err)
	}
	if err := replaceWithBackup(p.opts.Path, data); err != nil {
		return fmt.Errorf("ptc: save profile: %w", err)
	}
	p.savedHash, p.haveSaved = h, true

	rec.Record(tsProfileSave)
	p.logger.Debug("saved profile", "path", p.opts.Path, "entries", (len(body)-8)/(8+entryRecordSize))
	return nil
}

// Wait blocks until an in-flight save completes.
func (p *Profiler) Wait() {
	p.saveMu.Lock()
	for p.saving {
		p.saveCond.Wait()
	}
	p.saveMu.Unlock()
}

// Load replaces the in-memory profile with the persisted one. A file that
// fails validation is truncated and the backup is tried, then an empty
// profile is used. Corruption is logged and never returned.
func (p *Profiler) Load() {
	if !p.Enabled() {
		return
	}
	rec := timeslice.NewRecorder()
	defer rec.Record(tsProfileLoad)

	for _, path := range []string{p.opts.Path, p.BackupPath()} {
		entries, body, err := p.loadFile(path)
		if err == nil {
			p.mu.Lock()
			p.entries = entries
			p.mu.Unlock()
			// a profile recovered from the backup is rewritten on the next save
			p.saveMu.Lock()
			p.savedHash, p.haveSaved = sum128(body), path == p.opts.Path
			p.saveMu.Unlock()
			p.logger.Info("loaded profile", "path", path, "entries", len(entries))
			return
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		p.logger.Warn("discarding profile", "path", path, "error", err)
		if terr := os.Truncate(path, 0); terr != nil {
			p.logger.Warn("truncate profile", "path", path, "error", terr)
		}
	}

	p.mu.Lock()
	p.entries = make(map[uint64]Entry)
	p.mu.Unlock()
}

func (p *Profiler) loadFile(path string) (map[uint64]Entry, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	body, err := profileFormat.decode(data)
	if err != nil {
		return nil, nil, err
	}
	entries, err := parseProfile(body)
	if err != nil {
		return nil, nil, err
	}
	return entries, body, nil
}

// Start saves the profile every SaveInterval until Stop is called.
func (p *Profiler) Start() {
	if !p.Enabled() || p.started {
		return
	}
	p.started = true
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.opts.SaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.Save(); err != nil {
					p.logger.Warn("periodic profile save", "error", err)
				}
			}
		}
	}()
}

// Stop disables the timer, waits for any save in progress and performs a
// final save.
func (p *Profiler) Stop() error {
	if !p.Enabled() {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started {
			<-p.done
		}
		p.Wait()
		err = p.Save()
	})
	return err
}

// replaceWithBackup moves the current file to its backup and atomically
// installs data in its place.
func replaceWithBackup(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
