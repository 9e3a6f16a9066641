// Package timeslice records how long the translator spends in each phase of
// compilation and in guest code. Records are streamed to a file in a compact
// binary format and aggregated offline with cmd/timeslice.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

const pageAlign = 4096

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagCompile marks time spent translating guest code.
	SliceFlagCompile SliceFlags = 1 << iota
	// SliceFlagGuest marks time spent running translated code.
	SliceFlagGuest
	// SliceFlagStartup marks one-off work such as loading the profile.
	SliceFlagStartup
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagCompile != 0 {
		flags = append(flags, "compile")
	}
	if f&SliceFlagGuest != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagStartup != 0 {
		flags = append(flags, "startup")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind allocates an id for a named slice. Kinds registered after
// StartRecording are not described in that recording's header.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [pageAlign]byte
	off := 0

	for record := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				// drain so Record never blocks on a dead writer
				for range w.writerChan {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(record.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(record.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// only the goroutine that wins the swap closes the channel
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.writerChan)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Recording reports whether a recording is in progress.
func Recording() bool {
	return currentWriter.Load() != nil
}

// Recorder measures consecutive phases of one piece of work. Each call to
// Record attributes the time since the previous call to id.
// It is not thread safe.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		last: time.Now(),
	}
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record writes a single slice. It is a no-op when nothing is recording.
func Record(id TimesliceID, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		w.writerChan <- record{
			ID:       id,
			Duration: duration.Nanoseconds(),
		}
	}
}

// StartRecording writes the header and the registered kinds to w and routes
// all subsequent records to it until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	slices, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// records start on a page boundary
	if pad := padding(binary.Size(header{}) + len(slices)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	writer := &writer{w: w,
		writerChan:          make(chan record, pageAlign),
		writeThreadComplete: make(chan error, 1),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		close(writer.writerChan)
		<-writer.writeThreadComplete
		return nil, fmt.Errorf("timeslice: already open")
	}

	return writer, nil
}

func padding(off int) int {
	if off%pageAlign == 0 {
		return 0
	}
	return pageAlign - off%pageAlign
}

func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	var described map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, pageAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.RecordKindsLength)))
	if err := dec.Decode(&described); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	if pad := padding(int(hdr.RecordKindsLength) + binary.Size(hdr)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		kind, ok := described[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}

	return nil
}

// Summary aggregates every record of one kind.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Average returns the mean duration, or zero for an empty summary.
func (s *Summary) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Summary) String() string {
	return fmt.Sprintf("% 24s flags=% 14s count=% 8d sum=% 16s min=% 12s max=% 12s avg=% 12s",
		s.Name, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Average())
}

// Summarize reads a recording and returns one summary per kind in the order
// the kinds first appear.
func Summarize(r io.Reader) ([]*Summary, error) {
	byName := map[string]*Summary{}
	var order []*Summary
	err := ReadAllRecords(r, func(id string, flags SliceFlags, duration time.Duration) error {
		s, ok := byName[id]
		if !ok {
			s = &Summary{Name: id, Flags: flags}
			byName[id] = s
			order = append(order, s)
		}
		s.add(duration)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
