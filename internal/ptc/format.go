package ptc

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
)

// ErrCorrupt is returned when a persisted file fails validation.
var ErrCorrupt = errors.New("ptc: corrupt file")

const (
	magicSize  = 8
	hashSize   = 16
	headerSize = magicSize + 4 + 1 + hashSize

	littleEndian = 1

	// maxPayload bounds decompression of a hostile file.
	maxPayload = 1 << 30
)

type hash128 [hashSize]byte

func sum128(parts ...[]byte) hash128 {
	h := fnv.New128a()
	for _, p := range parts {
		h.Write(p)
	}
	var out hash128
	h.Sum(out[:0])
	return out
}

// container is the outer layout shared by the profile and the code cache:
// magic, version, endianness marker and a hash of those fields, followed by
// a DEFLATE stream holding the content hash and the body.
type container struct {
	magic   [magicSize]byte
	version uint32
}

func (c container) header() []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, c.magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, c.version)
	buf = append(buf, littleEndian)
	h := sum128(buf)
	return append(buf, h[:]...)
}

func (c container) encode(body []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Write(c.header())

	zw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	h := sum128(body)
	if _, err := zw.Write(h[:]); err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (c container) decode(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:magicSize], c.magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[magicSize:]); v != c.version {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, v, c.version)
	}
	if data[magicSize+4] != littleEndian {
		return nil, fmt.Errorf("%w: endianness mismatch", ErrCorrupt)
	}
	want := sum128(data[:headerSize-hashSize])
	if !bytes.Equal(data[headerSize-hashSize:headerSize], want[:]) {
		return nil, fmt.Errorf("%w: header hash mismatch", ErrCorrupt)
	}

	zr := flate.NewReader(bytes.NewReader(data[headerSize:]))
	defer zr.Close()
	payload, err := io.ReadAll(io.LimitReader(zr, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if len(payload) < hashSize {
		return nil, fmt.Errorf("%w: short payload", ErrCorrupt)
	}
	body := payload[hashSize:]
	got := sum128(body)
	if !bytes.Equal(payload[:hashSize], got[:]) {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrCorrupt)
	}
	return body, nil
}

// decoder reads little endian fields from a body, remembering the first
// short read.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: truncated body", ErrCorrupt)
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.err = fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.buf))
	}
	return d.err
}
