package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentSuffix = ".seg"
	// crc(4) op(1) klen(4) vlen(4)
	headerSize = 13
)

type op byte

const (
	opPut        op = 1
	opDelete     op = 2
	opCheckpoint op = 3
)

// ErrCorrupt is returned when a rolled segment fails its checksum. Torn
// writes at the tail of the newest segment are truncated instead.
var ErrCorrupt = errors.New("store: corrupt segment")

// SegmentName formats a segment id as its file name.
func SegmentName(id uint32) string {
	return fmt.Sprintf("%08x%s", id, segmentSuffix)
}

// ParseSegmentName reports the id encoded in a segment file name.
func ParseSegmentName(name string) (uint32, bool) {
	base, ok := strings.CutSuffix(name, segmentSuffix)
	if !ok || len(base) != 8 {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// ListSegments returns the segment file names in dir, in name order.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ParseSegmentName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

type record struct {
	op    op
	key   []byte
	value []byte
}

func (r record) size() int64 {
	return int64(headerSize + len(r.key) + len(r.value))
}

func encodeRecord(r record) []byte {
	buf := make([]byte, r.size())
	buf[4] = byte(r.op)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(r.key)))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(r.value)))
	copy(buf[headerSize:], r.key)
	copy(buf[headerSize+len(r.key):], r.value)
	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

type segment struct {
	id   uint32
	path string
	f    *os.File
	size int64
	live int64
}

func (s *segment) name() string { return SegmentName(s.id) }

func (s *segment) utilization() float64 {
	if s.size == 0 {
		return 1
	}
	return float64(s.live) / float64(s.size)
}

func openSegment(dir string, id uint32, create bool) (*segment, error) {
	path := filepath.Join(dir, SegmentName(id))
	flags := os.O_RDWR | os.O_APPEND
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o640) // #nosec G304 -- path is built from the store dir.
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", SegmentName(id), err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", SegmentName(id), err)
	}
	return &segment{id: id, path: path, f: f, size: info.Size()}, nil
}

func (s *segment) append(r record) (int64, error) {
	off := s.size
	n, err := s.f.Write(encodeRecord(r))
	s.size += int64(n)
	if err != nil {
		return off, fmt.Errorf("append to %s: %w", s.name(), err)
	}
	return off, nil
}

func (s *segment) readValue(off int64, keyLen, valLen uint32) ([]byte, error) {
	buf := make([]byte, valLen)
	if _, err := s.f.ReadAt(buf, off+headerSize+int64(keyLen)); err != nil {
		return nil, fmt.Errorf("read %s@%d: %w", s.name(), off, err)
	}
	return buf, nil
}

// scan reads records from the start of the segment and calls fn for each
// with its offset. It returns the offset just past the last good record
// and ErrCorrupt if a record was torn or failed its checksum.
func (s *segment) scan(fn func(off int64, r record)) (int64, error) {
	rd := bufio.NewReader(io.NewSectionReader(s.f, 0, s.size))
	var (
		off    int64
		header [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(rd, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, fmt.Errorf("%w: %s: short header at %d", ErrCorrupt, s.name(), off)
		}
		keyLen := binary.LittleEndian.Uint32(header[5:9])
		valLen := binary.LittleEndian.Uint32(header[9:13])
		if int64(keyLen)+int64(valLen) > s.size-off {
			return off, fmt.Errorf("%w: %s: record at %d overruns segment", ErrCorrupt, s.name(), off)
		}
		body := make([]byte, int(keyLen)+int(valLen))
		if _, err := io.ReadFull(rd, body); err != nil {
			return off, fmt.Errorf("%w: %s: short body at %d", ErrCorrupt, s.name(), off)
		}
		crc := crc32.NewIEEE()
		_, _ = crc.Write(header[4:])
		_, _ = crc.Write(body)
		if crc.Sum32() != binary.LittleEndian.Uint32(header[0:4]) {
			return off, fmt.Errorf("%w: %s: checksum mismatch at %d", ErrCorrupt, s.name(), off)
		}
		r := record{op: op(header[4]), key: body[:keyLen], value: body[keyLen:]}
		fn(off, r)
		off += r.size()
	}
}

func (s *segment) truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", s.name(), err)
	}
	s.size = size
	return nil
}
