package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Defaults applied by Open for zero Options fields.
const (
	DefaultSegmentMaxBytes = 64 << 20
	DefaultMinUtilization  = 0.5
)

// Options tunes a Store.
type Options struct {
	// SegmentMaxBytes rolls the active segment once it reaches this size.
	SegmentMaxBytes int64
	// CleanerInterval is the period of the background cleaner. Zero
	// disables the goroutine; Clean can still be called directly.
	CleanerInterval time.Duration
	// MinUtilization is the live/total ratio under which a rolled segment
	// is compacted.
	MinUtilization float64
	Logger         *zap.Logger
}

// CheckpointOptions controls Store.Checkpoint.
type CheckpointOptions struct {
	// Force writes a checkpoint even when nothing changed since the last one.
	Force bool
	// MinimizeRecoveryTime compacts eligible segments first so recovery
	// replays less data.
	MinimizeRecoveryTime bool
}

type location struct {
	seg    uint32
	off    int64
	keyLen uint32
	valLen uint32
}

func (l location) size() int64 {
	return int64(headerSize) + int64(l.keyLen) + int64(l.valLen)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Segments int
	Keys     int
	Bytes    int64
	Live     int64
}

// Store is a segmented append-only key/value log.
type Store struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu             sync.RWMutex
	index          map[string]location
	segments       map[uint32]*segment
	active         *segment
	dirty          bool
	lastCheckpoint string
	closed         bool

	// cleanMu serializes cleaner passes with DisableCleaner.
	cleanMu      sync.Mutex
	cleanerHolds int

	stop chan struct{}
	done chan struct{}
}

// Open replays every segment in dir and returns a store ready for writes.
func Open(dir string, opts Options) (*Store, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if opts.MinUtilization <= 0 {
		opts.MinUtilization = DefaultMinUtilization
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		index:    make(map[string]location),
		segments: make(map[uint32]*segment),
	}
	names, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	for i, name := range names {
		id, _ := ParseSegmentName(name)
		seg, err := openSegment(dir, id, false)
		if err != nil {
			s.closeFiles()
			return nil, err
		}
		s.segments[id] = seg
		if err := s.replay(seg, i == len(names)-1); err != nil {
			s.closeFiles()
			return nil, err
		}
	}
	if len(names) == 0 {
		seg, err := openSegment(dir, 0, true)
		if err != nil {
			return nil, err
		}
		s.segments[0] = seg
		s.active = seg
	} else {
		last, _ := ParseSegmentName(names[len(names)-1])
		s.active = s.segments[last]
	}
	if opts.CleanerInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.runCleaner(opts.CleanerInterval)
	}
	s.logger.Debug("store opened",
		zap.String("dir", dir),
		zap.Int("segments", len(s.segments)),
		zap.Int("keys", len(s.index)),
	)
	return s, nil
}

func (s *Store) replay(seg *segment, newest bool) error {
	good, err := seg.scan(func(off int64, r record) {
		switch r.op {
		case opPut:
			s.unlinkLocked(string(r.key))
			loc := location{seg: seg.id, off: off, keyLen: uint32(len(r.key)), valLen: uint32(len(r.value))}
			s.index[string(r.key)] = loc
			seg.live += loc.size()
		case opDelete:
			s.unlinkLocked(string(r.key))
		case opCheckpoint:
			s.lastCheckpoint = seg.name()
		}
	})
	if err == nil {
		return nil
	}
	if !newest || !errors.Is(err, ErrCorrupt) {
		return err
	}
	s.logger.Warn("truncating torn tail of newest segment",
		zap.String("segment", seg.name()),
		zap.Int64("offset", good),
		zap.Error(err),
	)
	return seg.truncate(good)
}

// unlinkLocked drops key from the index and its bytes from its segment's
// live count.
func (s *Store) unlinkLocked(key string) {
	prev, ok := s.index[key]
	if !ok {
		return
	}
	if seg := s.segments[prev.seg]; seg != nil {
		seg.live -= prev.size()
	}
	delete(s.index, key)
}

// Dir returns the directory holding the segment files.
func (s *Store) Dir() string { return s.dir }

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("store: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.putLocked(key, value)
}

func (s *Store) putLocked(key string, value []byte) error {
	r := record{op: opPut, key: []byte(key), value: value}
	off, err := s.active.append(r)
	if err != nil {
		return err
	}
	s.unlinkLocked(key)
	loc := location{seg: s.active.id, off: off, keyLen: uint32(len(key)), valLen: uint32(len(value))}
	s.index[key] = loc
	s.active.live += loc.size()
	s.dirty = true
	return s.maybeRollLocked()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	loc, ok := s.index[key]
	if !ok {
		return nil, false, nil
	}
	v, err := s.segments[loc.seg].readValue(loc.off, loc.keyLen, loc.valLen)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.index[key]; !ok {
		return nil
	}
	if _, err := s.active.append(record{op: opDelete, key: []byte(key)}); err != nil {
		return err
	}
	s.unlinkLocked(key)
	s.dirty = true
	return s.maybeRollLocked()
}

// Range calls fn for every key with the given prefix in key order, until
// fn returns false. Values are read before fn is called, so fn may write
// to the store.
func (s *Store) Range(prefix string, fn func(key string, value []byte) bool) error {
	type kv struct {
		key   string
		value []byte
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0)
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		loc := s.index[k]
		v, err := s.segments[loc.seg].readValue(loc.off, loc.keyLen, loc.valLen)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		out = append(out, kv{key: k, value: v})
	}
	s.mu.RUnlock()
	for _, e := range out {
		if !fn(e.key, e.value) {
			break
		}
	}
	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Stats reports segment and key counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Segments: len(s.segments), Keys: len(s.index)}
	for _, seg := range s.segments {
		st.Bytes += seg.size
		st.Live += seg.live
	}
	return st
}

// Segments returns the current segment file names in name order.
func (s *Store) Segments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentNamesLocked()
}

func (s *Store) segmentNamesLocked() []string {
	names := make([]string, 0, len(s.segments))
	for _, seg := range s.segments {
		names = append(names, seg.name())
	}
	sort.Strings(names)
	return names
}

// Sync flushes the active segment to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.active.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.active.name(), err)
	}
	return nil
}

// Checkpoint writes a checkpoint marker, syncs it and rolls to a fresh
// segment. It returns the name of the last segment the checkpoint covers:
// every segment up to and including it is immutable from now on.
func (s *Store) Checkpoint(opts CheckpointOptions) (string, error) {
	if opts.MinimizeRecoveryTime {
		// Ignores the cleaner hold: nothing has been linked yet.
		if _, err := s.clean(); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if !s.dirty && !opts.Force && s.lastCheckpoint != "" {
		if id, ok := ParseSegmentName(s.lastCheckpoint); ok && s.segments[id] != nil {
			return s.lastCheckpoint, nil
		}
	}
	if _, err := s.active.append(record{op: opCheckpoint}); err != nil {
		return "", err
	}
	covered := s.active.name()
	if err := s.rollLocked(); err != nil {
		return "", err
	}
	s.dirty = false
	s.lastCheckpoint = covered
	s.logger.Info("store checkpoint", zap.String("last_segment", covered))
	return covered, nil
}

func (s *Store) maybeRollLocked() error {
	if s.active.size < s.opts.SegmentMaxBytes {
		return nil
	}
	return s.rollLocked()
}

func (s *Store) rollLocked() error {
	if err := s.active.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.active.name(), err)
	}
	next, err := openSegment(s.dir, s.active.id+1, true)
	if err != nil {
		return err
	}
	s.segments[next.id] = next
	s.active = next
	return syncDir(s.dir)
}

// Close stops the cleaner, syncs and closes every segment.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if err := s.active.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync %s: %w", s.active.name(), err))
	}
	errs = append(errs, s.closeFiles())
	return errors.Join(errs...)
}

func (s *Store) closeFiles() error {
	var errs []error
	for _, seg := range s.segments {
		if err := seg.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- store dir.
	if err != nil {
		return fmt.Errorf("open store dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync store dir: %w", err)
	}
	return nil
}
