package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DisableCleaner waits for any running cleaner pass and prevents new ones
// until a matching EnableCleaner. Calls nest.
func (s *Store) DisableCleaner() {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()
	s.cleanerHolds++
}

// EnableCleaner releases one DisableCleaner hold.
func (s *Store) EnableCleaner() {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()
	if s.cleanerHolds > 0 {
		s.cleanerHolds--
	}
}

// CleanerEnabled reports whether background passes may run.
func (s *Store) CleanerEnabled() bool {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()
	return s.cleanerHolds == 0
}

func (s *Store) runCleaner(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.CleanIfEnabled()
			if err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warn("store cleaner pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("store cleaner compacted segments", zap.Int("segments", n))
			}
		}
	}
}

// CleanIfEnabled runs one cleaner pass unless the cleaner is disabled.
func (s *Store) CleanIfEnabled() (int, error) {
	s.cleanMu.Lock()
	defer s.cleanMu.Unlock()
	if s.cleanerHolds > 0 {
		return 0, nil
	}
	return s.clean()
}

// clean rewrites the live records of every rolled segment whose
// utilization is under the threshold into the active segment, then
// removes it. It returns the number of segments removed.
func (s *Store) clean() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var victims []*segment
	for _, seg := range s.segments {
		if seg == s.active {
			continue
		}
		if seg.utilization() < s.opts.MinUtilization {
			victims = append(victims, seg)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].id < victims[j].id })
	removed := 0
	for _, seg := range victims {
		if err := s.compactLocked(seg); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) compactLocked(seg *segment) error {
	older := false
	for id := range s.segments {
		if id < seg.id {
			older = true
			break
		}
	}
	type move struct {
		key   string
		value []byte
	}
	var (
		moves      []move
		tombstones []string
	)
	if _, err := seg.scan(func(off int64, r record) {
		switch r.op {
		case opPut:
			if loc, ok := s.index[string(r.key)]; ok && loc.seg == seg.id && loc.off == off {
				moves = append(moves, move{key: string(r.key), value: append([]byte(nil), r.value...)})
			}
		case opDelete:
			// An older segment may still hold the put this delete shadows.
			if _, live := s.index[string(r.key)]; !live && older {
				tombstones = append(tombstones, string(r.key))
			}
		}
	}); err != nil {
		return fmt.Errorf("compact %s: %w", seg.name(), err)
	}
	for _, m := range moves {
		if err := s.putLocked(m.key, m.value); err != nil {
			return err
		}
	}
	for _, k := range tombstones {
		if _, err := s.active.append(record{op: opDelete, key: []byte(k)}); err != nil {
			return err
		}
	}
	if err := s.active.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.active.name(), err)
	}
	delete(s.segments, seg.id)
	if err := seg.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", seg.name(), err)
	}
	if err := os.Remove(seg.path); err != nil {
		return fmt.Errorf("remove %s: %w", seg.name(), err)
	}
	return nil
}
