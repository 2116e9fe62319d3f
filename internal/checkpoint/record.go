// Package checkpoint runs the pause-snapshot-resume protocol: it asks every
// participant to flush into a fresh checkpoint directory, rolls the crawl
// logs, syncs the big-maps, checkpoints the backing store and records which
// store segments belong to the checkpoint. It also restores that state on
// recovery.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of a checkpoint attempt.
type Status string

// Checkpoint statuses.
const (
	StatusInProgress Status = "in-progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Record describes one checkpoint attempt.
type Record struct {
	Name      string        `json:"name"`
	Dir       string        `json:"dir"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     string        `json:"error,omitempty"`
}

// Failed reports whether the attempt failed.
func (r Record) Failed() bool { return r.Status == StatusFailed }

const namePrefix = "cp-"

// Name formats sequence number n as a checkpoint name.
func Name(n int) string {
	return fmt.Sprintf("%s%06d", namePrefix, n)
}

// ParseName returns the sequence number in a checkpoint name.
func ParseName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, namePrefix)
	if !ok || len(digits) < 6 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Sequence hands out monotonically increasing checkpoint names for one
// crawl. It is restored from the snapshot on recovery so names never
// repeat across restarts.
type Sequence struct {
	mu   sync.Mutex
	last int
}

// NewSequence starts after last.
func NewSequence(last int) *Sequence {
	return &Sequence{last: last}
}

// Next returns the next name.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return Name(s.last)
}

// Last returns the number of the last name handed out.
func (s *Sequence) Last() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Advance moves the sequence forward to at least n.
func (s *Sequence) Advance(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.last {
		s.last = n
	}
}
