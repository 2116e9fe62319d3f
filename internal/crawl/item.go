package crawl

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrResourceExhausted marks a step failure caused by resource exhaustion
// (memory, file handles). Steps wrap it so the worker records a serious fault.
var ErrResourceExhausted = errors.New("resource exhausted")

// FaultKind separates ordinary per-item faults from serious ones that
// should alert an operator.
type FaultKind string

// Fault kinds recorded on work items.
const (
	FaultStep      FaultKind = "fault"
	FaultSerious   FaultKind = "serious"
	FaultAbandoned FaultKind = "abandoned"
)

// Fetch status codes set by the engine itself. Positive values belong to
// processing steps.
const (
	StatusUnattempted  = 0
	StatusProcessError = -3
	StatusAbandoned    = -5
	StatusOutOfScope   = -5000
)

// Fault is the record of a step failure.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
}

// WorkItem is a URI plus the processing state accumulated while it moves
// through the engine. A WorkItem is owned by at most one worker at a time.
type WorkItem struct {
	URI         string
	FetchStatus int
	Attempts    int
	ContentSize int64
	Fault       *Fault
	Queued      time.Time
	Annotations []string

	nextStep string
	chainEnd bool
	owner    atomic.Int64
}

// NewWorkItem builds an item for uri.
func NewWorkItem(uri string) *WorkItem {
	return &WorkItem{URI: uri}
}

// Claim marks the item as owned by the worker with the given serial. It
// fails if another worker already owns it.
func (w *WorkItem) Claim(serial int) bool {
	return w.owner.CompareAndSwap(0, int64(serial)+1)
}

// Release drops ownership by serial.
func (w *WorkItem) Release(serial int) {
	w.owner.CompareAndSwap(int64(serial)+1, 0)
}

// Owner returns the serial of the owning worker, or -1.
func (w *WorkItem) Owner() int {
	return int(w.owner.Load()) - 1
}

// NextStep is the name of the step that runs next; empty ends the chain.
func (w *WorkItem) NextStep() string {
	if w.chainEnd {
		return ""
	}
	return w.nextStep
}

// SetNextStep redirects the chain to the named step.
func (w *WorkItem) SetNextStep(name string) {
	w.nextStep = name
	w.chainEnd = name == ""
}

// EndChain stops processing after the current step.
func (w *WorkItem) EndChain() {
	w.chainEnd = true
}

// ResetChain prepares the item for a pass through a chain starting at first.
func (w *WorkItem) ResetChain(first string) {
	w.nextStep = first
	w.chainEnd = first == ""
}

// RecordFault stores a fault and halts the chain.
func (w *WorkItem) RecordFault(kind FaultKind, step string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	w.Fault = &Fault{Kind: kind, Step: step, Message: msg}
	if kind == FaultAbandoned {
		w.FetchStatus = StatusAbandoned
	} else if w.FetchStatus >= 0 {
		w.FetchStatus = StatusProcessError
	}
	w.chainEnd = true
}

// Annotate appends a short note to the item's crawl log annotations.
func (w *WorkItem) Annotate(note string) {
	w.Annotations = append(w.Annotations, note)
}

// Succeeded reports whether the item finished without a fault and with a
// non-negative fetch status.
func (w *WorkItem) Succeeded() bool {
	return w.Fault == nil && w.FetchStatus >= 0
}

// Abandoned reports whether the item was returned without finishing.
func (w *WorkItem) Abandoned() bool {
	return w.Fault != nil && w.Fault.Kind == FaultAbandoned
}
