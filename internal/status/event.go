package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlctl/internal/crawl"
)

// Kind enumerates every event the broadcaster carries.
type Kind string

// Event kinds. The set is closed; Validate rejects anything else.
const (
	KindPreparing       Kind = "PREPARING"
	KindStarted         Kind = "STARTED"
	KindRunning         Kind = "RUNNING"
	KindPausing         Kind = "PAUSING"
	KindPaused          Kind = "PAUSED"
	KindResumed         Kind = "RESUMED"
	KindStopping        Kind = "STOPPING"
	KindEnded           Kind = "ENDED"
	KindCheckpointBegin Kind = "CHECKPOINT_BEGIN"
	KindCheckpointEnd   Kind = "CHECKPOINT_END"
)

// Kinds lists all event kinds in lifecycle order.
func Kinds() []Kind {
	return []Kind{
		KindPreparing, KindStarted, KindRunning, KindPausing, KindPaused,
		KindResumed, KindStopping, KindEnded, KindCheckpointBegin, KindCheckpointEnd,
	}
}

// Event is one lifecycle notification.
type Event struct {
	// CrawlID identifies the crawl run.
	CrawlID string
	// Kind is the event kind.
	Kind Kind
	// State is the controller state after the transition.
	State crawl.State
	// TS is the UTC time of the transition.
	TS time.Time
	// Exit is set on STOPPING and ENDED.
	Exit crawl.ExitClass
	// Checkpoint is set on checkpoint events.
	Checkpoint *CheckpointInfo
	// Totals are the frontier counters at the time of the event.
	Totals Totals
}

// Totals carries crawl-wide counters.
type Totals struct {
	Documents int64
	Bytes     int64
}

// CheckpointInfo summarizes a checkpoint for checkpoint events.
type CheckpointInfo struct {
	Name    string
	Dir     string
	Status  string
	Elapsed time.Duration
	Error   string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindPreparing, KindStarted, KindRunning, KindPausing, KindPaused, KindResumed:
	case KindStopping, KindEnded:
		if !e.Exit.Valid() {
			return fmt.Errorf("%s requires an exit classification", e.Kind)
		}
	case KindCheckpointBegin, KindCheckpointEnd:
		if e.Checkpoint == nil || e.Checkpoint.Name == "" {
			return fmt.Errorf("%s requires checkpoint info", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Checkpoint is handed to participants at checkpoint-begin.
type Checkpoint struct {
	Name string
	Dir  string
}
