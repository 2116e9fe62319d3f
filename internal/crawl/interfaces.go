package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrFrontierTerminated is returned by Frontier.Next once the frontier has
// been told to terminate.
var ErrFrontierTerminated = errors.New("frontier terminated")

// Frontier decides which URI is processed next. Ordering and politeness are
// its own business; the engine only relies on this contract.
type Frontier interface {
	Start(ctx context.Context) error
	Pause()
	Unpause()
	Terminate()
	IsEmpty() bool
	SucceededFetchCount() int64
	TotalBytesWritten() int64
	// Next blocks until an item is available, the frontier terminates or
	// ctx ends.
	Next(ctx context.Context) (*WorkItem, error)
	// Finished hands an item back, whatever its outcome. Items carrying an
	// abandoned fault must be treated as retryable.
	Finished(item *WorkItem)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
