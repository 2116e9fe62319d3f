package status

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener receives lifecycle events.
type Listener interface {
	OnCrawlEvent(ctx context.Context, evt Event)
}

// CheckpointParticipant flushes its private state into a checkpoint
// directory. Errors are returned to the checkpoint coordinator.
type CheckpointParticipant interface {
	CheckpointBegin(ctx context.Context, cp Checkpoint) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event)

// OnCrawlEvent implements Listener.
func (f ListenerFunc) OnCrawlEvent(ctx context.Context, evt Event) {
	f(ctx, evt)
}

// Broadcaster is an ordered registry of listeners and checkpoint
// participants. Registration excludes iteration.
type Broadcaster struct {
	mu           sync.RWMutex
	listeners    []Listener
	participants []CheckpointParticipant
	logger       *zap.Logger
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger}
}

// Register adds l. If l also implements CheckpointParticipant it takes
// part in checkpoint-begin in the same relative order.
func (b *Broadcaster) Register(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
	if p, ok := l.(CheckpointParticipant); ok {
		b.participants = append(b.participants, p)
	}
}

// RegisterParticipant adds a checkpoint participant that wants no
// lifecycle events.
func (b *Broadcaster) RegisterParticipant(p CheckpointParticipant) {
	if p == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants = append(b.participants, p)
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Broadcast delivers evt to every listener in registration order before
// returning. Listener panics are not contained.
func (b *Broadcaster) Broadcast(ctx context.Context, evt Event) {
	if err := evt.Validate(); err != nil {
		b.logger.Warn("discarding invalid crawl event", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		l.OnCrawlEvent(ctx, evt)
	}
}

// CheckpointBegin asks every participant, in order, to write its state to
// cp.Dir. The first error stops the round and is returned.
func (b *Broadcaster) CheckpointBegin(ctx context.Context, cp Checkpoint) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, p := range b.participants {
		if err := p.CheckpointBegin(ctx, cp); err != nil {
			return fmt.Errorf("checkpoint participant %d (%T): %w", i, p, err)
		}
	}
	return nil
}
