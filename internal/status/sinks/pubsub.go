package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/status"
)

// Message is the JSON body published for each lifecycle event.
type Message struct {
	CrawlID    string          `json:"crawl_id"`
	Kind       string          `json:"kind"`
	State      string          `json:"state"`
	TS         time.Time       `json:"ts"`
	Exit       string          `json:"exit,omitempty"`
	Documents  int64           `json:"documents"`
	Bytes      int64           `json:"bytes"`
	Checkpoint *CheckpointBody `json:"checkpoint,omitempty"`
}

// CheckpointBody is the checkpoint part of a Message.
type CheckpointBody struct {
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Status    string `json:"status,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewMessage converts evt to its wire form.
func NewMessage(evt status.Event) Message {
	m := Message{
		CrawlID:   evt.CrawlID,
		Kind:      string(evt.Kind),
		State:     evt.State.String(),
		TS:        evt.TS.UTC(),
		Exit:      string(evt.Exit),
		Documents: evt.Totals.Documents,
		Bytes:     evt.Totals.Bytes,
	}
	if cp := evt.Checkpoint; cp != nil {
		m.Checkpoint = &CheckpointBody{
			Name:      cp.Name,
			Dir:       cp.Dir,
			Status:    cp.Status,
			ElapsedMS: cp.Elapsed.Milliseconds(),
			Error:     cp.Error,
		}
	}
	return m
}

// PubSubSink publishes lifecycle events to a Pub/Sub topic. Publishing
// does not block the broadcaster; results are collected in the background
// and failures are logged.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewPubSubSink wraps topic.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}, nil
}

// OnCrawlEvent implements status.Listener.
func (s *PubSubSink) OnCrawlEvent(ctx context.Context, evt status.Event) {
	data, err := json.Marshal(NewMessage(evt))
	if err != nil {
		s.logger.Error("marshal crawl event", zap.Error(err))
		return
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"crawl_id": evt.CrawlID,
			"kind":     string(evt.Kind),
		},
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The broadcast context may already be done; the topic's own
		// timeout bounds the wait.
		if _, err := res.Get(context.Background()); err != nil {
			s.logger.Warn("publish crawl event failed",
				zap.String("kind", string(evt.Kind)),
				zap.Error(err),
			)
		}
	}()
}

// Close flushes pending messages and waits for their results.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	s.wg.Wait()
	return nil
}
