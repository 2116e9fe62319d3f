package chain

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/hash/sha256"
)

// ScopeStep rejects URIs the engine cannot process and ends their chain.
type ScopeStep struct{}

// Name implements Step.
func (ScopeStep) Name() string { return "scope" }

// Process implements Step.
func (ScopeStep) Process(_ context.Context, item *crawl.WorkItem) error {
	u, err := url.Parse(item.URI)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		item.FetchStatus = crawl.StatusOutOfScope
		item.Annotate("out-of-scope")
		item.EndChain()
	}
	return nil
}

// DigestStep records a SHA-256 fingerprint of the normalized URI.
type DigestStep struct {
	// Hasher defaults to sha256.New().
	Hasher *sha256.Hasher
}

// Name implements Step.
func (DigestStep) Name() string { return "digest" }

// Process implements Step.
func (s DigestStep) Process(_ context.Context, item *crawl.WorkItem) error {
	h := s.Hasher
	if h == nil {
		h = sha256.New()
	}
	item.Annotate("sha256:" + h.Fingerprint(item.URI))
	return nil
}

// RecordStep writes one crawl log line per item.
type RecordStep struct {
	Logger *zap.Logger
}

// Name implements Step.
func (RecordStep) Name() string { return "record" }

// Process implements Step.
func (s RecordStep) Process(_ context.Context, item *crawl.WorkItem) error {
	if s.Logger == nil {
		return nil
	}
	if item.FetchStatus == crawl.StatusUnattempted {
		item.FetchStatus = 1
	}
	s.Logger.Info("item",
		zap.Int("status", item.FetchStatus),
		zap.Int64("size", item.ContentSize),
		zap.String("uri", item.URI),
		zap.Int("attempts", item.Attempts),
		zap.Strings("annotations", item.Annotations),
	)
	return nil
}

// Default returns the stand-in chain used by the crawl command.
func Default(crawlLog *zap.Logger) (*Chain, error) {
	return New(ScopeStep{}, DigestStep{}, RecordStep{Logger: crawlLog})
}
