package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/pool"
)

// Report files written into the working directory when the crawl ends.
const (
	CrawlReportFile   = "crawl-report.json"
	WorkersReportFile = "workers-report.txt"
	ManifestFile      = "manifest.txt"
)

// Manifest entry kinds.
const (
	ManifestConfig = 'C'
	ManifestLog    = 'L'
	ManifestReport = 'R'
)

// Report is the operator view of the crawl.
type Report struct {
	CrawlID          string              `json:"crawl_id"`
	State            string              `json:"state"`
	Exit             string              `json:"exit,omitempty"`
	Elapsed          string              `json:"elapsed"`
	ElapsedMS        int64               `json:"elapsed_ms"`
	Documents        int64               `json:"documents"`
	Bytes            int64               `json:"bytes"`
	PoolSize         int                 `json:"pool_size"`
	SingleThreadMode bool                `json:"single_thread_mode"`
	Workers          pool.Summary        `json:"workers"`
	Checkpoints      []checkpoint.Record `json:"checkpoints"`
	Dirs             Dirs                `json:"dirs"`
}

// Report returns the current crawl report.
func (c *Controller) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

func (c *Controller) reportLocked() Report {
	elapsed := c.elapsedLocked()
	return Report{
		CrawlID:          c.crawlID,
		State:            c.stateLocked().String(),
		Exit:             string(c.exit),
		Elapsed:          elapsed.Round(time.Second).String(),
		ElapsedMS:        elapsed.Milliseconds(),
		Documents:        c.frontier.SucceededFetchCount(),
		Bytes:            c.frontier.TotalBytesWritten(),
		PoolSize:         c.cfg.PoolSize,
		SingleThreadMode: c.gate.Engaged(),
		Workers:          c.pool.Summary(),
		Checkpoints:      append([]checkpoint.Record{}, c.checkpoints...),
		Dirs:             c.dirs,
	}
}

// Workers returns one row per live worker.
func (c *Controller) Workers() []pool.WorkerReport {
	return c.pool.Report()
}

// WorkerSummary returns the per-step worker summary.
func (c *Controller) WorkerSummary() pool.Summary {
	return c.pool.Summary()
}

// writeEndReportsLocked writes the crawl report, the workers report and
// the manifest listing every file the crawl produced.
func (c *Controller) writeEndReportsLocked() error {
	crawlReport := filepath.Join(c.dirs.Working, CrawlReportFile)
	data, err := json.MarshalIndent(c.reportLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crawl report: %w", err)
	}
	if err := os.WriteFile(crawlReport, data, 0o600); err != nil {
		return fmt.Errorf("write crawl report: %w", err)
	}

	workersReport := filepath.Join(c.dirs.Working, WorkersReportFile)
	f, err := os.Create(workersReport) // #nosec G304 -- working dir from config.
	if err != nil {
		return fmt.Errorf("create workers report: %w", err)
	}
	if err := pool.WriteReport(f, c.pool.Report(), c.pool.Summary()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close workers report: %w", err)
	}

	var b strings.Builder
	if c.cfg.SettingsPath != "" {
		fmt.Fprintf(&b, "%c %s\n", ManifestConfig, c.cfg.SettingsPath)
	}
	for _, p := range c.files.Paths() {
		fmt.Fprintf(&b, "%c %s\n", ManifestLog, p)
	}
	for _, p := range []string{crawlReport, workersReport} {
		fmt.Fprintf(&b, "%c %s\n", ManifestReport, p)
	}
	if err := os.WriteFile(filepath.Join(c.dirs.Working, ManifestFile), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
