package checkpoint

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
)

// SnapshotVersion is the current controller snapshot format version.
const SnapshotVersion = 1

//go:embed snapshot.schema.json
var snapshotSchema []byte

// Snapshot is the controller state written into every checkpoint and read
// back on recovery. It carries only what a restart needs; everything else
// is rebuilt.
type Snapshot struct {
	Version          int            `json:"version"`
	CrawlID          string         `json:"crawl_id"`
	Checkpoint       string         `json:"checkpoint"`
	Sequence         int            `json:"sequence"`
	TakenAt          time.Time      `json:"taken_at"`
	ElapsedMS        int64          `json:"elapsed_ms"`
	PausedMS         int64          `json:"paused_ms"`
	PoolSize         int            `json:"pool_size"`
	NextSerial       int            `json:"next_serial"`
	SingleThreadMode bool           `json:"single_thread_mode"`
	Documents        int64          `json:"documents"`
	Bytes            int64          `json:"bytes"`
	BigMaps          []bigmap.State `json:"big_maps"`
}

// Elapsed returns the crawl's active time as a duration.
func (s Snapshot) Elapsed() time.Duration { return time.Duration(s.ElapsedMS) * time.Millisecond }

// WriteSnapshot writes s as JSON to path.
func WriteSnapshot(path string, s Snapshot) error {
	s.Version = SnapshotVersion
	if s.BigMaps == nil {
		s.BigMaps = []bigmap.State{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := validateSnapshot(data); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- checkpoint path.
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if err := validateSnapshot(data); err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func validateSnapshot(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(snapshotSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid snapshot: %s", strings.Join(msgs, "; "))
}
