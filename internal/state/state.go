// Package state implements the schema-versioned state files and
// transport health classification shared by every long-running
// component (dispatcher, transport ingestion loops).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/errs"
)

const SchemaVersion = 1

// HealthClass is the derived label steering operational alerts.
type HealthClass string

const (
	Healthy   HealthClass = "Healthy"
	Degraded  HealthClass = "Degraded"
	Unhealthy HealthClass = "Unhealthy"
)

// CycleCounts are the per-poll-cycle tallies contributing to a Health
// snapshot.
type CycleCounts struct {
	Discovered int `json:"discovered"`
	Processed  int `json:"processed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// Health is the Transport Health Snapshot.
type Health struct {
	UpdatedUnixMs   int64       `json:"updated_unix_ms"`
	CycleDurationMs int64       `json:"cycle_duration_ms"`
	QueueDepth      int         `json:"queue_depth"`
	ActiveRuns      int         `json:"active_runs"`
	FailureStreak   int         `json:"failure_streak"`
	LastCycle       CycleCounts `json:"last_cycle"`
}

// Thresholds configures Classify.
type Thresholds struct {
	SoftQueueCap       int // Healthy requires queue_depth <= this, when failure_streak==0
	DegradedStreakMax  int // failure_streak in [1, DegradedStreakMax) is Degraded
}

var DefaultThresholds = Thresholds{SoftQueueCap: 10, DegradedStreakMax: 5}

// Classify maps a Health snapshot to a class using the configured
// thresholds.
func Classify(h Health, t Thresholds) HealthClass {
	if h.FailureStreak == 0 && h.QueueDepth <= t.SoftQueueCap {
		return Healthy
	}
	if h.FailureStreak > 0 && h.FailureStreak < t.DegradedStreakMax {
		return Degraded
	}
	return Unhealthy
}

// Document is the on-disk state.json shape: a schema-versioned
// envelope around a processed-key ring and the latest health snapshot,
// plus arbitrary component-specific fields.
type Document struct {
	SchemaVersion    int             `json:"schema_version"`
	ProcessedKeys    []string        `json:"processed_event_keys"`
	Health           Health          `json:"health"`
	ComponentState   json.RawMessage `json:"component_state,omitempty"`
}

// Store persists a Document for one component, guarding it with a
// mutex and writing via write-temp-then-rename for atomic saves.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store { return &Store{path: path} }

// Load reads the document, failing closed on an unknown schema
// version. A missing file yields a fresh Document (no error).
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{SchemaVersion: SchemaVersion}, nil
		}
		return nil, errs.Wrap(errs.KindInvalidConfig, "read state file", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "parse state file", err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, errs.New(errs.KindInvalidConfig, "unsupported state schema_version")
	}
	return &doc, nil
}

// Save atomically overwrites the state file.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.SchemaVersion = SchemaVersion
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "marshal state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "create temp state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindInvalidConfig, "write temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindInvalidConfig, "close temp state file", err)
	}
	return os.Rename(tmpPath, s.path)
}

// NowUnixMs is a small time-helper, kept as a single indirection point
// so tests can be deterministic if ever needed.
func NowUnixMs() int64 { return time.Now().UnixMilli() }
