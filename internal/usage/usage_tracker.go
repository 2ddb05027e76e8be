// Package usage records token consumption across runs and persists
// aggregate counters to usage.json under the deskpilot home directory.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskpilot/internal/logging"
)

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
}

// NewTracker creates a tracker persisting to the given file path. An
// existing file is loaded; a missing or corrupt one starts empty.
func NewTracker(filePath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		filePath: filePath,
		data: Data{
			Version: "1.0",
			Aggregate: Stats{
				ByModel:     make(map[string]TokenCounts),
				ByOperation: make(map[string]TokenCounts),
				ByRun:       make(map[string]TokenCounts),
			},
		},
	}

	// A corrupt file is not fatal; counters restart from zero.
	_ = t.Load()

	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Ensure maps are initialized if the file was empty or partial.
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByRun == nil {
		t.data.Aggregate.ByRun = make(map[string]TokenCounts)
	}

	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records tokens spent by one model call.
func (t *Tracker) Track(runID, model, operation string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Overall.Add(input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output)
	if runID != "" {
		addToMap(t.data.Aggregate.ByRun, runID, input, output)
	}

	// Debounced auto-save so a crash loses at most a few seconds.
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			if err := t.Save(); err != nil {
				logging.Get(logging.CategoryUsage).Warnw("usage save failed",
					"path", t.filePath, "error", err)
			}
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.ByRun = copyTokenCountsMap(stats.ByRun)
	return stats
}

// RunTotals returns the counters recorded for one run.
func (t *Tracker) RunTotals(runID string) TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.ByRun[runID]
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}
