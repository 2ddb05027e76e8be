// Package journal persists per-run event logs. Each run owns one
// directory under the journal root holding an append-only
// journal.jsonl plus sibling screenshot files; the ordered event
// sequence is the run's durable state and is sufficient to resume an
// interrupted run after a crash.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deskpilot/internal/logging"
)

const (
	// FileName is the event log inside a run directory.
	FileName = "journal.jsonl"
	// shotPattern names screenshots by iteration and phase. Zero
	// padding keeps lexical and numeric order aligned for pruning.
	shotPattern = "shot-%03d-%s.png"
)

// Journal appends events for a single run. Methods on a nil Journal
// are no-ops, so a failed open degrades to an unjournaled run instead
// of aborting it.
type Journal struct {
	mu       sync.Mutex
	runID    string
	dir      string
	file     *os.File
	enc      *json.Encoder
	terminal bool
}

// Open creates (or reopens, for resume) the journal for runID under
// root. Reopened journals append to the existing file.
func Open(root, runID string) (*Journal, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	logging.Get(logging.CategoryJournal).Debugw("journal opened", "run", runID, "dir", dir)
	return &Journal{runID: runID, dir: dir, file: f, enc: json.NewEncoder(f)}, nil
}

// RunID returns the owning run id, or "" on a nil journal.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Dir returns the run directory, or "" on a nil journal.
func (j *Journal) Dir() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// Append writes one event and flushes it to disk before returning.
// Events after a terminal event are dropped: the run is already
// closed and replay must see exactly one terminal record.
func (j *Journal) Append(ev Event) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal for run %s is closed", j.runID)
	}
	if j.terminal {
		logging.Get(logging.CategoryJournal).Warnw("event after terminal dropped",
			"run", j.runID, "type", ev.Type)
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := j.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to append journal event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	if ev.Type.IsTerminal() {
		j.terminal = true
	}
	return nil
}

// SaveScreenshot writes a screenshot next to the event log and
// returns its file name for embedding in an iteration event. The
// caller supplies PNG bytes; the journal does not re-encode.
func (j *Journal) SaveScreenshot(iteration int, phase string, png []byte) (string, error) {
	if j == nil || len(png) == 0 {
		return "", nil
	}
	name := fmt.Sprintf(shotPattern, iteration, phase)
	if err := os.WriteFile(filepath.Join(j.dir, name), png, 0644); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}
	return name, nil
}

// Close releases the file handle. Further appends fail.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
