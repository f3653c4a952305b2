package progress

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stream-checker/work/logger"
)

// Snapshot is the single-slot progress record for the in-flight channel
// check. It is overwritten on every update and deleted when the check ends.
type Snapshot struct {
	ChannelID         int       `json:"channel_id"`
	ChannelName       string    `json:"channel_name"`
	CurrentStream     int       `json:"current_stream"`
	TotalStreams      int       `json:"total_streams"`
	Percentage        float64   `json:"percentage"`
	CurrentStreamName string    `json:"current_stream_name"`
	Status            string    `json:"status"`
	Step              string    `json:"step"`
	StepDetail        string    `json:"step_detail"`
	Timestamp         time.Time `json:"timestamp"`
}

// Reporter persists best-effort progress snapshots. Write failures are
// logged and otherwise ignored; progress is advisory state only.
type Reporter struct {
	mu   sync.Mutex
	path string
}

// New creates a reporter writing to path.
func New(path string) *Reporter {
	return &Reporter{path: path}
}

// Update overwrites the progress record.
func (r *Reporter) Update(s Snapshot) {
	s.Timestamp = time.Now()
	if s.TotalStreams > 0 {
		s.Percentage = math.Round(float64(s.CurrentStream)/float64(s.TotalStreams)*1000) / 10
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(&s)
	if err != nil {
		logger.Warn("failed to marshal progress: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		logger.Warn("failed to create progress directory: %v", err)
		return
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		logger.Warn("failed to write progress file: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		logger.Warn("failed to write progress file: %v", err)
		return
	}
	// Readers poll this file while a check is running; flush so they
	// never see a stale or torn snapshot.
	if err := f.Sync(); err != nil {
		logger.Warn("failed to sync progress file: %v", err)
	}
}

// Clear removes the progress record.
func (r *Reporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to delete progress file: %v", err)
	}
}

// Get returns the current progress record, nil when no check is in flight.
func (r *Reporter) Get() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}
