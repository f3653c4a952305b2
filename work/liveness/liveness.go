package liveness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stream-checker/work/logger"
	"stream-checker/work/metrics"
)

// Entry records the dead/alive state of one stream URL. The URL is the
// durable identity key; upstream stream ids may be recycled.
type Entry struct {
	IsDead     bool      `json:"is_dead"`
	StreamID   int       `json:"stream_id"`
	StreamName string    `json:"stream_name"`
	Since      time.Time `json:"since"`
}

type fileState struct {
	DeadStreams map[string]*Entry `json:"dead_streams"`
}

// Tracker is the durable liveness map. It is the sole source of truth for
// whether a stream should be removed from its channel.
type Tracker struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

// New loads the liveness state at path. A corrupted file is backed up with a
// timestamp suffix and replaced with an empty map rather than failing.
func New(path string) *Tracker {
	t := &Tracker{
		path:    path,
		entries: make(map[string]*Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	if strings.TrimSpace(string(data)) == "" {
		return t
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		backupPath := path + ".corrupted." + time.Now().Format("20060102-150405")
		if backupErr := os.WriteFile(backupPath, data, 0644); backupErr != nil {
			logger.Warn("could not back up corrupted liveness file: %v", backupErr)
		} else {
			logger.Warn("liveness file corrupted, backed up to %s", backupPath)
		}
		return t
	}

	if fs.DeadStreams != nil {
		t.entries = fs.DeadStreams
	}
	return t
}

// save rewrites the state file. Caller holds t.mu.
func (t *Tracker) save() error {
	fs := fileState{DeadStreams: t.entries}
	data, err := json.MarshalIndent(&fs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(t.path, data, 0644)
}

// IsDead reports whether the URL is currently tracked as dead.
func (t *Tracker) IsDead(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[url]
	return ok && e.IsDead
}

// MarkDead records the URL as dead. Only the alive-to-dead transition is
// recorded; a repeat mark keeps the original Since timestamp and skips the
// durable rewrite. Returns false when the durable write fails, in which
// case no state changes; callers must not remove a stream whose dead mark
// did not persist.
func (t *Tracker) MarkDead(url string, streamID int, streamName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.entries[url]
	if prev != nil && prev.IsDead {
		return true
	}
	t.entries[url] = &Entry{
		IsDead:     true,
		StreamID:   streamID,
		StreamName: streamName,
		Since:      time.Now(),
	}
	if err := t.save(); err != nil {
		logger.Error("failed to persist dead mark for stream %d: %v", streamID, err)
		if prev != nil {
			t.entries[url] = prev
		} else {
			delete(t.entries, url)
		}
		return false
	}
	metrics.DeadStreams.WithLabelValues("died").Inc()
	return true
}

// MarkAlive records the URL as revived. Returns false when the durable
// write fails.
func (t *Tracker) MarkAlive(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.entries[url]
	if !ok || !prev.IsDead {
		return true
	}

	t.entries[url] = &Entry{
		IsDead:     false,
		StreamID:   prev.StreamID,
		StreamName: prev.StreamName,
		Since:      time.Now(),
	}
	if err := t.save(); err != nil {
		logger.Error("failed to persist revival for %s: %v", prev.StreamName, err)
		t.entries[url] = prev
		return false
	}
	metrics.DeadStreams.WithLabelValues("revived").Inc()
	return true
}

// DeadCount returns the number of URLs currently marked dead.
func (t *Tracker) DeadCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, e := range t.entries {
		if e.IsDead {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of all entries keyed by URL.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Entry, len(t.entries))
	for url, e := range t.entries {
		out[url] = *e
	}
	return out
}
