package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"stream-checker/work/logger"

	"sync"
)

// Entry is the durable per-channel record. NeedsCheck is set whenever new
// stream content is observed and cleared only at the moment the channel is
// atomically claimed for queueing, never when a check merely completes.
type Entry struct {
	LastUpdate       time.Time `json:"last_update,omitempty"`
	LastCheck        time.Time `json:"last_check,omitempty"`
	NeedsCheck       bool      `json:"needs_check"`
	ForceCheck       bool      `json:"force_check,omitempty"`
	StreamCount      int       `json:"stream_count,omitempty"`
	CheckedStreamIDs []int     `json:"checked_stream_ids"`
	QueuedAt         time.Time `json:"queued_at,omitempty"`
}

// fileState is the on-disk shape. Channel ids are string keys in JSON.
type fileState struct {
	Channels        map[string]*Entry `json:"channels"`
	LastGlobalCheck *time.Time        `json:"last_global_check"`
}

// Tracker is the durable channel-update tracker. Every mutating operation
// serializes on a single lock and rewrites the full state file before
// returning, so a crash loses at most the in-flight mutation.
type Tracker struct {
	mu              sync.Mutex
	path            string
	channels        map[int]*Entry
	lastGlobalCheck *time.Time
}

// New loads the tracker state at path, starting empty when the file is
// missing or unreadable, and ensures the file exists on disk.
func New(path string) *Tracker {
	t := &Tracker{
		path:     path,
		channels: make(map[int]*Entry),
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var fs fileState
		if jsonErr := json.Unmarshal(data, &fs); jsonErr == nil {
			for key, e := range fs.Channels {
				if id, convErr := strconv.Atoi(key); convErr == nil && e != nil {
					t.channels[id] = e
				}
			}
			t.lastGlobalCheck = fs.LastGlobalCheck
		} else {
			logger.Warn("could not parse tracker state at %s, starting fresh: %v", path, jsonErr)
		}
	}

	t.mu.Lock()
	t.save()
	t.mu.Unlock()
	return t
}

// save rewrites the state file. Caller holds t.mu. Persistence failures are
// logged; in-memory state stays authoritative until the next successful write.
func (t *Tracker) save() {
	fs := fileState{
		Channels:        make(map[string]*Entry, len(t.channels)),
		LastGlobalCheck: t.lastGlobalCheck,
	}
	for id, e := range t.channels {
		fs.Channels[strconv.Itoa(id)] = e
	}

	data, err := json.MarshalIndent(&fs, "", "  ")
	if err != nil {
		logger.Error("failed to marshal tracker state: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		logger.Error("failed to create tracker directory: %v", err)
		return
	}
	if err := os.WriteFile(t.path, data, 0644); err != nil {
		logger.Error("failed to save tracker state: %v", err)
	}
}

func (t *Tracker) entry(channelID int) *Entry {
	e, ok := t.channels[channelID]
	if !ok {
		e = &Entry{CheckedStreamIDs: []int{}}
		t.channels[channelID] = e
	}
	return e
}

// MarkUpdated flags channels as having received new stream content. The
// needs_check flag is always set, even for channels already checked, so new
// content is never silently skipped. streamCounts may be nil.
func (t *Tracker) MarkUpdated(channelIDs []int, streamCounts map[int]int) {
	now := time.Now()

	t.mu.Lock()
	for _, id := range channelIDs {
		e := t.entry(id)
		e.LastUpdate = now
		e.NeedsCheck = true
		if streamCounts != nil {
			if count, ok := streamCounts[id]; ok {
				e.StreamCount = count
			}
		}
	}
	if len(channelIDs) > 0 {
		t.save()
	}
	t.mu.Unlock()

	logger.Info("marked %d channels as updated", len(channelIDs))
}

// GetAndClearNeedingCheck returns up to max channel ids flagged dirty,
// flipping needs_check to false and stamping queued_at inside the same
// critical section. Each dirty channel is returned by exactly one call even
// under concurrent refresh events. max <= 0 means no limit.
func (t *Tracker) GetAndClearNeedingCheck(max int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var claimed []int
	for id, e := range t.channels {
		if !e.NeedsCheck {
			continue
		}
		e.NeedsCheck = false
		e.QueuedAt = now
		claimed = append(claimed, id)
		if max > 0 && len(claimed) >= max {
			break
		}
	}

	if len(claimed) > 0 {
		t.save()
		logger.Debug("atomically claimed %d channels needing check", len(claimed))
	}
	return claimed
}

// NeedingCheck returns the dirty channel ids without clearing the flag.
// Read-only; queueing paths must use GetAndClearNeedingCheck.
func (t *Tracker) NeedingCheck() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int
	for id, e := range t.channels {
		if e.NeedsCheck {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkChecked records a completed check with the stream set that was covered.
// NeedsCheck is left alone: the flag clears only at the claim in
// GetAndClearNeedingCheck, so an update arriving mid-check still queues the
// channel on the next pass.
func (t *Tracker) MarkChecked(channelID int, streamCount int, checkedStreamIDs []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(channelID)
	e.LastCheck = time.Now()
	if streamCount > 0 {
		e.StreamCount = streamCount
	}
	if checkedStreamIDs != nil {
		e.CheckedStreamIDs = checkedStreamIDs
	}
	t.save()
}

// CheckedStreamIDs returns the stream ids covered by the channel's last check.
func (t *Tracker) CheckedStreamIDs(channelID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.channels[channelID]; ok {
		out := make([]int, len(e.CheckedStreamIDs))
		copy(out, e.CheckedStreamIDs)
		return out
	}
	return nil
}

// MarkForForceCheck flags a channel so its next check bypasses the
// recent-check immunity window.
func (t *Tracker) MarkForForceCheck(channelID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entry(channelID).ForceCheck = true
	t.save()
}

// ShouldForceCheck reports whether the channel is flagged for a force check.
func (t *Tracker) ShouldForceCheck(channelID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.channels[channelID]; ok {
		return e.ForceCheck
	}
	return false
}

// ClearForceCheck resets the force-check flag. Called exactly once, as soon
// as the flag has been observed by a running check.
func (t *Tracker) ClearForceCheck(channelID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.channels[channelID]; ok && e.ForceCheck {
		e.ForceCheck = false
		t.save()
	}
}

// MarkGlobalCheck stamps the last-global-check time. It does not touch any
// needs_check flags; those clear only when channels are actually claimed.
func (t *Tracker) MarkGlobalCheck() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastGlobalCheck = &now
	t.save()
}

// LastGlobalCheck returns the last global check time, ok=false when no
// global check has ever run.
func (t *Tracker) LastGlobalCheck() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastGlobalCheck == nil {
		return time.Time{}, false
	}
	return *t.lastGlobalCheck, true
}
