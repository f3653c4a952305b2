package moved

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stream-checker/work/logger"
)

// Record is one persisted overflow relocation. The streams listed were moved
// from FromChannel to ToChannel and are due back once ReturnAt elapses.
type Record struct {
	StreamIDs   []int     `json:"stream_ids"`
	FromChannel int       `json:"from_channel"`
	ToChannel   int       `json:"to_channel"`
	MovedAt     time.Time `json:"moved_at"`
	ReturnAt    time.Time `json:"return_at"`
}

type fileState struct {
	MovedStreams []Record `json:"moved_streams"`
}

// Ledger is the durable ordered sequence of overflow moves.
type Ledger struct {
	mu      sync.Mutex
	path    string
	records []Record
}

// New loads the ledger at path, starting empty when missing or unreadable.
func New(path string) *Ledger {
	l := &Ledger{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		logger.Warn("could not parse moved streams ledger at %s: %v", path, err)
		return l
	}
	l.records = fs.MovedStreams
	return l
}

// save rewrites the ledger file. Caller holds l.mu.
func (l *Ledger) save() {
	fs := fileState{MovedStreams: l.records}
	if fs.MovedStreams == nil {
		fs.MovedStreams = []Record{}
	}
	data, err := json.MarshalIndent(&fs, "", "  ")
	if err != nil {
		logger.Error("failed to marshal moved streams ledger: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		logger.Error("failed to create ledger directory: %v", err)
		return
	}
	if err := os.WriteFile(l.path, data, 0644); err != nil {
		logger.Error("failed to save moved streams ledger: %v", err)
	}
}

// Append records a new overflow move.
func (l *Ledger) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	l.save()
}

// Pending returns a snapshot of all tracked moves.
func (l *Ledger) Pending() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// SweepDue invokes ret for every record whose ReturnAt has elapsed. Records
// it returns true for are dropped; failed returns stay in the ledger for the
// next sweep. The lock is not held across ret, so moves appended during the
// sweep are preserved.
func (l *Ledger) SweepDue(now time.Time, ret func(Record) bool) int {
	l.mu.Lock()
	records := l.records
	l.records = nil
	l.mu.Unlock()

	returned := 0
	var remaining []Record
	for _, rec := range records {
		if now.Before(rec.ReturnAt) {
			remaining = append(remaining, rec)
			continue
		}
		if ret(rec) {
			returned++
		} else {
			remaining = append(remaining, rec)
		}
	}

	l.mu.Lock()
	l.records = append(remaining, l.records...)
	l.save()
	l.mu.Unlock()
	return returned
}
