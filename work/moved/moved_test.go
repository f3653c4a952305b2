package moved

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSweepDueReturnsOnlyElapsed(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "moved_streams.json"))
	now := time.Now()

	l.Append(Record{StreamIDs: []int{1, 2}, FromChannel: 100, ToChannel: 201, MovedAt: now.Add(-7 * time.Hour), ReturnAt: now.Add(-time.Hour)})
	l.Append(Record{StreamIDs: []int{3}, FromChannel: 100, ToChannel: 202, MovedAt: now, ReturnAt: now.Add(6 * time.Hour)})

	var swept []Record
	n := l.SweepDue(now, func(rec Record) bool {
		swept = append(swept, rec)
		return true
	})

	if n != 1 {
		t.Fatalf("SweepDue returned %d, want 1", n)
	}
	if len(swept) != 1 || swept[0].ToChannel != 201 {
		t.Fatalf("swept records = %+v, want the elapsed move to 201", swept)
	}
	pending := l.Pending()
	if len(pending) != 1 || pending[0].ToChannel != 202 {
		t.Fatalf("pending = %+v, want only the future move to 202", pending)
	}
}

func TestSweepDueKeepsFailedReturns(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "moved_streams.json"))
	now := time.Now()

	l.Append(Record{StreamIDs: []int{9}, FromChannel: 100, ToChannel: 201, ReturnAt: now.Add(-time.Minute)})

	if n := l.SweepDue(now, func(Record) bool { return false }); n != 0 {
		t.Fatalf("SweepDue returned %d, want 0", n)
	}
	if len(l.Pending()) != 1 {
		t.Fatalf("failed return was dropped from the ledger")
	}

	if n := l.SweepDue(now, func(Record) bool { return true }); n != 1 {
		t.Fatalf("retry sweep returned %d, want 1", n)
	}
	if len(l.Pending()) != 0 {
		t.Fatalf("ledger not empty after successful return")
	}
}

func TestLedgerSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moved_streams.json")
	now := time.Now().UTC().Truncate(time.Second)

	l := New(path)
	l.Append(Record{StreamIDs: []int{4, 5}, FromChannel: 100, ToChannel: 203, MovedAt: now, ReturnAt: now.Add(3 * time.Hour)})

	reloaded := New(path)
	pending := reloaded.Pending()
	if len(pending) != 1 {
		t.Fatalf("reloaded ledger has %d records, want 1", len(pending))
	}
	if got := pending[0]; got.ToChannel != 203 || !got.ReturnAt.Equal(now.Add(3*time.Hour)) {
		t.Fatalf("reloaded record = %+v", got)
	}
}
