package tracker

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "channel_updates.json"))
}

func TestMarkUpdatedSetsNeedsCheck(t *testing.T) {
	tr := newTestTracker(t)

	tr.MarkUpdated([]int{1, 2}, map[int]int{1: 5, 2: 3})

	ids := tr.NeedingCheck()
	sort.Ints(ids)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected channels 1 and 2 dirty, got %v", ids)
	}
}

func TestClaimClearsFlagAtomically(t *testing.T) {
	tr := newTestTracker(t)
	tr.MarkUpdated([]int{1, 2, 3}, nil)

	claimed := tr.GetAndClearNeedingCheck(0)
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed channels, got %v", claimed)
	}
	if again := tr.GetAndClearNeedingCheck(0); len(again) != 0 {
		t.Fatalf("second claim should be empty, got %v", again)
	}
}

func TestClaimRespectsLimit(t *testing.T) {
	tr := newTestTracker(t)
	tr.MarkUpdated([]int{1, 2, 3, 4, 5}, nil)

	first := tr.GetAndClearNeedingCheck(2)
	if len(first) != 2 {
		t.Fatalf("expected 2 claimed, got %v", first)
	}
	rest := tr.GetAndClearNeedingCheck(0)
	if len(rest) != 3 {
		t.Fatalf("expected remaining 3 claimed, got %v", rest)
	}
}

func TestConcurrentClaimIsExactlyOnce(t *testing.T) {
	tr := newTestTracker(t)
	ids := make([]int, 50)
	for i := range ids {
		ids[i] = i + 1
	}
	tr.MarkUpdated(ids, nil)

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed := tr.GetAndClearNeedingCheck(5)
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, id := range claimed {
					seen[id]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != len(ids) {
		t.Fatalf("expected all %d channels claimed, got %d", len(ids), len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("channel %d claimed %d times", id, count)
		}
	}
}

func TestMarkUpdatedAfterCheckedStaysDirty(t *testing.T) {
	tr := newTestTracker(t)
	tr.MarkUpdated([]int{9}, nil)
	tr.GetAndClearNeedingCheck(0)
	tr.MarkChecked(9, 4, []int{100, 101, 102, 103})

	// new content after a completed check must re-flag the channel
	tr.MarkUpdated([]int{9}, nil)
	if ids := tr.NeedingCheck(); len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected channel 9 dirty after re-update, got %v", ids)
	}

	// checked stream ids survive the re-update
	checked := tr.CheckedStreamIDs(9)
	if len(checked) != 4 {
		t.Fatalf("expected 4 checked stream ids preserved, got %v", checked)
	}
}

func TestMidCheckUpdateSurvivesMarkChecked(t *testing.T) {
	tr := newTestTracker(t)
	tr.MarkUpdated([]int{42}, nil)
	tr.GetAndClearNeedingCheck(0)

	// refresh lands while the worker is still probing the channel
	tr.MarkUpdated([]int{42}, nil)
	tr.MarkChecked(42, 3, []int{1, 2, 3})

	if ids := tr.NeedingCheck(); len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("mid-check refresh was lost: needing=%v", ids)
	}
}

func TestForceCheckLifecycle(t *testing.T) {
	tr := newTestTracker(t)

	if tr.ShouldForceCheck(5) {
		t.Fatal("untracked channel should not be force-checked")
	}
	tr.MarkForForceCheck(5)
	if !tr.ShouldForceCheck(5) {
		t.Fatal("expected force check flag set")
	}
	tr.ClearForceCheck(5)
	if tr.ShouldForceCheck(5) {
		t.Fatal("expected force check flag cleared")
	}
}

func TestGlobalCheckTimestamp(t *testing.T) {
	tr := newTestTracker(t)

	if _, ok := tr.LastGlobalCheck(); ok {
		t.Fatal("fresh tracker should have no global check timestamp")
	}
	tr.MarkGlobalCheck()
	if _, ok := tr.LastGlobalCheck(); !ok {
		t.Fatal("expected a global check timestamp")
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel_updates.json")

	tr := New(path)
	tr.MarkUpdated([]int{42}, map[int]int{42: 7})
	tr.MarkForForceCheck(42)
	tr.MarkGlobalCheck()

	reloaded := New(path)
	if ids := reloaded.NeedingCheck(); len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("expected channel 42 still dirty after reload, got %v", ids)
	}
	if !reloaded.ShouldForceCheck(42) {
		t.Fatal("expected force check flag to survive reload")
	}
	if _, ok := reloaded.LastGlobalCheck(); !ok {
		t.Fatal("expected global check timestamp to survive reload")
	}
}
