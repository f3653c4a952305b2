package queue

import (
	"testing"
	"time"
)

func TestEnqueueDeduplicates(t *testing.T) {
	q := New(10)

	if !q.Enqueue(1, 10) {
		t.Fatal("first enqueue should succeed")
	}
	if q.Enqueue(1, 10) {
		t.Fatal("second enqueue of same channel should be rejected")
	}
	if got := q.Status().Queued; got != 1 {
		t.Fatalf("expected 1 queued, got %d", got)
	}
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	q := New(10)
	q.Enqueue(101, 10)
	q.Enqueue(102, 5)
	q.Enqueue(103, 10)

	want := []int{102, 101, 103}
	for _, expected := range want {
		id, ok := q.Dequeue(time.Second)
		if !ok {
			t.Fatalf("expected dequeue of %d, queue was empty", expected)
		}
		if id != expected {
			t.Fatalf("expected channel %d, got %d", expected, id)
		}
	}
}

func TestDedupAcrossLifecycle(t *testing.T) {
	q := New(10)
	q.Enqueue(7, 10)

	id, ok := q.Dequeue(time.Second)
	if !ok || id != 7 {
		t.Fatalf("expected channel 7, got %d ok=%v", id, ok)
	}

	// in progress blocks re-queueing
	if q.Enqueue(7, 10) {
		t.Fatal("enqueue should be rejected while channel is in progress")
	}

	q.MarkCompleted(7)
	if q.Enqueue(7, 10) {
		t.Fatal("enqueue should be rejected while channel is completed")
	}

	if !q.EvictFromCompleted(7) {
		t.Fatal("evict should report the channel was completed")
	}
	if !q.Enqueue(7, 10) {
		t.Fatal("enqueue should succeed after eviction from completed")
	}
}

func TestMarkFailedAllowsRequeue(t *testing.T) {
	q := New(10)
	q.Enqueue(3, 10)
	if _, ok := q.Dequeue(time.Second); !ok {
		t.Fatal("expected a queued channel")
	}
	q.MarkFailed(3, "probe exploded")

	if !q.Enqueue(3, 10) {
		t.Fatal("failed channel should be immediately re-queueable")
	}

	failures := q.Failures()
	rec, ok := failures[3]
	if !ok {
		t.Fatal("expected a failure record for channel 3")
	}
	if rec.Error != "probe exploded" {
		t.Fatalf("unexpected failure text: %q", rec.Error)
	}
}

func TestDequeueTimesOutOnEmptyQueue(t *testing.T) {
	q := New(10)
	start := time.Now()
	if _, ok := q.Dequeue(50 * time.Millisecond); ok {
		t.Fatal("dequeue on empty queue should time out")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("dequeue returned too early: %v", elapsed)
	}
}

func TestFullQueueRejectsWithoutError(t *testing.T) {
	q := New(2)
	if !q.Enqueue(1, 10) || !q.Enqueue(2, 10) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if q.Enqueue(3, 10) {
		t.Fatal("enqueue on full queue should return false")
	}
	if got := q.Status().Queued; got != 2 {
		t.Fatalf("expected 2 queued, got %d", got)
	}
}

func TestEnqueueManyCountsAccepted(t *testing.T) {
	q := New(10)
	q.Enqueue(1, 10)

	added := q.EnqueueMany([]int{1, 2, 3}, 10)
	if added != 2 {
		t.Fatalf("expected 2 accepted, got %d", added)
	}
}

func TestClearResetsEverything(t *testing.T) {
	q := New(10)
	q.Enqueue(1, 10)
	q.Enqueue(2, 5)
	if _, ok := q.Dequeue(time.Second); !ok {
		t.Fatal("expected dequeue to succeed")
	}
	q.MarkFailed(2, "x")
	q.Clear()

	st := q.Status()
	if st.Queued != 0 || st.InProgress != 0 || st.Completed != 0 {
		t.Fatalf("expected empty sets after clear, got %+v", st)
	}
	if len(q.Failures()) != 0 {
		t.Fatal("expected failure records cleared")
	}
	if !q.Enqueue(1, 10) {
		t.Fatal("enqueue should succeed after clear")
	}
}
