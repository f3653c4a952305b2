package queue

import (
	"container/heap"
	"sync"
	"time"

	"stream-checker/work/logger"
	"stream-checker/work/metrics"
	"stream-checker/work/types"

	"github.com/puzpuzpuz/xsync/v3"
)

// FailureRecord captures why and when a channel check failed.
type FailureRecord struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// entry is one heap element. seq breaks priority ties so equal-priority
// channels dequeue in insertion order.
type entry struct {
	priority  int
	seq       uint64
	channelID int
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a bounded, deduplicating priority queue of channel ids. A channel
// id held in queued, inProgress or completed cannot be enqueued again until
// it leaves those sets; failures are tracked separately and never block
// re-queueing.
type Queue struct {
	mu         sync.Mutex
	heap       entryHeap
	queued     map[int]struct{}
	inProgress map[int]struct{}
	completed  map[int]struct{}
	failed     *xsync.MapOf[int, FailureRecord]
	maxSize    int
	seq        uint64
	current    int
	wake       chan struct{}

	totalQueued    int64
	totalCompleted int64
	totalFailed    int64
}

// New creates a queue bounded at maxSize entries.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Queue{
		heap:       entryHeap{},
		queued:     make(map[int]struct{}),
		inProgress: make(map[int]struct{}),
		completed:  make(map[int]struct{}),
		failed:     xsync.NewMapOf[int, FailureRecord](),
		maxSize:    maxSize,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue adds a channel to the queue. Returns false without error when the
// channel is already queued, in progress or completed, or when the queue is
// full; back-pressure here is advisory.
func (q *Queue) Enqueue(channelID int, priority int) bool {
	q.mu.Lock()
	if _, ok := q.queued[channelID]; ok {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.inProgress[channelID]; ok {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.completed[channelID]; ok {
		q.mu.Unlock()
		return false
	}
	if len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		logger.Warn("queue is full, cannot add channel %d", channelID)
		return false
	}

	q.seq++
	heap.Push(&q.heap, entry{priority: priority, seq: q.seq, channelID: channelID})
	q.queued[channelID] = struct{}{}
	q.totalQueued++
	q.publishDepth()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	logger.Debug("added channel %d to queue (priority: %d)", channelID, priority)
	return true
}

// EnqueueMany enqueues each id and returns the number accepted.
func (q *Queue) EnqueueMany(channelIDs []int, priority int) int {
	added := 0
	for _, id := range channelIDs {
		if q.Enqueue(id, priority) {
			added++
		}
	}
	logger.Info("added %d/%d channels to checking queue", added, len(channelIDs))
	return added
}

// Dequeue blocks up to timeout for the next channel. On success the id is
// atomically moved from queued to inProgress.
func (q *Queue) Dequeue(timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			e := heap.Pop(&q.heap).(entry)
			delete(q.queued, e.channelID)
			q.inProgress[e.channelID] = struct{}{}
			q.current = e.channelID
			q.publishDepth()
			q.mu.Unlock()
			return e.channelID, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// MarkCompleted moves a channel from inProgress to completed.
func (q *Queue) MarkCompleted(channelID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, channelID)
	q.completed[channelID] = struct{}{}
	q.totalCompleted++
	if q.current == channelID {
		q.current = 0
	}
	q.publishDepth()
	logger.Debug("marked channel %d as completed", channelID)
}

// MarkFailed records a failure for a channel and releases it from inProgress.
// Failed channels may be re-enqueued immediately.
func (q *Queue) MarkFailed(channelID int, errText string) {
	q.mu.Lock()
	delete(q.inProgress, channelID)
	q.totalFailed++
	if q.current == channelID {
		q.current = 0
	}
	q.publishDepth()
	q.mu.Unlock()

	q.failed.Store(channelID, FailureRecord{Error: errText, Timestamp: time.Now()})
	logger.Warn("marked channel %d as failed: %s", channelID, errText)
}

// EvictFromCompleted removes a channel from the completed set so it can be
// re-queued. Required whenever new content arrives for a channel that was
// previously checked.
func (q *Queue) EvictFromCompleted(channelID int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.completed[channelID]; !ok {
		return false
	}
	delete(q.completed, channelID)
	q.publishDepth()
	logger.Debug("removed channel %d from completed set", channelID)
	return true
}

// Failures returns a snapshot of the failure records.
func (q *Queue) Failures() map[int]FailureRecord {
	out := make(map[int]FailureRecord)
	q.failed.Range(func(id int, rec FailureRecord) bool {
		out[id] = rec
		return true
	})
	return out
}

// Status returns current queue counters.
func (q *Queue) Status() types.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueStatus{
		Queued:         len(q.queued),
		InProgress:     len(q.inProgress),
		Completed:      len(q.completed),
		Failed:         q.failed.Size(),
		MaxSize:        q.maxSize,
		CurrentChannel: q.current,
		TotalQueued:    q.totalQueued,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
	}
}

// Clear drops all entries, membership sets and counters.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.heap = entryHeap{}
	q.queued = make(map[int]struct{})
	q.inProgress = make(map[int]struct{})
	q.completed = make(map[int]struct{})
	q.current = 0
	q.totalQueued = 0
	q.totalCompleted = 0
	q.totalFailed = 0
	q.publishDepth()
	q.mu.Unlock()

	q.failed.Clear()
	logger.Info("queue cleared")
}

// publishDepth pushes membership counts to the metrics gauges. Caller holds q.mu.
func (q *Queue) publishDepth() {
	metrics.QueueDepth.WithLabelValues("queued").Set(float64(len(q.queued)))
	metrics.QueueDepth.WithLabelValues("in_progress").Set(float64(len(q.inProgress)))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(len(q.completed)))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(q.failed.Size()))
}
