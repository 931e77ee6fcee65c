// Package queue implements the single-consumer, multi-producer priority
// queue that feeds the Worker Pool: four lanes (URGENT/NORMAL/BATCH/
// BACKGROUND), FIFO within a lane by submission time.
package queue

import (
	"container/heap"
	"sync"

	"orchestratord/pkg/types"
)

// entry is one queued job plus the heap bookkeeping needed for ordering
// and O(log n) removal/reprioritize.
type entry struct {
	job    types.Job
	source string // "session" or "dream", for queue:state descriptors
	index  int
}

// byPriority orders entries priority ASC, then submittedAt ASC.
type byPriority []*entry

func (h byPriority) Len() int { return len(h) }
func (h byPriority) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].job.SubmittedAt.Before(h[j].job.SubmittedAt)
}
func (h byPriority) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *byPriority) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *byPriority) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the bounded priority queue. Callers synchronize through Put/
// Get/Remove/UpdatePriority/Snapshot only; the heap is never touched
// outside the lock.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   byPriority
	byID   map[string]*entry
	max    int
	closed bool
}

// New builds a queue that rejects Put beyond max entries (64 when zero).
func New(max int) *Queue {
	if max <= 0 {
		max = 64
	}
	q := &Queue{byID: make(map[string]*entry), max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues job, tagged with its originating subsystem for queue:state.
// Returns orchestrator.ErrQueueFull (by the caller wrapping this bool) when
// the backlog is already at capacity; Put itself reports that via ok=false
// so callers aren't forced to import the error package here.
func (q *Queue) Put(job types.Job, source string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.heap) >= q.max {
		return false
	}
	e := &entry{job: job, source: source}
	heap.Push(&q.heap, e)
	q.byID[job.ID] = e
	q.cond.Signal()
	return true
}

// Len reports the current backlog size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Get blocks until a job is available (or the queue is closed) and pops
// the highest-priority, oldest-submitted head.
func (q *Queue) Get() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return types.Job{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.job.ID)
	return e.job, true
}

// Remove removes jobID from the queue if still present. Returns true if
// it was found and removed.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, jobID)
	return true
}

// UpdatePriority reprioritizes jobID while it is still queued. Returns
// false if the job isn't present (e.g. already running): reprioritizing
// a running job is a no-op.
func (q *Queue) UpdatePriority(jobID string, p types.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[jobID]
	if !ok {
		return false
	}
	e.job.Priority = p
	heap.Fix(&q.heap, e.index)
	return true
}

// Snapshot returns an atomic, ordered view of the backlog for queue:state.
func (q *Queue) Snapshot() []types.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Descriptor, len(q.heap))
	ordered := make(byPriority, len(q.heap))
	copy(ordered, q.heap)
	// Sort a scratch copy rather than the live heap so Snapshot has no
	// side effect on pop order.
	sortByPriority(ordered)
	for i, e := range ordered {
		out[i] = types.Descriptor{ID: e.job.ID, Priority: e.job.Priority, Source: e.source}
	}
	return out
}

func sortByPriority(h byPriority) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}

// Close wakes any blocked Get and makes subsequent Put calls fail. Used by
// pool.Shutdown after DrainAll has taken the remaining entries.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// DrainAll removes and returns every still-queued job, used by shutdown to
// cancel the backlog with Shutdown errors.
func (q *Queue) DrainAll() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Job, 0, len(q.heap))
	for len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*entry)
		out = append(out, e.job)
	}
	q.byID = make(map[string]*entry)
	return out
}
