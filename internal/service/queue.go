package service

import (
	"container/heap"
	"context"
	"slices"
	"sync"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/clock"
)

type queueItem struct {
	entry domain.QueueEntry
	seq   uint64
	index int
}

type entryHeap []*queueItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.entry.Priority != b.entry.Priority {
		return a.entry.Priority > b.entry.Priority
	}
	if !a.entry.EnqueuedAt.Equal(b.entry.EnqueuedAt) {
		return a.entry.EnqueuedAt.Before(b.entry.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// JobQueue orders pending jobs by priority then enqueue time and tracks which
// jobs are in flight. A job id is either pending, in flight, or absent.
type JobQueue struct {
	mu       sync.Mutex
	items    entryHeap
	pending  map[string]*queueItem
	inFlight map[string]struct{}
	seq      uint64
	ready    chan struct{}
	clock    clock.Clock
}

func NewJobQueue(clk clock.Clock) *JobQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &JobQueue{
		pending:  make(map[string]*queueItem),
		inFlight: make(map[string]struct{}),
		ready:    make(chan struct{}, 1),
		clock:    clk,
	}
}

// Add enqueues jobID. Re-adding a pending job only updates its priority and
// keeps its original enqueue time. Re-adding an in-flight job is a no-op that
// returns domain.ErrAlreadyInFlight.
func (q *JobQueue) Add(jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[jobID]; ok {
		return domain.ErrAlreadyInFlight
	}
	if item, ok := q.pending[jobID]; ok {
		item.entry.Priority = priority
		heap.Fix(&q.items, item.index)
		return nil
	}

	q.seq++
	item := &queueItem{
		entry: domain.QueueEntry{JobID: jobID, Priority: priority, EnqueuedAt: q.clock.Now()},
		seq:   q.seq,
	}
	heap.Push(&q.items, item)
	q.pending[jobID] = item
	q.signal()
	return nil
}

// Remove drops a pending entry and reports whether one existed. In-flight
// jobs are not affected.
func (q *JobQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.pending[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.pending, jobID)
	return true
}

// Next blocks until an entry is available or ctx is done. The returned job is
// marked in flight until Done is called.
func (q *JobQueue) Next(ctx context.Context) (domain.QueueEntry, error) {
	for {
		if entry, ok := q.tryPop(); ok {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return domain.QueueEntry{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *JobQueue) tryPop() (domain.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return domain.QueueEntry{}, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.pending, item.entry.JobID)
	q.inFlight[item.entry.JobID] = struct{}{}
	if q.items.Len() > 0 {
		q.signal()
	}
	return item.entry, true
}

func (q *JobQueue) Done(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, jobID)
}

func (q *JobQueue) IsInFlight(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[jobID]
	return ok
}

func (q *JobQueue) IsPending(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[jobID]
	return ok
}

func (q *JobQueue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.inFlight))
	for id := range q.inFlight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return domain.QueueStatus{Depth: q.items.Len(), InFlightIDs: ids}
}

// signal must be called with mu held.
func (q *JobQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
