package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
)

var errQueueClosed = errors.New("queue closed")

type entry struct {
	task  *Task
	index int
}

type taskHeap []*entry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].task.before(h[j].task) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PriorityQueue is a per-resource task store ordered by priority, then
// creation time, then insertion order. Retrieval is gated by dependencies
// and ScheduledAt.
type PriorityQueue struct {
	clk clock.Clock

	mu     sync.Mutex
	items  taskHeap
	byID   map[string]*entry
	seq    uint64
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func NewPriorityQueue(clk clock.Clock) *PriorityQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &PriorityQueue{
		clk:    clk,
		byID:   map[string]*entry{},
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put inserts t and wakes a waiting Pop.
func (q *PriorityQueue) Put(t *Task) error {
	if t == nil {
		return errors.New("nil task")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	if _, dup := q.byID[t.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("task %s already queued", t.ID)
	}
	q.seq++
	t.seq = q.seq
	e := &entry{task: t}
	heap.Push(&q.items, e)
	q.byID[t.ID] = e
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *PriorityQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop returns the most urgent executable task, waiting up to wait for one to
// appear. Tasks whose dependencies failed or were cancelled are removed and
// returned as doomed so the caller can fail them. A nil task with a nil error
// means the wait elapsed.
func (q *PriorityQueue) Pop(ctx context.Context, wait time.Duration, deps DependencyView) (*Task, []*Task, error) {
	deadline := q.clk.Now().Add(wait)
	var doomed []*Task
	for {
		now := q.clk.Now()
		t, gone, next, err := q.take(now, deps)
		doomed = append(doomed, gone...)
		if err != nil || t != nil {
			return t, doomed, err
		}
		if len(doomed) > 0 {
			return nil, doomed, nil
		}

		left := deadline.Sub(now)
		if left <= 0 {
			return nil, nil, nil
		}
		if !next.IsZero() && next.Sub(now) < left {
			left = next.Sub(now)
			if left <= 0 {
				left = time.Millisecond
			}
		}

		tm := q.clk.Timer(left)
		select {
		case <-ctx.Done():
			tm.Stop()
			return nil, nil, ctx.Err()
		case <-q.done:
			tm.Stop()
			return nil, nil, errQueueClosed
		case <-q.signal:
			tm.Stop()
		case <-tm.C:
		}
	}
}

// take scans every queued task once. It removes and returns the best
// executable task and any doomed tasks, and reports the earliest
// ScheduledAt among tasks still waiting.
func (q *PriorityQueue) take(now time.Time, deps DependencyView) (*Task, []*Task, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, time.Time{}, errQueueClosed
	}

	var (
		best   *entry
		doomed []*Task
		next   time.Time
	)
	for _, e := range q.items {
		switch e.task.gate(now, deps) {
		case gateReady:
			if best == nil || e.task.before(best.task) {
				best = e
			}
		case gateDoomed:
			doomed = append(doomed, e.task)
		case gateWait:
			if at := e.task.ScheduledAt; !at.IsZero() && at.After(now) && (next.IsZero() || at.Before(next)) {
				next = at
			}
		}
	}

	for _, t := range doomed {
		q.removeLocked(t.ID)
	}
	if best == nil {
		return nil, doomed, next, nil
	}
	q.removeLocked(best.task.ID)
	return best.task, doomed, next, nil
}

func (q *PriorityQueue) removeLocked(id string) *Task {
	e, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)
	if e.index >= 0 {
		heap.Remove(&q.items, e.index)
	}
	return e.task
}

// Remove deregisters a queued task.
func (q *PriorityQueue) Remove(id string) (*Task, bool) {
	return q.RemoveOwned("", id)
}

// RemoveOwned deregisters a queued task only if it belongs to owner. An
// empty owner matches any task.
func (q *PriorityQueue) RemoveOwned(owner, id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok || (owner != "" && e.task.OwnerID != owner) {
		return nil, false
	}
	return q.removeLocked(id), true
}

// TakeOwner removes and returns every queued task of owner in queue order.
func (q *PriorityQueue) TakeOwner(owner string) []*Task {
	q.mu.Lock()
	var out []*Task
	for _, e := range q.items {
		if e.task.OwnerID == owner {
			out = append(out, e.task)
		}
	}
	for _, t := range out {
		q.removeLocked(t.ID)
	}
	q.mu.Unlock()
	sortTasks(out)
	return out
}

// Close rejects further Puts and wakes any waiting Pop. Queued tasks stay
// in place for Drain.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued task in queue order.
func (q *PriorityQueue) Drain() []*Task {
	q.mu.Lock()
	out := make([]*Task, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.task)
	}
	q.items = nil
	q.byID = map[string]*entry{}
	q.mu.Unlock()
	sortTasks(out)
	return out
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of queued tasks in queue order.
func (q *PriorityQueue) Pending() []*Task {
	q.mu.Lock()
	out := make([]*Task, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.task)
	}
	q.mu.Unlock()
	sortTasks(out)
	return out
}

// PriorityCounts returns queued task counts by priority.
func (q *PriorityQueue) PriorityCounts() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Priority]int, len(Priorities))
	for _, e := range q.items {
		out[e.task.Priority]++
	}
	return out
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].before(ts[j]) })
}
