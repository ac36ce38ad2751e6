package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DependencyView answers terminal-status lookups for dependency gating.
type DependencyView interface {
	// Outcome returns the terminal status of task id of owner, if known.
	Outcome(owner, id string) (Status, bool)
}

// ownerHold is implemented by views that pause an owner while one of its
// tasks is inside a handler elsewhere.
type ownerHold interface {
	Held(owner, id string) bool
}

type gate int

const (
	gateReady gate = iota
	gateWait
	gateDoomed
)

// gate evaluates t's dependencies and schedule at now.
func (t *Task) gate(now time.Time, deps DependencyView) gate {
	if h, ok := deps.(ownerHold); ok && h.Held(t.OwnerID, t.ID) {
		return gateWait
	}
	for _, id := range t.Dependencies {
		if id == "" || id == t.ID {
			continue
		}
		if deps == nil {
			return gateWait
		}
		st, ok := deps.Outcome(t.OwnerID, id)
		switch {
		case !ok:
			return gateWait
		case st == StatusFailed || st == StatusCancelled:
			return gateDoomed
		case st != StatusCompleted:
			return gateWait
		}
	}
	if !t.ScheduledAt.IsZero() && now.Before(t.ScheduledAt) {
		return gateWait
	}
	return gateReady
}

// Executable reports whether t may be dispatched at now.
func (t *Task) Executable(now time.Time, deps DependencyView) bool {
	return t.gate(now, deps) == gateReady
}

// ledger tracks per owner the terminal status of recent tasks, the task
// currently inside a handler and the queue the owner is routed to. One
// ledger is shared by every Cluster of a Manager, so a task finishing on a
// resource its owner already left still releases dependents on the new one.
type ledger struct {
	mu     sync.Mutex
	size   int
	owners map[string]*ownerLedger
}

type ownerLedger struct {
	done    *lru.Cache[string, Status]
	running string
	queue   *PriorityQueue
}

func newLedger(size int) *ledger {
	if size <= 0 {
		size = 4096
	}
	return &ledger{size: size, owners: map[string]*ownerLedger{}}
}

func (l *ledger) entryLocked(owner string) *ownerLedger {
	o := l.owners[owner]
	if o == nil {
		// lru.New only fails for a non-positive size.
		c, _ := lru.New[string, Status](l.size)
		o = &ownerLedger{done: c}
		l.owners[owner] = o
	}
	return o
}

// attach routes wakeups for owner to q.
func (l *ledger) attach(owner string, q *PriorityQueue) {
	l.mu.Lock()
	l.entryLocked(owner).queue = q
	l.mu.Unlock()
}

// begin marks id as owner's task inside a handler.
func (l *ledger) begin(owner, id string) {
	l.mu.Lock()
	l.entryLocked(owner).running = id
	l.mu.Unlock()
}

// record stores a terminal status, releases the running mark and wakes the
// owner's current queue.
func (l *ledger) record(owner, id string, st Status) {
	if id == "" || !st.Terminal() {
		return
	}
	l.mu.Lock()
	o := l.entryLocked(owner)
	o.done.Add(id, st)
	if o.running == id {
		o.running = ""
	}
	q := o.queue
	l.mu.Unlock()
	if q != nil {
		q.notify()
	}
}

func (l *ledger) Outcome(owner, id string) (Status, bool) {
	l.mu.Lock()
	o := l.owners[owner]
	l.mu.Unlock()
	if o == nil {
		return 0, false
	}
	return o.done.Peek(id)
}

// Held reports whether another task of owner is inside a handler.
func (l *ledger) Held(owner, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.owners[owner]
	return o != nil && o.running != "" && o.running != id
}

// forget drops everything known about owner.
func (l *ledger) forget(owner string) {
	l.mu.Lock()
	delete(l.owners, owner)
	l.mu.Unlock()
}
