package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within one resource. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Priorities lists every priority class, most urgent first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityBackground }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts a class name or its ordinal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "1":
		return PriorityCritical, nil
	case "high", "2":
		return PriorityHigh, nil
	case "", "normal", "3":
		return PriorityNormal, nil
	case "low", "4":
		return PriorityLow, nil
	case "background", "5":
		return PriorityBackground, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type Status int32

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work routed to its owner's resource.
//
// Callers fill the exported fields before Submit. Status and outcome are
// owned by the engine and only visible through Status and Handle.
type Task struct {
	ID         string
	OwnerID    string
	ResourceID string
	Action     string
	Payload    map[string]any
	Priority   Priority

	CreatedAt time.Time
	// ScheduledAt gates execution until reached. Zero means no gate.
	ScheduledAt time.Time

	Attempts    int
	MaxAttempts int

	// Dependencies are ids of tasks of the same owner that must complete first.
	Dependencies []string
	// BypassDelay tasks probe a resource without touching its throttle.
	BypassDelay bool

	status    atomic.Int32
	submitted atomic.Bool
	handle    atomic.Pointer[Handle]
	seq       uint64
}

// NewTask builds a task with a fresh id and normal priority.
func NewTask(owner, action string, payload map[string]any) *Task {
	return &Task{
		ID:       uuid.NewString(),
		OwnerID:  owner,
		Action:   action,
		Payload:  payload,
		Priority: PriorityNormal,
	}
}

func (t *Task) Status() Status { return Status(t.status.Load()) }

func (t *Task) setStatus(s Status) { t.status.Store(int32(s)) }

// Handle returns the completion handle, or nil before submission.
func (t *Task) Handle() *Handle { return t.handle.Load() }

// prepare fills defaults and creates the completion handle. It fails if the
// task was already submitted once.
func (t *Task) prepare(now time.Time, maxAttempts int) (*Handle, error) {
	// Only the first submitter may touch the fields below.
	if !t.submitted.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubmitted
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if !t.Priority.Valid() {
		t.Priority = PriorityNormal
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = maxAttempts
	}
	h := newHandle(t)
	t.setStatus(StatusPending)
	t.handle.Store(h)
	return h, nil
}

// NextAttempt returns a resubmittable copy for an explicit caller-driven
// retry. The copy keeps the id and attempt count.
func (t *Task) NextAttempt() (*Task, error) {
	if t.MaxAttempts > 0 && t.Attempts >= t.MaxAttempts {
		return nil, fmt.Errorf("%s: %w (%d/%d)", t.ID, ErrAttemptsExhausted, t.Attempts, t.MaxAttempts)
	}
	cp := &Task{
		ID:           t.ID,
		OwnerID:      t.OwnerID,
		Action:       t.Action,
		Payload:      t.Payload,
		Priority:     t.Priority,
		ScheduledAt:  t.ScheduledAt,
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		Dependencies: append([]string(nil), t.Dependencies...),
		BypassDelay:  t.BypassDelay,
	}
	return cp, nil
}

// before reports whether t sorts ahead of o.
func (t *Task) before(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority < o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.seq < o.seq
}

// finish moves the task to a terminal status and resolves its handle. Only
// the first terminal transition wins.
func (t *Task) finish(status Status, result any, err error) bool {
	h := t.handle.Load()
	if h == nil {
		return false
	}
	return h.resolve(status, result, err)
}

// Handle is the caller-facing completion of one submitted task.
type Handle struct {
	task *Task
	once sync.Once
	done chan struct{}

	status Status
	result any
	err    error
}

func newHandle(t *Task) *Handle {
	return &Handle{task: t, done: make(chan struct{})}
}

// rejected returns a handle already failed with err.
func rejected(t *Task, err error) *Handle {
	h := newHandle(t)
	h.resolve(StatusFailed, nil, err)
	return h
}

func (h *Handle) resolve(status Status, result any, err error) bool {
	won := false
	h.once.Do(func() {
		won = true
		h.status = status
		h.result = result
		h.err = err
		if h.task != nil {
			h.task.setStatus(status)
		}
		close(h.done)
	})
	return won
}

func (h *Handle) Task() *Task { return h.task }

// Done is closed once the task reached a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the handler result of a finished task. ok is false while the
// task is still pending.
func (h *Handle) Result() (any, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return nil, false
	}
}

// Err returns the failure of a finished task, nil while pending or on success.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Status returns the terminal status, or the task's live status while pending.
func (h *Handle) Status() Status {
	select {
	case <-h.done:
		return h.status
	default:
	}
	if h.task != nil {
		return h.task.Status()
	}
	return StatusPending
}
