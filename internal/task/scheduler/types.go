package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

// Config controls triggering.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// NoSpread disables the random first-run delay of interval jobs.
	NoSpread bool
}

// Submitter is the part of engine.Manager the scheduler drives.
type Submitter interface {
	Submit(ctx context.Context, t *engine.Task) *engine.Handle
	Cancel(owner, id string) bool
}

// Job is one recurring submission.
type Job struct {
	Name        string
	Schedule    string
	Owner       string
	Action      string
	Priority    engine.Priority // zero means normal
	Payload     map[string]any
	BypassDelay bool
	// Timeout bounds the wait for an outcome. A queued task still pending
	// at the deadline is cancelled. 0 waits until it resolves.
	Timeout time.Duration
}

func (j Job) task() *engine.Task {
	t := engine.NewTask(j.Owner, j.Action, clonePayload(j.Payload))
	t.Priority = j.priority()
	t.BypassDelay = j.BypassDelay
	return t
}

func (j Job) priority() engine.Priority {
	if j.Priority == 0 {
		return engine.PriorityNormal
	}
	return j.Priority
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Event types published by the scheduler.
const (
	EventTriggered = "schedule.triggered"
	EventSkipped   = "schedule.skipped"
)

// TriggerEvent is the payload of schedule.* events.
type TriggerEvent struct {
	Schedule string `json:"schedule"`
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type scheduleDef struct {
	job           Job
	spec          string
	entryID       cron.EntryID
	startupSpread time.Duration

	trig      sync.Mutex
	running   atomic.Pointer[engine.Handle]
	triggered atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	onceMu sync.Mutex
	once   map[string]*onceDef
}

type onceDef struct {
	job   Job
	at    time.Time
	timer *time.Timer
	ver   uint64
}

// ScheduleInfo describes one registered job.
type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Owner         string        `json:"owner"`
	Action        string        `json:"action"`
	Priority      string        `json:"priority"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Triggered     uint64        `json:"triggered"`
	Skipped       uint64        `json:"skipped"`
	Failed        uint64        `json:"failed"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Once      []ScheduleInfo `json:"once,omitempty"`
}
