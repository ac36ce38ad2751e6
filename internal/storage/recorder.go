package storage

import (
	"context"
	"time"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

// EngineState adapts a Store to engine.StateStore.
type EngineState struct{ Store Store }

func (e EngineState) LoadResourceState(ctx context.Context, id string) (engine.ResourceSnapshot, bool, error) {
	st, ok, err := e.Store.GetResourceState(ctx, id)
	if err != nil || !ok {
		return engine.ResourceSnapshot{}, ok, err
	}
	return engine.ResourceSnapshot{
		ResourceID:   st.ResourceID,
		BaseDelay:    st.BaseDelay,
		CurrentDelay: st.CurrentDelay,
		SuccessCount: st.SuccessCount,
		ErrorCount:   st.ErrorCount,
		UpdatedAt:    st.UpdatedAt,
	}, true, nil
}

func (e EngineState) SaveResourceState(ctx context.Context, s engine.ResourceSnapshot) error {
	return e.Store.PutResourceState(ctx, ResourceState{
		ResourceID:   s.ResourceID,
		BaseDelay:    s.BaseDelay,
		CurrentDelay: s.CurrentDelay,
		SuccessCount: s.SuccessCount,
		ErrorCount:   s.ErrorCount,
		UpdatedAt:    s.UpdatedAt,
	})
}

// Recorder appends terminal task events from the bus to the outcome
// journal.
type Recorder struct {
	store Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()
}

// NewRecorder subscribes immediately, so outcomes published before Run
// starts are buffered rather than lost.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(1024, "task")
	return &Recorder{store: store, log: log.With(logx.String("comp", "recorder")), ch: ch, unsub: unsub}
}

// Run consumes events until ctx ends, then flushes what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	ch := r.ch
	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

// drain writes whatever is already buffered so a shutdown does not lose
// the last outcomes.
func (r *Recorder) drain(ch <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	rec, ok := OutcomeFromEvent(ev)
	if !ok {
		return
	}
	if err := r.store.AppendOutcome(ctx, rec); err != nil {
		r.log.Warn("append outcome failed", logx.String("task", rec.TaskID), logx.Err(err))
	}
}

// OutcomeFromEvent converts a terminal task event. Other events report
// false.
func OutcomeFromEvent(ev eventbus.Event) (OutcomeRecord, bool) {
	var status string
	switch ev.Type {
	case engine.EventTaskCompleted:
		status = engine.StatusCompleted.String()
	case engine.EventTaskFailed:
		status = engine.StatusFailed.String()
	case engine.EventTaskCancelled:
		status = engine.StatusCancelled.String()
	default:
		return OutcomeRecord{}, false
	}
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return OutcomeRecord{}, false
	}
	return OutcomeRecord{
		At:       ev.Time,
		TaskID:   te.ID,
		Owner:    te.Owner,
		Resource: te.Resource,
		Action:   te.Action,
		Priority: int(te.Priority),
		Status:   status,
		Attempts: te.Attempts,
		Error:    te.Error,
		TookMS:   te.Duration.Milliseconds(),
	}, true
}
