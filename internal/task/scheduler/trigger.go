package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

const warnEvery = 5 * time.Second

// trigger submits one run of d unless the previous run is still unresolved.
func (s *Service) trigger(d *scheduleDef) {
	d.trig.Lock()
	defer d.trig.Unlock()

	if prev := d.running.Load(); prev != nil {
		select {
		case <-prev.Done():
		default:
			d.skipped.Add(1)
			s.log.Debug("trigger skipped, previous run pending",
				logx.String("schedule", d.job.Name), logx.String("task_id", prev.Task().ID))
			s.publish(EventSkipped, TriggerEvent{Schedule: d.job.Name, TaskID: prev.Task().ID, Reason: "overlap"})
			return
		}
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	t := d.job.task()
	h := s.sub.Submit(ctx, t)
	d.running.Store(h)
	d.triggered.Add(1)
	s.publish(EventTriggered, TriggerEvent{Schedule: d.job.Name, TaskID: t.ID})

	s.wg.Add(1)
	go s.await(ctx, d, h)
}

func (s *Service) await(ctx context.Context, d *scheduleDef, h *engine.Handle) {
	defer s.wg.Done()

	wctx := ctx
	if d.job.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, d.job.Timeout)
		defer cancel()
	}
	start := time.Now()
	_, err := h.Wait(wctx)

	select {
	case <-h.Done():
	default:
		if ctx.Err() != nil {
			return
		}
		id := h.Task().ID
		if s.sub.Cancel(d.job.Owner, id) {
			d.failed.Add(1)
			s.reportError(d.job.Name, "job cancelled after timeout", logx.String("task_id", id), logx.Duration("timeout", d.job.Timeout))
		} else {
			s.reportError(d.job.Name, "job still running after timeout", logx.String("task_id", id), logx.Duration("timeout", d.job.Timeout))
		}
		return
	}

	if err != nil {
		d.failed.Add(1)
		s.reportError(d.job.Name, "job failed",
			logx.String("task_id", h.Task().ID), logx.String("status", h.Status().String()), logx.Err(err))
		return
	}
	s.log.Debug("job completed",
		logx.String("schedule", d.job.Name),
		logx.String("task_id", h.Task().ID),
		logx.Duration("took", time.Since(start)))
}

// reportError logs at most once per warnEvery per schedule.
func (s *Service) reportError(name, msg string, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn(msg, append([]logx.Field{logx.String("schedule", name)}, fields...)...)
}

func (s *Service) publish(typ string, ev TriggerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func joinErrors(errs []error) error {
	var merr *multierror.Error
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
