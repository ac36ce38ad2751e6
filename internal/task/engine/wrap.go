package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jpillora/backoff"

	logx "proxyrun/pkg/logx"
)

// WrapConfig configures the cross-cutting behaviour Wrap adds to a handler.
type WrapConfig struct {
	// Retries is the number of extra calls after a failed one.
	Retries  int
	RetryMin time.Duration
	RetryMax time.Duration
	// Timeout bounds each call. 0 disables it.
	Timeout time.Duration
	Log     logx.Logger
}

// Wrap composes retry, per-call timeout, panic capture and logging around h.
//
// Failures marked with NoRetry are returned at once. A RetryAfter hint
// replaces the computed backoff when it is shorter than RetryMax.
func Wrap(h Handler, cfg WrapConfig) Handler {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = 15 * time.Second
		if cfg.RetryMax < cfg.RetryMin {
			cfg.RetryMax = cfg.RetryMin
		}
	}
	return HandlerFunc(func(ctx context.Context, t *Task) (any, error) {
		b := &backoff.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax, Factor: 2, Jitter: true}
		var (
			res any
			err error
		)
		for call := 0; ; call++ {
			res, err = callOnce(ctx, h, t, cfg.Timeout)
			_, failure, ok := interpret(res, err)
			if ok {
				if call > 0 {
					cfg.Log.Debug("handler recovered", logx.String("action", t.Action), logx.String("task", t.ID), logx.Int("calls", call+1))
				}
				return res, nil
			}
			if IsNoRetry(err) || call >= cfg.Retries {
				return res, err
			}

			wait := b.Duration()
			if hint := retryHint(err); hint > 0 && hint < cfg.RetryMax {
				wait = hint
			}
			cfg.Log.Debug("handler retry scheduled",
				logx.String("action", t.Action),
				logx.String("task", t.ID),
				logx.Int("attempt", call+2),
				logx.Duration("delay", wait),
				logx.String("failure", failure),
			)
			tm := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tm.Stop()
				if err == nil {
					return res, ctx.Err()
				}
				return res, err
			case <-tm.C:
			}
		}
	})
}

func callOnce(ctx context.Context, h Handler, t *Task, timeout time.Duration) (res any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if timeout <= 0 {
		return h.Handle(ctx, t)
	}

	type result struct {
		res any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: NoRetry(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		r, e := h.Handle(ctx, t)
		ch <- result{res: r, err: e}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("handler timeout after %s: %w", timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}
