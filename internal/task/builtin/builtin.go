// Package builtin provides the diagnostic actions every deployment carries:
// noop, sleep and probe. Business handlers are registered by the embedding
// program next to these.
package builtin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"proxyrun/internal/task/engine"
	logx "proxyrun/pkg/logx"
)

const (
	ActionNoop  = "noop"
	ActionSleep = "sleep"
	ActionProbe = "probe"
)

// Options configures the built-in handlers.
type Options struct {
	// Client is used by probe. nil builds one with ProbeTimeout.
	Client       *http.Client
	ProbeTimeout time.Duration
	// MaxSleep caps the sleep action.
	MaxSleep time.Duration
	// Wrap adds retry and panic capture around every built-in.
	Wrap engine.WrapConfig
	Log  logx.Logger
}

// Register adds the built-in actions to reg.
func Register(reg *engine.Registry, opts Options) error {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.ProbeTimeout}
	}
	if opts.Wrap.Log.IsZero() {
		opts.Wrap.Log = opts.Log
	}

	for action, h := range map[string]engine.Handler{
		ActionNoop:  engine.HandlerFunc(noop),
		ActionSleep: sleeper{max: opts.MaxSleep},
		ActionProbe: &prober{client: opts.Client},
	} {
		if err := reg.Register(action, engine.Wrap(h, opts.Wrap)); err != nil {
			return fmt.Errorf("register %s: %w", action, err)
		}
	}
	return nil
}

func noop(_ context.Context, t *engine.Task) (any, error) {
	return engine.Outcome{Success: true, Data: t.Payload}, nil
}

type sleeper struct{ max time.Duration }

// Handle sleeps for payload "duration" (Go duration string or milliseconds).
func (s sleeper) Handle(ctx context.Context, t *engine.Task) (any, error) {
	d, err := durationArg(t.Payload, "duration")
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	d = min(d, s.max)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return engine.Outcome{Success: true, Data: map[string]any{"slept_ms": d.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
