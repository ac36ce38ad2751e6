// Package app wires configuration, logging, storage, the execution engine,
// the scheduler, alert notifications and the metrics server into one
// supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"proxyrun/internal/config"
	"proxyrun/internal/eventbus"
	"proxyrun/internal/notifier"
	"proxyrun/internal/observability/metrics"
	"proxyrun/internal/runtime/supervisor"
	"proxyrun/internal/storage"
	"proxyrun/internal/task/builtin"
	"proxyrun/internal/task/engine"
	"proxyrun/internal/task/scheduler"
	logx "proxyrun/pkg/logx"
	"proxyrun/pkg/systemd"
)

// EventLogEntry carries forwarded log lines on the bus.
const EventLogEntry = "log.entry"

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type Option func(*App)

// WithHandler registers a business handler next to the built-ins.
func WithHandler(action string, h engine.Handler) Option {
	return func(a *App) { a.handlers[action] = h }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	recorder *storage.Recorder

	handlers  map[string]engine.Handler
	reg       *engine.Registry
	resources *resourceSet
	mgr       *engine.Manager
	sched     *scheduler.Service

	observer *metrics.EventObserver
	metrics  *metrics.Service
	notifier *notifier.Service
}

// New loads and validates the config at cfgPath and opens storage. Nothing
// runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, handlers: map[string]engine.Handler{}, bus: eventbus.New()}
	for _, o := range opts {
		o(a)
	}

	bus := a.bus
	a.logs, a.log = logx.New(mapLogConfig(cfg), logx.ForwarderFunc(func(_ context.Context, e logx.Entry) error {
		bus.Publish(eventbus.Event{Type: EventLogEntry, Time: e.Time, Data: e})
		return nil
	}))
	a.log = a.log.With(logx.String("comp", "app"))
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if a.store, err = storage.Open(sc, a.log); err != nil {
		return nil, a.abort(err)
	}
	if a.store != nil {
		a.recorder = storage.NewRecorder(a.store, a.bus, a.log)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.reg = engine.NewRegistry()
	if err := builtin.Register(a.reg, builtin.Options{Log: a.log.With(logx.String("comp", "handlers"))}); err != nil {
		return nil, a.abort(err)
	}
	for action, h := range a.handlers {
		if err := a.reg.Register(action, h); err != nil {
			return nil, a.abort(err)
		}
	}

	rs, err := cfg.ResourceList()
	if err != nil {
		return nil, a.abort(err)
	}
	a.resources = newResourceSet(rs)
	a.observer = metrics.NewEventObserver(a.bus)

	nc, sink, err := mapNotifier(cfg, a.log)
	if err != nil {
		return nil, a.abort(err)
	}
	a.notifier = notifier.New(nc, sink, a.log, a.bus)
	return a, nil
}

// abort releases what New opened before failing.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Manager() *engine.Manager     { return a.mgr }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Notifier() *notifier.Service   { return a.notifier }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	engCfg, err := cfg.EngineSettings()
	if err != nil {
		return err
	}
	var state engine.StateStore
	if a.store != nil {
		state = storage.EngineState{Store: a.store}
	}
	a.mgr = engine.NewManager(runCtx, engCfg, engine.ManagerDeps{
		Resources: a.resources,
		Resolver:  a.reg,
		Log:       a.log.With(logx.String("comp", "engine")),
		Bus:       a.bus,
		Store:     state,
	})

	mc, err := mapMetricsConfig(cfg)
	if err != nil {
		return err
	}
	a.metrics = metrics.New(mc, a.log, a.health, metrics.NewCollector(a.mgr, a.bus), a.observer)

	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.mgr, a.log, a.bus)
	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Sync(jobs); err != nil {
		return err
	}

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}
	a.sup.Go("metrics.events", a.observer.Run)
	a.sup.Go("notifier.watch", a.notifier.Watch)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, a.health, a.log.With(logx.String("comp", "systemd"))); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	a.notifier.Start(runCtx)
	a.sched.Start(runCtx)
	a.metrics.Start(runCtx)

	status := fmt.Sprintf("%d resources, %d jobs", len(a.resources.Resources()), len(jobs))
	if _, err := systemd.Ready(status); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Int("resources", len(a.resources.Resources())),
		logx.Int("jobs", len(jobs)),
		logx.Strings("actions", a.reg.Actions()))
	return nil
}

// health is red once a supervised goroutine failed.
func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return nil
}

// Stop drains in dependency order: triggers first, then the engine (which
// fails whatever is still queued), then the consumers of its events.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.abort(nil)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(string(reason)); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	var merr *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 3*time.Second, a.sched.Stop)
	step("engine", a.cfgm.Get().ShutdownTimeout(), a.mgr.Shutdown)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notifier.Stop(c); return nil })
	step("metrics", 2*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })

	// Cancelling lets the recorder drain what the engine published last.
	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped", logx.Uint64("log_dropped", a.logs.Dropped()), logx.Uint64("events_dropped", a.bus.Dropped()))
	_ = a.logs.Close()
	return merr.ErrorOrNil()
}
