package app

import (
	"context"
	"strings"
	"time"

	"proxyrun/internal/config"
	logx "proxyrun/pkg/logx"
	"proxyrun/pkg/systemd"
)

// reloadLoop applies committed configs. The config manager only publishes
// configs that passed validation.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready("") }()

	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "engine":
			a.applyEngine(next)
		case "resources":
			a.applyResources(ctx, prev, next)
		case "scheduler":
			a.sched.Apply(mapSchedulerConfig(next))
		case "jobs":
			jobs, err := mapJobs(next)
			if err == nil {
				err = a.sched.Sync(jobs)
			}
			if err != nil {
				a.log.Warn("jobs reload incomplete", logx.Err(err))
			}
		case "metrics":
			mc, err := mapMetricsConfig(next)
			if err != nil {
				a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
				continue
			}
			a.metrics.Reconfigure(ctx, mc)
		case "notifier":
			a.applyNotifier(ctx, next)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyEngine pushes governor settings at once. Delay machine settings reach
// clusters created afterwards; base delays of running clusters follow the
// resource entries.
func (a *App) applyEngine(next *config.Config) {
	ec, err := next.EngineSettings()
	if err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		return
	}
	a.mgr.ApplyConfig(ec)
	base := ec.BaseDelay
	for _, r := range a.resources.Resources() {
		if r.BaseDelay > 0 {
			continue
		}
		if base > 0 {
			a.mgr.SetBaseDelay(r.ID, base)
		}
	}
}

// applyResources swaps the resource list, rebases changed resources and
// moves owners off removed ones.
func (a *App) applyResources(ctx context.Context, prev, next *config.Config) {
	oldList, _ := prev.ResourceList()
	newList, err := next.ResourceList()
	if err != nil {
		a.log.Warn("invalid resources; keeping previous", logx.Err(err))
		return
	}
	a.resources.set(newList)

	removed, rebased := diffResources(oldList, newList)
	ec, _ := next.EngineSettings()
	for _, r := range rebased {
		d := r.BaseDelay
		if d <= 0 {
			d = ec.BaseDelay
		}
		a.mgr.SetBaseDelay(r.ID, d)
	}
	if len(removed) == 0 {
		return
	}

	gone := make(map[string]bool, len(removed))
	for _, id := range removed {
		gone[id] = true
	}
	for owner, res := range a.mgr.Stats().Assignments {
		if !gone[res] {
			continue
		}
		target, err := a.mgr.SelectResource()
		if err != nil {
			a.log.Warn("owner left on removed resource", logx.String("owner", owner), logx.String("resource", res), logx.Err(err))
			continue
		}
		if err := a.mgr.ReassignBulk(ctx, []string{owner}, target); err != nil {
			a.log.Warn("owner reassignment failed", logx.String("owner", owner), logx.Err(err))
			continue
		}
		a.log.Info("owner moved off removed resource", logx.String("owner", owner), logx.String("from", res), logx.String("to", target))
	}
}

// applyNotifier swaps settings and sink, then starts or drains the
// pipeline to match enabled. Worker and queue sizes need a disable/enable
// cycle.
func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	nc, sink, err := mapNotifier(next, a.log)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	a.notifier.SetSink(sink)
	a.notifier.Apply(nc)
	if nc.Enabled {
		a.notifier.Start(ctx)
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	a.notifier.Stop(stopCtx)
}
