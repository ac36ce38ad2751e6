package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"proxyrun/internal/eventbus"
	logx "proxyrun/pkg/logx"
)

func New(cfg Config, sub Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log.With(logx.String("comp", "scheduler")),
		cfg:      cfg,
		bus:      bus,
		sub:      sub,
		parser:   cronParser,
		defs:     map[string]*scheduleDef{},
		lastWarn: map[string]time.Time{},
		once:     map[string]*onceDef{},
	}
	s.loc = s.loadLocationLocked(cfg.Timezone)
	return s
}

// Start begins triggering registered jobs. Outcome waits are bound to ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.restartLocked()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)), logx.String("tz", s.loc.String()))
}

// Stop halts triggering and waits for in-flight outcome waits, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.onceMu.Lock()
	for _, od := range s.once {
		od.timer.Stop()
	}
	s.onceMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply switches the timezone and spread settings, re-registering every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.loc = s.loadLocationLocked(cfg.Timezone)
	if s.c != nil {
		s.restartLocked()
	}
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// restartLocked rebuilds the cron runner. Entry ids change.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for name, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("schedule dropped on restart", logx.String("schedule", name), logx.Err(err))
			delete(s.defs, name)
		}
	}
	s.c.Start()
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.trigger(d) })
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok && !s.cfg.NoSpread {
		dur, err := time.ParseDuration(every)
		if err == nil {
			sched, spread := intervalWithSpread(dur, time.Now().In(s.loc))
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) loadLocationLocked(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
