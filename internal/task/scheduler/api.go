package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func (j Job) validate() error {
	switch {
	case strings.TrimSpace(j.Name) == "":
		return fmt.Errorf("job name required")
	case strings.TrimSpace(j.Owner) == "":
		return fmt.Errorf("job %q: owner required", j.Name)
	case strings.TrimSpace(j.Action) == "":
		return fmt.Errorf("job %q: action required", j.Name)
	case j.Priority != 0 && !j.Priority.Valid():
		return fmt.Errorf("job %q: invalid priority %d", j.Name, j.Priority)
	}
	return nil
}

// Add registers or replaces a recurring job.
func (s *Service) Add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	if err := ValidateSchedule(j.Schedule); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	ps, _ := ParseSchedule(j.Schedule)
	spec := ps.Spec()

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &scheduleDef{job: j, spec: spec}
	if old, ok := s.defs[j.Name]; ok {
		// Keep the overlap guard across a redefinition.
		d.running.Store(old.running.Load())
		s.removeLocked(j.Name)
	}
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	s.defs[j.Name] = d
	return nil
}

// Remove drops a recurring or one-shot job by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	ok := s.removeLocked(name)
	s.mu.Unlock()

	s.onceMu.Lock()
	if od, found := s.once[name]; found {
		od.timer.Stop()
		delete(s.once, name)
		ok = true
	}
	s.onceMu.Unlock()
	return ok
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Sync replaces the recurring job set. Jobs not in jobs are removed; an
// invalid job is skipped and reported in the returned error.
func (s *Service) Sync(jobs []Job) error {
	keep := make(map[string]struct{}, len(jobs))
	var errs []error
	for _, j := range jobs {
		keep[j.Name] = struct{}{}
		if s.unchanged(j) {
			continue
		}
		if err := s.Add(j); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	for name := range s.defs {
		if _, ok := keep[name]; !ok {
			s.removeLocked(name)
		}
	}
	s.mu.Unlock()
	return joinErrors(errs)
}

func (s *Service) unchanged(j Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[j.Name]
	return ok && sameJob(d.job, j)
}

func sameJob(a, b Job) bool {
	if a.Schedule != b.Schedule || a.Owner != b.Owner || a.Action != b.Action ||
		a.Priority != b.Priority || a.BypassDelay != b.BypassDelay || a.Timeout != b.Timeout {
		return false
	}
	return fmt.Sprint(a.Payload) == fmt.Sprint(b.Payload)
}

// AddOnce triggers j a single time at the given moment.
func (s *Service) AddOnce(j Job, at time.Time) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.onceMu.Lock()
	defer s.onceMu.Unlock()

	var ver uint64 = 1
	if old, ok := s.once[j.Name]; ok {
		old.timer.Stop()
		ver = old.ver + 1
	}
	od := &onceDef{job: j, at: at, ver: ver}
	d := &scheduleDef{job: j, spec: "once"}
	od.timer = time.AfterFunc(time.Until(at), func() {
		s.onceMu.Lock()
		cur, ok := s.once[j.Name]
		if !ok || cur.ver != ver {
			s.onceMu.Unlock()
			return
		}
		delete(s.once, j.Name)
		s.onceMu.Unlock()
		if s.running() {
			s.trigger(d)
		}
	})
	s.once[j.Name] = od
	return nil
}

// PreviewNext returns the next n trigger times of a schedule string.
func (s *Service) PreviewNext(schedule string, n int) ([]time.Time, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	var sched cron.Schedule
	if ps.Kind == SpecInterval {
		sched = cron.Every(ps.Every)
	} else if sched, err = s.parser.Parse(ps.Cron); err != nil {
		return nil, err
	}
	s.mu.Lock()
	t := time.Now().In(s.loc)
	s.mu.Unlock()
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		out = append(out, t)
	}
	return out, nil
}
