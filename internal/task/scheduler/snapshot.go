package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Running: s.c != nil, Timezone: s.loc.String()}
	for name, d := range s.defs {
		info := d.info(name)
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, info)
	}
	s.mu.Unlock()

	s.onceMu.Lock()
	for name, od := range s.once {
		out.Once = append(out.Once, ScheduleInfo{
			Name:     name,
			Spec:     "once",
			Owner:    od.job.Owner,
			Action:   od.job.Action,
			Priority: od.job.priority().String(),
			Next:     od.at,
		})
	}
	s.onceMu.Unlock()

	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	sort.Slice(out.Once, func(i, j int) bool { return out.Once[i].Next.Before(out.Once[j].Next) })
	return out
}

func (d *scheduleDef) info(name string) ScheduleInfo {
	info := ScheduleInfo{
		Name:          name,
		Spec:          d.spec,
		Owner:         d.job.Owner,
		Action:        d.job.Action,
		Priority:      d.job.priority().String(),
		StartupSpread: d.startupSpread,
		Triggered:     d.triggered.Load(),
		Skipped:       d.skipped.Load(),
		Failed:        d.failed.Load(),
	}
	if h := d.running.Load(); h != nil {
		select {
		case <-h.Done():
		default:
			info.Running = true
		}
	}
	return info
}
