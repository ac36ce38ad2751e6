package app

import (
	"sync/atomic"

	"proxyrun/internal/task/engine"
)

// resourceSet is the live resource list; reloads swap it.
type resourceSet struct {
	v atomic.Pointer[engine.StaticResources]
}

func newResourceSet(rs engine.StaticResources) *resourceSet {
	s := &resourceSet{}
	s.set(rs)
	return s
}

func (s *resourceSet) set(rs engine.StaticResources) { s.v.Store(&rs) }

func (s *resourceSet) Resources() []engine.Resource { return s.v.Load().Resources() }

// diffResources reports ids that left the list and resources whose base
// delay changed.
func diffResources(prev, next engine.StaticResources) (removed []string, rebased []engine.Resource) {
	old := make(map[string]engine.Resource, len(prev))
	for _, r := range prev {
		old[r.ID] = r
	}
	for _, r := range next {
		if o, ok := old[r.ID]; ok && o.BaseDelay != r.BaseDelay {
			rebased = append(rebased, r)
		}
		delete(old, r.ID)
	}
	for id := range old {
		removed = append(removed, id)
	}
	return removed, rebased
}
