package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes one action for one task.
//
// A handler may return an Outcome (or a map with "success"/"error" keys) to
// report a structured failure; any other result is a success payload.
type Handler interface {
	Handle(ctx context.Context, t *Task) (any, error)
}

type HandlerFunc func(ctx context.Context, t *Task) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, t *Task) (any, error) { return f(ctx, t) }

// Resolver maps an action name to a handler.
type Resolver interface {
	Resolve(action string) (Handler, bool)
}

// Outcome is the structured handler result.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Registry is an explicit action table populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func normAction(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register binds action to h, replacing any previous binding.
func (r *Registry) Register(action string, h Handler) error {
	a := normAction(action)
	if a == "" {
		return fmt.Errorf("register handler: empty action")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", action)
	}
	r.mu.Lock()
	r.handlers[a] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is Register for static tables.
func (r *Registry) MustRegister(action string, h Handler) {
	if err := r.Register(action, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(action string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[normAction(action)]
	r.mu.RUnlock()
	return h, ok
}

// Actions lists registered action names.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// interpret turns a handler return into the task result, or a failure text
// when the handler reported one.
func interpret(res any, err error) (any, string, bool) {
	if err != nil {
		return nil, err.Error(), false
	}
	switch v := res.(type) {
	case Outcome:
		if !v.Success {
			return v.Data, failureText(v.Error), false
		}
		return v.Data, "", true
	case *Outcome:
		if v == nil {
			return nil, "", true
		}
		if !v.Success {
			return v.Data, failureText(v.Error), false
		}
		return v.Data, "", true
	case map[string]any:
		ok, has := v["success"].(bool)
		if !has || ok {
			return v, "", true
		}
		msg, _ := v["error"].(string)
		return v, failureText(msg), false
	}
	return res, "", true
}

func failureText(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown error"
	}
	return s
}
