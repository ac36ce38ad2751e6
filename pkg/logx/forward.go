package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a decoded log line handed to a Forwarder.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Forwarder receives entries from the forward sink. Forward runs on a
// single background goroutine and must not log through the same Service.
type Forwarder interface {
	Forward(ctx context.Context, e Entry) error
}

type ForwarderFunc func(ctx context.Context, e Entry) error

func (f ForwarderFunc) Forward(ctx context.Context, e Entry) error { return f(ctx, e) }

func (s *Service) forwardWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.fwdQueue:
			_ = s.fwd.Forward(ctx, e)
		}
	}
}

type forwardWriter struct{ svc *Service }

func (w *forwardWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *forwardWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if level < minLevel {
		return len(p), nil
	}
	if lim == nil || !lim.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	e, ok := decodeEntry(p)
	if !ok {
		return len(p), nil
	}
	// Never block core logging.
	select {
	case s.fwdQueue <- e:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// decodeEntry parses one zerolog JSON line. Non-JSON input is kept as the
// message, truncated.
func decodeEntry(p []byte) (Entry, bool) {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return Entry{}, false
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return Entry{Time: time.Now(), Level: "info", Message: truncate(string(p), 2000)}, true
	}

	e := Entry{Time: time.Now()}
	e.Level, _ = m[zerolog.LevelFieldName].(string)
	e.Message, _ = m[zerolog.MessageFieldName].(string)
	if ts, ok := m[zerolog.TimestampFieldName].(string); ok {
		if at, err := time.Parse(consoleTimeFormat, ts); err == nil {
			e.Time = at
		}
	}
	for k, v := range m {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(m))
		}
		if str, ok := v.(string); ok {
			limit := 600
			if k == "stack" {
				limit = 900
			}
			v = truncate(str, limit)
		}
		e.Fields[k] = v
	}
	return e, true
}

// String renders e on one line followed by "- key=value" rows.
func (e Entry) String() string {
	var b strings.Builder
	if e.Level != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(e.Level))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(e.Fields[k]))
	}
	return b.String()
}

func truncate(s string, maxN int) string {
	s = strings.TrimSpace(s)
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
