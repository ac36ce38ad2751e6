package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxyrun/internal/task/engine"
)

// prober issues one HTTP request per task.
//
// Payload: url (required), method (default GET), expect_status (default any
// 2xx/3xx). A 429 carries the Retry-After header as a retry hint.
type prober struct {
	client *http.Client
}

func (p *prober) Handle(ctx context.Context, t *engine.Task) (any, error) {
	url, _ := t.Payload["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, engine.NoRetry(errors.New("probe: payload url required"))
	}
	method, _ := t.Payload["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	expect, err := intArg(t.Payload, "expect_status")
	if err != nil {
		return nil, engine.NoRetry(err)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, nil)
	if err != nil {
		return nil, engine.NoRetry(fmt.Errorf("probe: %w", err))
	}
	req.Header.Set("X-Proxyrun-Resource", t.ResourceID)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("probe connection failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	took := time.Since(start)

	data := map[string]any{"status": resp.StatusCode, "took_ms": took.Milliseconds()}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.RetryAfter(errors.New("HTTP 429 rate limited"), retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case expect != 0 && resp.StatusCode != expect:
		return engine.Outcome{Error: fmt.Sprintf("HTTP %d, expected %d", resp.StatusCode, expect), Data: data}, nil
	case expect == 0 && resp.StatusCode >= 400:
		return engine.Outcome{Error: fmt.Sprintf("HTTP %d", resp.StatusCode), Data: data}, nil
	}
	return engine.Outcome{Success: true, Data: data}, nil
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
