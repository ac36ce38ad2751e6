package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "proxyrun/pkg/logx"
)

// LogSink writes notifications as log lines.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("kind", n.Kind),
		logx.String("severity", string(n.Severity)),
	}
	if n.Resource != "" {
		fields = append(fields, logx.String("resource", n.Resource))
	}
	if n.Owner != "" {
		fields = append(fields, logx.String("owner", n.Owner))
	}
	if len(n.Fields) > 0 {
		fields = append(fields, logx.Any("fields", n.Fields))
	}
	if n.Severity == SeverityInfo {
		s.Log.Info(n.Text, fields...)
	} else {
		s.Log.Warn(n.Text, fields...)
	}
	return nil
}

// WebhookSink posts each notification as a JSON body.
type WebhookSink struct {
	URL     string
	Token   string
	Client  *http.Client
	Headers map[string]string
}

func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// MultiSink fans out to every sink and reports the first error.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
