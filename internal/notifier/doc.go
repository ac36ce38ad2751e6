// Package notifier turns engine alert events into operator notifications.
//
// Notifications are small, high-signal messages: a resource got rate limited,
// a resource went unhealthy, a task failed for good. The service queues them,
// suppresses duplicates inside a window, paces delivery and retries a failing
// Sink with backoff.
//
// # Sinks
//
// LogSink writes each notification as a warning through logx (and so through
// the log forwarder). WebhookSink posts JSON to an HTTP endpoint.
//
// # History
//
// A small in-memory history of delivered notifications is kept for
// inspection.
package notifier
