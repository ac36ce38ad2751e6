// Package logx configures proxyrun's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forward sink (min-level + rate limiting) that hands
//     decoded entries to another component, usually the event bus
package logx
