// Package logx configures castbot's structured logging.
//
// It is a small value-type wrapper (logx.Logger) over zerolog that keeps:
//   - Console output readable (short timestamp + short caller), or JSON on request
//   - File output JSON-structured
//   - Configured secrets redacted in every sink
//   - Sinks, level and secrets swappable at runtime through Service.Apply
package logx
