// Package logx configures sigwatch's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting)
//
// Blocks that log signals (the logger block) pick their level at runtime,
// so Logger also exposes Log(level, ...) and ParseLevel.
package logx
