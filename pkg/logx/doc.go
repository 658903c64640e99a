// Package logx is a thin structured-logging layer over zerolog.
//
// It provides a value-type Logger that stays live across runtime config
// changes, and a Service that fans log lines out to console, file and
// (rate-limited) Telegram sinks.
package logx
