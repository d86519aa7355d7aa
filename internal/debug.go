package internal

import (
	"context"
	"log/slog"
)

// LevelTrace logs protocol minutiae below slog.LevelDebug: per-segment
// sequence space dumps, mailbox traffic, timer arming.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit records at lvl. Nil-safe.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the nil-safe logging entrypoint used by all package loggers.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
