package forge

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
)

// newLogger creates a logger with timestamp formatting that writes to w
// and filters messages at the given level.
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// childLogger returns a logger for one component. A nil parent falls back
// to the library default so constructors never need a logger to be passed.
func childLogger(parent *log.Logger, prefix string) *log.Logger {
	if parent == nil {
		parent = log.Default()
	}
	return parent.WithPrefix(prefix)
}

// isVerbose reports whether debug output is enabled on l.
func isVerbose(l *log.Logger) bool {
	return l != nil && l.GetLevel() <= log.DebugLevel
}

type ctxKey int

const loggerKey ctxKey = 0

// withLogger returns a new context with the given logger attached.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext retrieves the logger from ctx, or log.Default() when
// none is attached.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
