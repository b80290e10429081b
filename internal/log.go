package internal

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

type logctx struct{}

var _defaultLogger = NewLogger(false)

// NewLogger constructs the process logger. Output is styled when attached to
// a terminal and logfmt otherwise, so container logs stay grep-able.
func NewLogger(verbose bool) *log.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}
	if verbose {
		opts.Level = log.DebugLevel
	}

	logger := log.NewWithOptions(os.Stderr, opts)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		styles := log.DefaultStyles()
		styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
			SetString("ERROR").
			Foreground(lipgloss.Color("204"))
		styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
			SetString("WARN").
			Foreground(lipgloss.Color("192"))
		logger.SetStyles(styles)
	} else {
		logger.SetFormatter(log.LogfmtFormatter)
	}

	return logger
}

// SetDefaultLogger replaces the logger used when a context doesn't carry one.
func SetDefaultLogger(l *log.Logger) {
	_defaultLogger = l
}

// WithLogger attaches a logger to the context for Log to find.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, logctx{}, l)
}

// withRequestID attaches a correlation ID, reusing chi's request ID slot so
// HTTP- and queue-triggered work log the same way.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}

// Log returns the logger attached to the context, or the process default. A
// request ID is included when one is present so fan-out work stays traceable.
func Log(ctx context.Context) *log.Logger {
	logger := _defaultLogger
	if l, ok := ctx.Value(logctx{}).(*log.Logger); ok {
		logger = l
	}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}
