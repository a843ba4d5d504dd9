package pulsedb

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/draco28/PulseDB/model"
)

// Logger wraps slog.Logger with PulseDB-specific helpers so operations log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at Info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// LogOpen logs a database open.
func (l *Logger) LogOpen(path string, collectives int, dimension int) {
	l.Info("database opened",
		"path", path,
		"collectives", collectives,
		"dimension", dimension,
	)
}

// LogClose logs a database close.
func (l *Logger) LogClose(path string, err error) {
	if err != nil {
		l.Error("database close failed", "path", path, "error", err)
	} else {
		l.Info("database closed", "path", path)
	}
}

// LogRecord logs an experience write.
func (l *Logger) LogRecord(ctx context.Context, id model.ExperienceID, collective model.CollectiveID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "record failed",
			"collective", collective.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "experience recorded",
			"id", id.String(),
			"collective", collective.String(),
		)
	}
}

// LogSearch logs a similarity search.
func (l *Logger) LogSearch(ctx context.Context, k, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "k", k, "results", results)
	}
}

// LogDelete logs an experience delete.
func (l *Logger) LogDelete(ctx context.Context, id model.ExperienceID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "id", id.String(), "error", err)
	} else {
		l.DebugContext(ctx, "experience deleted", "id", id.String())
	}
}

// LogUpdate logs an experience update.
func (l *Logger) LogUpdate(ctx context.Context, id model.ExperienceID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed", "id", id.String(), "error", err)
	} else {
		l.DebugContext(ctx, "experience updated", "id", id.String())
	}
}

// LogRebuild logs a vector index rebuild.
func (l *Logger) LogRebuild(collective model.CollectiveID, vectors int, elapsed time.Duration) {
	l.Info("vector index rebuilt",
		"collective", collective.String(),
		"vectors", vectors,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// LogIndexSave logs persisting a vector index sidecar.
func (l *Logger) LogIndexSave(collective model.CollectiveID, err error) {
	if err != nil {
		l.Warn("vector index save failed (will rebuild on next open)",
			"collective", collective.String(),
			"error", err,
		)
	} else {
		l.Debug("vector index saved", "collective", collective.String())
	}
}

// LogSafeMode logs the switch into read-only safe mode.
func (l *Logger) LogSafeMode(err error) {
	l.Error("corruption detected, entering read-only safe mode", "error", err)
}
