package recall

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific helpers so the hot
// paths log with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// falls back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger emitting JSON records to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger emitting human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	}))}
}

// LogCreateNode logs a node creation.
func (l *Logger) LogCreateNode(ctx context.Context, id uint32, level string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "create node failed", "id", id, "level", level, "error", err)
	} else {
		l.DebugContext(ctx, "node created", "id", id, "level", level)
	}
}

// LogSetEmbedding logs an embedding write.
func (l *Logger) LogSetEmbedding(ctx context.Context, id uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "set embedding failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "embedding set", "id", id)
	}
}

// LogSearch logs a combined search.
func (l *Logger) LogSearch(ctx context.Context, k, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "k", k, "results", results)
	}
}

// LogRecovery logs a WAL replay on open.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed", "entries_replayed", entriesReplayed, "error", err)
	} else {
		l.InfoContext(ctx, "recovery completed", "entries_replayed", entriesReplayed)
	}
}

// LogCheckpoint logs a checkpoint/truncate cycle.
func (l *Logger) LogCheckpoint(ctx context.Context, seq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "seq", seq, "error", err)
	} else {
		l.InfoContext(ctx, "checkpoint completed", "seq", seq)
	}
}
