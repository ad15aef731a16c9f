// Package audit records the outcome of every command invocation, success or
// failure, so operator activity stays reconstructable.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	maxArgsLen    = 500
	maxMessageLen = 4000
)

// Event is one completed command invocation.
type Event struct {
	Time    time.Time
	Chat    int64
	User    int64
	Command string
	Args    string
	OK      bool
	Message string
	Latency time.Duration
}

// NewEvent builds an event, truncating the free-text fields so a hostile or
// oversized payload cannot bloat the audit stream.
func NewEvent(chat, user int64, command, args string, ok bool, message string, start time.Time) Event {
	now := time.Now()
	return Event{
		Time:    now,
		Chat:    chat,
		User:    user,
		Command: command,
		Args:    truncate(args, maxArgsLen),
		OK:      ok,
		Message: truncate(message, maxMessageLen),
		Latency: now.Sub(start),
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// Recorder persists events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// LogRecorder writes events as structured log lines.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder builds a recorder emitting on the given logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger.With(slog.String("agent", "audit"))}
}

func (r *LogRecorder) Record(ctx context.Context, event Event) {
	r.logger.LogAttrs(ctx, slog.LevelInfo, "command audit",
		slog.Int64("chat", event.Chat),
		slog.Int64("user", event.User),
		slog.String("command", event.Command),
		slog.String("args", event.Args),
		slog.Bool("ok", event.OK),
		slog.String("message", event.Message),
		slog.Int64("latency_ms", event.Latency.Milliseconds()),
	)
}

// MemoryRecorder accumulates events in memory for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *MemoryRecorder) Record(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
