package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of session event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSpawn        EventType = "spawn"
	EventSpawnFailed  EventType = "spawn_failed"
	EventReap         EventType = "reap"
	EventPrimaryExit  EventType = "primary_exit"
	EventShutdown     EventType = "shutdown"
)

// Record carries the details of one event. Fields that do not apply to an
// event type are left zero.
type Record struct {
	Session  string `json:"session"`
	Child    string `json:"child,omitempty"`
	Role     string `json:"role,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a session lifecycle event exported to a journal.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder forwards events to an optional sink with a per-event timeout.
// Send failures are logged, never returned. A nil *Recorder is valid.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(sink Sink, timeout time.Duration, log *slog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, timeout: timeout, log: log}
}

func (r *Recorder) Record(t EventType, rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	e := Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("Failed to record history event", "type", t, "error", err)
	}
}

func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
