package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/collab"
)

// Event describes one job state transition.
type Event struct {
	JobID   uuid.UUID
	Status  string
	Message string
	At      time.Time
}

// Emitter publishes job-state-changed events at defined transition points.
// Delivery is decoupled from pipeline control flow: emitting never fails the
// caller.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter writes events to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e Event) {
	slog.Info("job state changed",
		"job_id", e.JobID, "status", e.Status, "message", e.Message)
}

// NotifierEmitter forwards events to the notification collaborator in a
// background goroutine, dropping failures after logging them.
type NotifierEmitter struct {
	Notifier collab.Notifier
	Timeout  time.Duration
}

func (n *NotifierEmitter) Emit(_ context.Context, e Event) {
	go func() {
		timeout := n.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := n.Notifier.Notify(ctx, e.JobID, e.Status, e.Message); err != nil {
			slog.Warn("notification delivery failed", "job_id", e.JobID, "error", err)
		}
	}()
}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		em.Emit(ctx, e)
	}
}
