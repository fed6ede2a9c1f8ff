package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Runner executes one job to a terminal state. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// WorkerPool consumes the queue with a fixed number of goroutines. Each
// worker dequeues, runs the job, and acks; failed runs are nacked so another
// consumer can retry them, except user cancellations, which are final.
type WorkerPool struct {
	queue       *Queue
	runner      Runner
	workers     int
	maxAttempts int
	pollWait    time.Duration

	wg sync.WaitGroup
}

// NewWorkerPool creates a pool of workers consuming q into runner.
func NewWorkerPool(q *Queue, runner Runner, workers, maxAttempts int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &WorkerPool{
		queue:       q,
		runner:      runner,
		workers:     workers,
		maxAttempts: maxAttempts,
		pollWait:    5 * time.Second,
	}
}

// Start launches the workers. They run until ctx is cancelled; Wait blocks
// until in-flight jobs drain.
func (p *WorkerPool) Start(ctx context.Context) {
	slog.Info("starting queue workers", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.queue.Dequeue(ctx, p.pollWait)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.handle(ctx, id, msg)
	}
}

func (p *WorkerPool) handle(ctx context.Context, id int, msg *Message) {
	slog.Info("worker picked up job",
		"worker", id, "job_id", msg.JobID, "attempt", msg.Attempt)

	if err := p.runner.Run(ctx, msg.JobID); err != nil {
		// Ack/nack against a fresh context: the run may have failed because
		// ctx was cancelled, but the message must still be settled.
		settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// A cancellation while the pool is still live means the job itself was
		// cancelled. The job is terminal now; a nack would redeliver the
		// message and restart it.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			slog.Info("job cancelled, dropping message", "worker", id, "job_id", msg.JobID)
			if err := p.queue.Ack(settleCtx, msg); err != nil {
				slog.Error("ack failed", "worker", id, "message_id", msg.ID, "error", err)
			}
			return
		}

		slog.Error("job run failed", "worker", id, "job_id", msg.JobID, "error", err)
		if err := p.queue.Nack(settleCtx, msg, p.maxAttempts); err != nil {
			slog.Error("nack failed", "worker", id, "message_id", msg.ID, "error", err)
		}
		return
	}

	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queue.Ack(settleCtx, msg); err != nil {
		slog.Error("ack failed", "worker", id, "message_id", msg.ID, "error", err)
	}
}
