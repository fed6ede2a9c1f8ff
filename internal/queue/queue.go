// Package queue implements the durable work queue the engine consumes from:
// a Redis list with a per-consumer processing list, giving at-least-once
// delivery with explicit acknowledgement.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no message arrived within the wait
// window.
var ErrEmpty = errors.New("queue: empty")

// Message is one unit of work: run this job. Attempt counts how many times a
// consumer has picked the message up.
type Message struct {
	ID       string    `json:"id"`
	JobID    uuid.UUID `json:"job_id"`
	Attempt  int       `json:"attempt"`
	Enqueued time.Time `json:"enqueued_at"`

	// raw keeps the exact payload so Ack can LREM it byte-for-byte.
	raw string
}

// Queue is a durable FIFO of job-run requests backed by Redis lists. Dequeue
// atomically moves a message onto a processing list; Ack removes it, Nack
// pushes an incremented copy back to the tail.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a queue. name is the Redis list key; the processing list is
// derived from it.
func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) processingKey() string {
	return q.name + ":processing"
}

// Enqueue appends a run request for the job.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	msg := Message{
		ID:       uuid.NewString(),
		JobID:    jobID,
		Attempt:  1,
		Enqueued: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next message and moves it onto the
// processing list. The caller must Ack or Nack the returned message.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Message, error) {
	payload, err := q.client.BRPopLPush(ctx, q.name, q.processingKey(), wait).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		// A malformed message would otherwise wedge the processing list.
		q.client.LRem(ctx, q.processingKey(), 1, payload)
		return nil, fmt.Errorf("decoding queue message: %w", err)
	}
	msg.raw = payload
	return &msg, nil
}

// Ack removes the message from the processing list once handled.
func (q *Queue) Ack(ctx context.Context, msg *Message) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("acking message %s: %w", msg.ID, err)
	}
	return nil
}

// Nack removes the message from the processing list and, when attempts remain,
// re-enqueues it with the attempt count bumped.
func (q *Queue) Nack(ctx context.Context, msg *Message, maxAttempts int) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("nacking message %s: %w", msg.ID, err)
	}
	if msg.Attempt >= maxAttempts {
		return nil
	}

	retry := Message{
		ID:       msg.ID,
		JobID:    msg.JobID,
		Attempt:  msg.Attempt + 1,
		Enqueued: msg.Enqueued,
	}
	payload, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("marshaling retry message: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("re-enqueueing message %s: %w", msg.ID, err)
	}
	return nil
}

// Depth reports how many messages are waiting (not counting in-flight ones).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}
