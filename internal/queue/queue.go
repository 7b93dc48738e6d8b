// Package queue provides durable, named, at-least-once work queues with
// lease/visibility semantics, exponential-backoff retry and first-class dead
// items. Job submission and job execution are decoupled through the Queue
// interface; the Postgres implementation is the durable production backend
// and the in-memory one backs tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Named queues used by the pipeline.
const (
	Derivatives = "derivatives"
	Sync        = "sync"
)

// Names lists every queue the pipeline operates.
func Names() []string { return []string{Derivatives, Sync} }

var (
	// ErrUnavailable wraps backing-store failures. Callers treat it as
	// retryable at the call site; the confirm-upload flow keeps processing
	// other items rather than aborting the whole batch.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrNotFound is returned for unknown or already-dead item ids.
	ErrNotFound = errors.New("queue item not found")
)

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Item is one queued unit of work.
type Item struct {
	ID          string
	Queue       string
	Kind        string
	Payload     []byte
	DedupeKey   string
	Status      Status
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	NotBefore   time.Time
	LeaseExpiry time.Time
	LastError   string
	EnqueuedAt  time.Time
	CompletedAt *time.Time
}

// Options configure one enqueue call.
type Options struct {
	// MaxAttempts caps delivery judgements; after the last Fail the item is
	// dead and never redelivered. Zero means 1.
	MaxAttempts int
	// BackoffBase is the first retry delay; each further retry doubles it.
	// Zero means 1s.
	BackoffBase time.Duration
	// DedupeKey suppresses a second enqueue while an identical active item
	// (same queue and key, not yet completed or dead) exists.
	DedupeKey string
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	return o
}

// Queue is the durable work-queue capability. All implementations deliver
// at least once; consumers must be idempotent.
type Queue interface {
	// Enqueue durably persists the item before returning its id. When a
	// dedupe key matches an active item, that item's id is returned instead
	// of inserting a duplicate.
	Enqueue(ctx context.Context, queueName, kind string, payload []byte, opts Options) (string, error)
	// Dequeue leases the next eligible item for the configured lease
	// window, or returns (nil, nil) when the queue is empty or paused. The
	// same item is never handed to two workers inside one lease window; an
	// expired lease makes the item re-deliverable.
	Dequeue(ctx context.Context, queueName string) (*Item, error)
	// Extend renews the lease on a leased item for another full window, so
	// a handler outliving one window keeps exclusive delivery. Returns
	// ErrNotFound when the item is not currently leased.
	Extend(ctx context.Context, id string) error
	// Complete marks the item done. Completed items are retained for a
	// bounded audit window.
	Complete(ctx context.Context, id string) error
	// Fail records a failed attempt. While attempts remain the item is
	// rescheduled after an exponential backoff delay; otherwise it moves to
	// the dead state with reason recorded, never to be retried again.
	Fail(ctx context.Context, id, reason string) error
	// Pause stops Dequeue for the named queue; pausing a paused queue is a
	// no-op. Resume undoes it.
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	Paused(ctx context.Context, queueName string) (bool, error)
	// DeadItems returns exhausted items, most recent first.
	DeadItems(ctx context.Context, queueName string, limit int) ([]Item, error)
	// PurgeCompleted removes completed items older than the given age and
	// reports how many were removed.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// unavailable wraps a backing-store failure so callers can detect it with
// errors.Is(err, ErrUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// backoffDelay returns the delay before the given retry: base, 2*base,
// 4*base and so on. attempts is the number of failed attempts so far.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
