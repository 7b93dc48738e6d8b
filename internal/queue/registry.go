package queue

import "context"

// Registry binds the queue backend to the named queues the pipeline uses. It
// is constructed once at process startup and passed to every component that
// needs queue access; nothing reaches for shared queue state behind its back.
type Registry struct {
	backend Queue
}

// NewRegistry constructs a Registry over the given backend.
func NewRegistry(backend Queue) *Registry {
	return &Registry{backend: backend}
}

// Backend exposes the raw Queue for operations that take a queue name.
func (r *Registry) Backend() Queue { return r.backend }

// Derivatives returns the derivative fan-out queue.
func (r *Registry) Derivatives() Named { return Named{q: r.backend, name: Derivatives} }

// Sync returns the sync-run queue.
func (r *Registry) Sync() Named { return Named{q: r.backend, name: Sync} }

// Named is a Queue scoped to one queue name.
type Named struct {
	q    Queue
	name string
}

// Name returns the bound queue name.
func (n Named) Name() string { return n.name }

// Enqueue enqueues onto the bound queue.
func (n Named) Enqueue(ctx context.Context, kind string, payload []byte, opts Options) (string, error) {
	return n.q.Enqueue(ctx, n.name, kind, payload, opts)
}

// Dequeue leases the next item from the bound queue.
func (n Named) Dequeue(ctx context.Context) (*Item, error) {
	return n.q.Dequeue(ctx, n.name)
}

// Complete, Fail, Pause, Resume and the dead-letter query delegate to the
// backend unchanged.
func (n Named) Complete(ctx context.Context, id string) error   { return n.q.Complete(ctx, id) }
func (n Named) Fail(ctx context.Context, id, msg string) error  { return n.q.Fail(ctx, id, msg) }
func (n Named) Pause(ctx context.Context) error                 { return n.q.Pause(ctx, n.name) }
func (n Named) Resume(ctx context.Context) error                { return n.q.Resume(ctx, n.name) }
func (n Named) Paused(ctx context.Context) (bool, error)        { return n.q.Paused(ctx, n.name) }
func (n Named) DeadItems(ctx context.Context, limit int) ([]Item, error) {
	return n.q.DeadItems(ctx, n.name, limit)
}
