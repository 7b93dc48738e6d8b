package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue with the same lease, backoff and dead-letter
// semantics as the Postgres implementation. It backs unit tests and carries
// an injectable clock so lease expiry can be exercised without sleeping.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*Item
	order  []string // enqueue order across all queues
	paused map[string]bool
	dedupe map[string]string // queue+"\x00"+key -> active item id
	lease  time.Duration
	now    func() time.Time
	seq    int
}

var _ Queue = (*Memory)(nil)

// NewMemory constructs an in-memory queue with the given lease window.
func NewMemory(lease time.Duration) *Memory {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Memory{
		items:  make(map[string]*Item),
		paused: make(map[string]bool),
		dedupe: make(map[string]string),
		lease:  lease,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue persists the item in memory.
func (m *Memory) Enqueue(_ context.Context, queueName, kind string, payload []byte, opts Options) (string, error) {
	opts = opts.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.DedupeKey != "" {
		if existing, ok := m.dedupe[queueName+"\x00"+opts.DedupeKey]; ok {
			return existing, nil
		}
	}
	now := m.now()
	item := &Item{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		DedupeKey:   opts.DedupeKey,
		Status:      StatusPending,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		NotBefore:   now,
		EnqueuedAt:  now,
	}
	m.items[item.ID] = item
	m.order = append(m.order, item.ID)
	if opts.DedupeKey != "" {
		m.dedupe[queueName+"\x00"+opts.DedupeKey] = item.ID
	}
	return item.ID, nil
}

// Dequeue leases the oldest eligible item.
func (m *Memory) Dequeue(_ context.Context, queueName string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused[queueName] {
		return nil, nil
	}
	now := m.now()
	for _, id := range m.order {
		item, ok := m.items[id]
		if !ok || item.Queue != queueName {
			continue
		}
		eligible := (item.Status == StatusPending && !item.NotBefore.After(now)) ||
			(item.Status == StatusLeased && item.LeaseExpiry.Before(now))
		if !eligible {
			continue
		}
		item.Status = StatusLeased
		item.LeaseExpiry = now.Add(m.lease)
		out := *item
		return &out, nil
	}
	return nil, nil
}

// Extend renews the lease on a leased item.
func (m *Memory) Extend(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusLeased {
		return ErrNotFound
	}
	item.LeaseExpiry = m.now().Add(m.lease)
	return nil
}

// Complete marks the item done.
func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status == StatusDead || item.Status == StatusCompleted {
		return ErrNotFound
	}
	now := m.now()
	item.Status = StatusCompleted
	item.CompletedAt = &now
	m.clearDedupe(item)
	return nil
}

// Fail records an attempt, rescheduling or moving the item to dead.
func (m *Memory) Fail(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status == StatusDead || item.Status == StatusCompleted {
		return ErrNotFound
	}
	item.Attempts++
	item.LastError = reason
	if item.Attempts >= item.MaxAttempts {
		item.Status = StatusDead
		m.clearDedupe(item)
		return nil
	}
	item.Status = StatusPending
	item.NotBefore = m.now().Add(backoffDelay(item.BackoffBase, item.Attempts))
	return nil
}

// Pause stops dequeue; idempotent.
func (m *Memory) Pause(_ context.Context, queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queueName] = true
	return nil
}

// Resume re-enables dequeue; idempotent.
func (m *Memory) Resume(_ context.Context, queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queueName] = false
	return nil
}

// Paused reports queue pause state.
func (m *Memory) Paused(_ context.Context, queueName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[queueName], nil
}

// DeadItems returns exhausted items, most recently enqueued first.
func (m *Memory) DeadItems(_ context.Context, queueName string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		item, ok := m.items[m.order[i]]
		if ok && item.Queue == queueName && item.Status == StatusDead {
			out = append(out, *item)
		}
	}
	return out, nil
}

// PurgeCompleted removes completed items older than the audit window.
func (m *Memory) PurgeCompleted(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	purged := 0
	kept := m.order[:0]
	for _, id := range m.order {
		item, ok := m.items[id]
		if ok && item.Status == StatusCompleted && item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
			delete(m.items, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return purged, nil
}

func (m *Memory) clearDedupe(item *Item) {
	if item.DedupeKey != "" {
		delete(m.dedupe, item.Queue+"\x00"+item.DedupeKey)
	}
}
