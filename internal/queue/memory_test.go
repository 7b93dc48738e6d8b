package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	first, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, []byte(`{"a":1}`), Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, Derivatives, TaskBlurhash, []byte(`{"b":2}`), Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := q.Dequeue(ctx, Derivatives)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item == nil || item.ID != first {
		t.Fatalf("expected first item, got %+v", item)
	}
	if item.Status != StatusLeased {
		t.Fatalf("expected leased status, got %s", item.Status)
	}

	item, err = q.Dequeue(ctx, Derivatives)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item == nil || item.ID != second {
		t.Fatalf("expected second item, got %+v", item)
	}

	// Both items are leased now; nothing else is eligible.
	item, err = q.Dequeue(ctx, Derivatives)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected empty queue, got %+v", item)
	}
}

func TestDedupeCollapsesWhileInFlight(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	opts := Options{MaxAttempts: 3, DedupeKey: "thumbnail:asset-1"}
	first, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, opts)
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if dup != first {
		t.Fatalf("expected duplicate to return existing id %s, got %s", first, dup)
	}

	item, _ := q.Dequeue(ctx, Derivatives)
	if err := q.Complete(ctx, item.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Completion releases the dedupe key.
	again, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, opts)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again == first {
		t.Fatalf("expected a fresh item after completion")
	}
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	id, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, _ := q.Dequeue(ctx, Derivatives)
	if item == nil || item.ID != id {
		t.Fatalf("expected to lease the item")
	}
	if got, _ := q.Dequeue(ctx, Derivatives); got != nil {
		t.Fatalf("item should be invisible while leased")
	}

	// Advance past the lease window; the item becomes eligible again without
	// consuming an attempt.
	now = now.Add(2 * time.Minute)
	redelivered, _ := q.Dequeue(ctx, Derivatives)
	if redelivered == nil || redelivered.ID != id {
		t.Fatalf("expected redelivery after lease expiry")
	}
	if redelivered.Attempts != 0 {
		t.Fatalf("lease expiry must not consume an attempt, got %d", redelivered.Attempts)
	}
}

func TestExtendRenewsLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	id, err := q.Enqueue(ctx, Sync, TaskFilesystemScan, nil, Options{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Extend(ctx, id); err != ErrNotFound {
		t.Fatalf("extending a pending item should report ErrNotFound, got %v", err)
	}

	if item, _ := q.Dequeue(ctx, Sync); item == nil || item.ID != id {
		t.Fatalf("expected to lease the item")
	}
	now = now.Add(50 * time.Second)
	if err := q.Extend(ctx, id); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// Past the original window but inside the renewed one: still invisible.
	now = now.Add(30 * time.Second)
	if item, _ := q.Dequeue(ctx, Sync); item != nil {
		t.Fatalf("renewed lease must not be redelivered, got %+v", item)
	}

	// The renewed window runs out eventually.
	now = now.Add(time.Minute)
	if item, _ := q.Dequeue(ctx, Sync); item == nil || item.ID != id {
		t.Fatalf("expected redelivery after the renewed lease expired")
	}

	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Extend(ctx, id); err != ErrNotFound {
		t.Fatalf("extending a completed item should report ErrNotFound, got %v", err)
	}
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	id, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, Options{MaxAttempts: 3, BackoffBase: time.Second})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt < 3; attempt++ {
		item, _ := q.Dequeue(ctx, Derivatives)
		if item == nil {
			t.Fatalf("attempt %d: expected an item", attempt)
		}
		if err := q.Fail(ctx, item.ID, "decode failed"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		// Still backing off; not yet eligible.
		if got, _ := q.Dequeue(ctx, Derivatives); got != nil {
			t.Fatalf("attempt %d: item should be backing off", attempt)
		}
		now = now.Add(backoffDelay(time.Second, attempt) + time.Millisecond)
	}

	item, _ := q.Dequeue(ctx, Derivatives)
	if item == nil || item.Attempts != 2 {
		t.Fatalf("expected final attempt, got %+v", item)
	}
	if err := q.Fail(ctx, item.ID, "decode failed"); err != nil {
		t.Fatalf("final fail: %v", err)
	}

	// Exhausted: dead, never dequeued again, visible to the dead-letter query.
	now = now.Add(time.Hour)
	if got, _ := q.Dequeue(ctx, Derivatives); got != nil {
		t.Fatalf("dead item must never be redelivered, got %+v", got)
	}
	dead, err := q.DeadItems(ctx, Derivatives, 0)
	if err != nil {
		t.Fatalf("dead items: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id || dead[0].LastError != "decode failed" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	if err := q.Complete(ctx, id); err != ErrNotFound {
		t.Fatalf("completing a dead item should report ErrNotFound, got %v", err)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	if _, err := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, Options{MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Pause(ctx, Derivatives); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := q.Pause(ctx, Derivatives); err != nil {
		t.Fatalf("second pause should be a no-op: %v", err)
	}
	if item, _ := q.Dequeue(ctx, Derivatives); item != nil {
		t.Fatalf("paused queue must not dequeue")
	}
	if paused, _ := q.Paused(ctx, Derivatives); !paused {
		t.Fatalf("expected paused state")
	}

	if err := q.Resume(ctx, Derivatives); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := q.Resume(ctx, Derivatives); err != nil {
		t.Fatalf("second resume should be a no-op: %v", err)
	}
	if item, _ := q.Dequeue(ctx, Derivatives); item == nil {
		t.Fatalf("resumed queue should dequeue")
	}
}

func TestPurgeCompleted(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	id, _ := q.Enqueue(ctx, Derivatives, TaskThumbnail, nil, Options{MaxAttempts: 1})
	item, _ := q.Dequeue(ctx, Derivatives)
	if err := q.Complete(ctx, item.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	purged, err := q.PurgeCompleted(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("fresh item should survive the retention window")
	}

	now = now.Add(25 * time.Hour)
	purged, err = q.PurgeCompleted(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged item, got %d", purged)
	}
	if err := q.Complete(ctx, id); err != ErrNotFound {
		t.Fatalf("purged item should be gone, got %v", err)
	}
}
