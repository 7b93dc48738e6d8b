package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jtarkowski/albumforge/internal/metrics"
)

// Postgres is the durable Queue backed by the queue_items and queue_state
// tables. Dequeue uses FOR UPDATE SKIP LOCKED so concurrent workers never
// fight over the same row.
type Postgres struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

var _ Queue = (*Postgres)(nil)

// NewPostgres constructs the Postgres queue with the given lease window.
func NewPostgres(pool *pgxpool.Pool, lease time.Duration) *Postgres {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Postgres{pool: pool, lease: lease}
}

const itemColumns = `id, queue, kind, payload, COALESCE(dedupe_key, ''), status, attempts,
	max_attempts, backoff_base_ms, not_before, COALESCE(lease_expires_at, 'epoch'::timestamptz),
	COALESCE(last_error, ''), enqueued_at, completed_at`

// Enqueue durably persists the item before returning.
func (p *Postgres) Enqueue(ctx context.Context, queueName, kind string, payload []byte, opts Options) (string, error) {
	opts = opts.normalized()
	id := uuid.NewString()
	now := time.Now().UTC()
	var dedupe *string
	if opts.DedupeKey != "" {
		dedupe = &opts.DedupeKey
	}
	for {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO queue_items (id, queue, kind, payload, dedupe_key, status, attempts,
				max_attempts, backoff_base_ms, not_before, enqueued_at)
			VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7,$8,$8)
			ON CONFLICT (queue, dedupe_key)
				WHERE status IN ('pending', 'leased') AND dedupe_key IS NOT NULL
				DO NOTHING
		`, id, queueName, kind, payload, dedupe, opts.MaxAttempts, opts.BackoffBase.Milliseconds(), now)
		if err != nil {
			return "", unavailable("insert queue item", err)
		}
		if tag.RowsAffected() > 0 {
			metrics.QueueEnqueuedTotal.WithLabelValues(queueName, kind).Inc()
			return id, nil
		}
		// Active item with the same dedupe key; hand back its id.
		var existing string
		err = p.pool.QueryRow(ctx, `
			SELECT id FROM queue_items
			WHERE queue=$1 AND dedupe_key=$2 AND status IN ('pending', 'leased')
		`, queueName, opts.DedupeKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", unavailable("select deduped item", err)
		}
		// The duplicate completed between the insert and the select; the key
		// is free again, so the insert will succeed on the next pass.
	}
}

// Dequeue leases the next eligible item, skipping paused queues.
func (p *Postgres) Dequeue(ctx context.Context, queueName string) (*Item, error) {
	paused, err := p.Paused(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}
	row := p.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM queue_items
			WHERE queue = $1
				AND not_before <= now()
				AND (status = 'pending' OR (status = 'leased' AND lease_expires_at < now()))
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue_items qi
		SET status = 'leased',
			lease_expires_at = now() + make_interval(secs => $2)
		FROM next
		WHERE qi.id = next.id
		RETURNING qi.id, qi.queue, qi.kind, qi.payload, COALESCE(qi.dedupe_key, ''),
			qi.status, qi.attempts, qi.max_attempts, qi.backoff_base_ms, qi.not_before,
			COALESCE(qi.lease_expires_at, 'epoch'::timestamptz), COALESCE(qi.last_error, ''),
			qi.enqueued_at, qi.completed_at`, queueName, p.lease.Seconds())
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("dequeue item", err)
	}
	return item, nil
}

// Extend renews the lease on a leased item for another full window.
func (p *Postgres) Extend(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_items
		SET lease_expires_at = now() + make_interval(secs => $2)
		WHERE id=$1 AND status='leased'
	`, id, p.lease.Seconds())
	if err != nil {
		return unavailable("extend lease", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete marks the item done, retained for the audit window.
func (p *Postgres) Complete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE queue_items SET status='completed', completed_at=now(), lease_expires_at=NULL
		WHERE id=$1 AND status IN ('pending', 'leased')
	`, id)
	if err != nil {
		return unavailable("complete item", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	var queueName, kind string
	if err := p.pool.QueryRow(ctx,
		`SELECT queue, kind FROM queue_items WHERE id=$1`, id).Scan(&queueName, &kind); err == nil {
		metrics.QueueCompletedTotal.WithLabelValues(queueName, kind).Inc()
	}
	return nil
}

// Fail records the attempt and either reschedules with backoff or moves the
// item to the dead state.
func (p *Postgres) Fail(ctx context.Context, id, reason string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin fail tx", err)
	}
	defer tx.Rollback(ctx)

	var (
		queueName, kind string
		attempts, max   int
		baseMS          int64
	)
	err = tx.QueryRow(ctx, `
		SELECT queue, kind, attempts, max_attempts, backoff_base_ms
		FROM queue_items WHERE id=$1 AND status IN ('pending', 'leased')
		FOR UPDATE
	`, id).Scan(&queueName, &kind, &attempts, &max, &baseMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return unavailable("select failing item", err)
	}

	attempts++
	if attempts >= max {
		_, err = tx.Exec(ctx, `
			UPDATE queue_items SET status='dead', attempts=$2, last_error=$3, lease_expires_at=NULL
			WHERE id=$1
		`, id, attempts, reason)
		if err == nil {
			metrics.QueueDeadTotal.WithLabelValues(queueName, kind).Inc()
		}
	} else {
		delay := backoffDelay(time.Duration(baseMS)*time.Millisecond, attempts)
		_, err = tx.Exec(ctx, `
			UPDATE queue_items
			SET status='pending', attempts=$2, last_error=$3, lease_expires_at=NULL,
				not_before = now() + make_interval(secs => $4)
			WHERE id=$1
		`, id, attempts, reason, delay.Seconds())
		if err == nil {
			metrics.QueueRetriesTotal.WithLabelValues(queueName, kind).Inc()
		}
	}
	if err != nil {
		return unavailable("update failing item", err)
	}
	return tx.Commit(ctx)
}

// Pause stops dequeue for the queue. Idempotent.
func (p *Postgres) Pause(ctx context.Context, queueName string) error {
	return p.setPaused(ctx, queueName, true)
}

// Resume re-enables dequeue for the queue. Idempotent.
func (p *Postgres) Resume(ctx context.Context, queueName string) error {
	return p.setPaused(ctx, queueName, false)
}

func (p *Postgres) setPaused(ctx context.Context, queueName string, paused bool) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queue_state (queue, paused, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (queue) DO UPDATE SET paused=EXCLUDED.paused, updated_at=now()
	`, queueName, paused)
	if err != nil {
		return unavailable("update queue state", err)
	}
	return nil
}

// Paused reports whether the queue is paused.
func (p *Postgres) Paused(ctx context.Context, queueName string) (bool, error) {
	var paused bool
	err := p.pool.QueryRow(ctx,
		`SELECT paused FROM queue_state WHERE queue=$1`, queueName).Scan(&paused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, unavailable("select queue state", err)
	}
	return paused, nil
}

// DeadItems returns exhausted items for operator review, most recent first.
func (p *Postgres) DeadItems(ctx context.Context, queueName string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE queue=$1 AND status='dead'
		ORDER BY enqueued_at DESC LIMIT $2
	`, queueName, limit)
	if err != nil {
		return nil, unavailable("select dead items", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// PurgeCompleted removes completed items older than the audit window.
func (p *Postgres) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE status='completed' AND completed_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, unavailable("purge completed items", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		item   Item
		baseMS int64
	)
	if err := row.Scan(&item.ID, &item.Queue, &item.Kind, &item.Payload, &item.DedupeKey,
		&item.Status, &item.Attempts, &item.MaxAttempts, &baseMS, &item.NotBefore,
		&item.LeaseExpiry, &item.LastError, &item.EnqueuedAt, &item.CompletedAt); err != nil {
		return nil, err
	}
	item.BackoffBase = time.Duration(baseMS) * time.Millisecond
	return &item, nil
}
