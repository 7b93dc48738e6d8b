// Package worker runs the bounded pool that consumes the named queues and
// dispatches items to their handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/queue"
)

// HandlerFunc processes one leased item. A nil return completes the item; an
// error fails it (rescheduling or killing it per the queue's retry policy).
type HandlerFunc func(ctx context.Context, item *queue.Item) error

// Mux routes items to handlers by task kind.
type Mux struct {
	handlers map[string]HandlerFunc
}

// NewMux constructs an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// HandleFunc registers the handler for a task kind.
func (m *Mux) HandleFunc(kind string, h HandlerFunc) {
	m.handlers[kind] = h
}

// Handle dispatches the item.
func (m *Mux) Handle(ctx context.Context, item *queue.Item) error {
	h, ok := m.handlers[item.Kind]
	if !ok {
		return fmt.Errorf("no handler for task kind %q", item.Kind)
	}
	return h(ctx, item)
}

// Pool pulls work from the named queues with a fixed concurrency limit. Each
// goroutine holds at most one lease at a time, so the process holds at most
// `concurrency` in-flight leases.
type Pool struct {
	backend     queue.Queue
	queues      []string
	mux         *Mux
	concurrency int
	idle        time.Duration
	heartbeat   time.Duration
	log         zerolog.Logger
}

// NewPool constructs a Pool consuming the given queues in round-robin order.
// lease is the backend's lease window; held items are renewed at a third of
// it so a handler outliving one window is not redelivered mid-run.
func NewPool(backend queue.Queue, queues []string, mux *Mux, concurrency int, lease time.Duration, log zerolog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Pool{
		backend:     backend,
		queues:      queues,
		mux:         mux,
		concurrency: concurrency,
		idle:        500 * time.Millisecond,
		heartbeat:   lease / 3,
		log:         log,
	}
}

// Run blocks consuming work until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item := p.next(ctx)
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idle):
			}
			continue
		}
		p.handle(ctx, item)
	}
}

// next polls each queue once and returns the first leased item.
func (p *Pool) next(ctx context.Context) *queue.Item {
	for _, name := range p.queues {
		item, err := p.backend.Dequeue(ctx, name)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn().Err(err).Str("queue", name).Msg("dequeue failed")
			}
			return nil
		}
		if item != nil {
			return item
		}
	}
	return nil
}

func (p *Pool) handle(ctx context.Context, item *queue.Item) {
	started := time.Now()
	hctx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.extendLease(hctx, item)
	err := p.mux.Handle(ctx, item)
	stopHeartbeat()
	if err != nil {
		p.log.Warn().
			Err(err).
			Str("queue", item.Queue).
			Str("kind", item.Kind).
			Str("item", item.ID).
			Int("attempts", item.Attempts).
			Msg("task failed")
		if ferr := p.backend.Fail(ctx, item.ID, err.Error()); ferr != nil {
			p.log.Error().Err(ferr).Str("item", item.ID).Msg("fail call did not stick, lease will expire")
		}
		return
	}
	if cerr := p.backend.Complete(ctx, item.ID); cerr != nil {
		// Lease may have expired and the item been redelivered; handlers are
		// idempotent so the duplicate run converges on the same state.
		p.log.Warn().Err(cerr).Str("item", item.ID).Msg("complete call did not stick")
		return
	}
	p.log.Info().
		Str("queue", item.Queue).
		Str("kind", item.Kind).
		Str("item", item.ID).
		Dur("took", time.Since(started)).
		Msg("task completed")
}

// extendLease renews the item's lease while its handler runs.
func (p *Pool) extendLease(ctx context.Context, item *queue.Item) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.backend.Extend(ctx, item.ID); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn().Err(err).Str("item", item.ID).Msg("lease extension failed")
			}
		}
	}
}
