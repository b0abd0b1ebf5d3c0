// Package pool implements the Agent-Client Pool: a fixed-capacity
// semaphore-guarded pool that constructs a fresh client per acquisition.
//
// The pool recycles a concurrency budget, never connections: every
// acquisition builds and connects a brand-new client, and teardown runs
// under a cancellation-shielded context so disconnection always completes
// even if the caller's task is being cancelled.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kandev/router/internal/common/appctx"
	"github.com/kandev/router/internal/common/logger"
)

// Client is the narrow surface the pool needs from an agent-runtime
// client; internal/agentruntime.Client satisfies it.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Factory constructs a fresh, unconnected client parameterised with a
// resume token (empty string means "start a fresh agent-side conversation").
type Factory func(agentSessionID string) Client

// ErrAcquireTimeout is returned when acquisition could not obtain a permit
// within MaxWait.
var ErrAcquireTimeout = errors.New("pool: acquire timed out waiting for a free slot")

// Config bounds one pool instance.
type Config struct {
	MaxConcurrency int64
	MaxWait        time.Duration
}

// Pool is a fixed-capacity, connection-less client pool.
type Pool struct {
	name    string
	cfg     Config
	sem     *semaphore.Weighted
	factory Factory
	log     *logger.Logger

	active        int64
	totalRequests int64
}

// New constructs a Pool bound to factory.
func New(name string, cfg Config, factory Factory, log *logger.Logger) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Pool{
		name:    name,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		factory: factory,
		log:     log,
	}
}

// Lease is a borrowed, connected client; callers must call Release exactly
// once, typically via defer immediately after a successful Acquire.
type Lease struct {
	Client Client
	pool   *Pool
}

// Acquire blocks up to Config.MaxWait for a free slot, then constructs a
// fresh client parameterised with agentSessionID, connects it, and returns
// a Lease. The construct-and-connect step runs in the caller's task, per
// the remote runtime's structured-concurrency constraint.
func (p *Pool) Acquire(ctx context.Context, agentSessionID string) (*Lease, error) {
	atomic.AddInt64(&p.totalRequests, 1)

	waitCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.MaxWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAcquireTimeout
		}
		return nil, fmt.Errorf("pool: acquire cancelled: %w", ctx.Err())
	}

	client := p.factory(agentSessionID)
	if err := client.Connect(ctx); err != nil {
		p.sem.Release(1) // never leak the permit if connect fails
		return nil, fmt.Errorf("pool: connect failed: %w", err)
	}

	atomic.AddInt64(&p.active, 1)
	return &Lease{Client: client, pool: p}, nil
}

// Release disconnects the leased client under a cancellation-shielded
// background context and returns the semaphore permit. Safe to call even
// if the acquiring task's context has already been cancelled.
func (l *Lease) Release(ctx context.Context) {
	shielded, cancel := appctx.Shielded(10 * time.Second)
	defer cancel()
	if err := l.Client.Disconnect(shielded); err != nil {
		l.pool.log.Sugar().Warnw("pool: disconnect failed", "pool", l.pool.name, "error", err)
	}
	atomic.AddInt64(&l.pool.active, -1)
	l.pool.sem.Release(1)
}

// Stats is the observability surface required by §4.2.
type Stats struct {
	MaxConcurrency int64 `json:"max_concurrency"`
	Active         int64 `json:"active"`
	Available      int64 `json:"available"`
	TotalRequests  int64 `json:"total_requests"`
}

func (p *Pool) Stats() Stats {
	active := atomic.LoadInt64(&p.active)
	return Stats{
		MaxConcurrency: p.cfg.MaxConcurrency,
		Active:         active,
		Available:      p.cfg.MaxConcurrency - active,
		TotalRequests:  atomic.LoadInt64(&p.totalRequests),
	}
}
