// Package pool implements the generic connection pool (C8): acquire
// prefers an idle entry, creates fresh ones under a configured cap, and
// parks callers in a FIFO waiter queue once that cap is reached.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

// Factory builds a new pooled value of T.
type Factory[T any] func(ctx context.Context) (T, error)

// Destroyer releases a pooled value of T for good.
type Destroyer[T any] func(ctx context.Context, conn T) error

// Config tunes a Pool's limits and timing.
type Config struct {
	MaxConnections   int
	MaxIdleTime      time.Duration
	AcquireTimeout   time.Duration
	IdleReapInterval time.Duration
}

// ConfigFromSettings converts the on-disk pool configuration into a
// Config, applying the §4.8 30s idle-reaper default when unset.
func ConfigFromSettings(cfg config.PoolConfig) Config {
	reapInterval := time.Duration(cfg.IdleReapIntervalSec) * time.Second
	if reapInterval <= 0 {
		reapInterval = 30 * time.Second
	}
	return Config{
		MaxConnections:   cfg.MaxConnections,
		MaxIdleTime:      time.Duration(cfg.MaxIdleTimeSeconds) * time.Second,
		AcquireTimeout:   time.Duration(cfg.AcquireTimeoutMS) * time.Millisecond,
		IdleReapInterval: reapInterval,
	}
}

// Metrics is the §4.8 monotonic counter/gauge set.
type Metrics struct {
	TotalCreated      int64
	TotalDestroyed    int64
	ActiveConnections int64
	IdleConnections   int64
	TotalRequests     int64
	WaitingRequests   int64
	AverageWaitTime   time.Duration
	PeakConnections   int64
}

type entry[T any] struct {
	conn       T
	lastUsedAt time.Time
}

type acquireResult[T any] struct {
	conn T
	err  error
}

// waiter is a parked acquire call; done is CAS'd to 1 by whichever side
// (a releasing holder, or the waiter's own timeout/ctx path) resolves it
// first, so a connection is never handed to an already-abandoned waiter.
type waiter[T any] struct {
	resultCh chan acquireResult[T]
	done     int32
}

// Pool is a generic, size-capped pool over a caller-supplied Factory.
type Pool[T any] struct {
	cfg     Config
	destroy Destroyer[T]

	mu          sync.Mutex
	idle        []entry[T]
	activeCount int
	waiters     []*waiter[T]

	totalCreated    int64
	totalDestroyed  int64
	totalRequests   int64
	peakConnections int64
	waitEWMA        time.Duration
	waitEWMASet     bool

	reaperStop chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
	closed     bool
}

// New builds a Pool. destroy is called for every connection the pool ever
// retires, whether by the idle reaper or Shutdown.
func New[T any](cfg Config, destroy Destroyer[T]) *Pool[T] {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.IdleReapInterval <= 0 {
		cfg.IdleReapInterval = 30 * time.Second
	}
	p := &Pool[T]{
		cfg:        cfg,
		destroy:    destroy,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func (p *Pool[T]) bumpPeakLocked() {
	if int64(p.activeCount) > p.peakConnections {
		p.peakConnections = int64(p.activeCount)
	}
}

func (p *Pool[T]) recordWait(d time.Duration) {
	const alpha = 0.1
	p.mu.Lock()
	if !p.waitEWMASet {
		p.waitEWMA = d
		p.waitEWMASet = true
	} else {
		p.waitEWMA = time.Duration(alpha*float64(d) + (1-alpha)*float64(p.waitEWMA))
	}
	p.mu.Unlock()
}

// Acquire returns a pooled value of T and a release function, preferring
// an idle entry, then creating a fresh one via factory under
// MaxConnections, then parking as a FIFO waiter bounded by
// AcquireTimeout/ctx.
func (p *Pool[T]) Acquire(ctx context.Context, factory Factory[T]) (T, func(), error) {
	start := time.Now()

	p.mu.Lock()
	p.totalRequests++

	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.activeCount++
		p.bumpPeakLocked()
		p.mu.Unlock()
		p.recordWait(0)
		return e.conn, p.releaseFn(e.conn), nil
	}

	if p.activeCount < p.cfg.MaxConnections {
		p.activeCount++
		p.bumpPeakLocked()
		p.mu.Unlock()

		conn, err := factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.activeCount--
			p.mu.Unlock()
			var zero T
			return zero, nil, err
		}
		atomic.AddInt64(&p.totalCreated, 1)
		logger.Debug("pool: created connection %s", uuid.New().String())
		p.recordWait(0)
		return conn, p.releaseFn(conn), nil
	}

	w := &waiter[T]{resultCh: make(chan acquireResult[T], 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.resultCh:
		return p.finishWait(start, res)
	case <-timer.C:
		if atomic.CompareAndSwapInt32(&w.done, 0, 1) {
			p.removeWaiter(w)
			var zero T
			return zero, nil, fmt.Errorf("pool: Connection acquire timeout after %s", p.cfg.AcquireTimeout)
		}
		return p.finishWait(start, <-w.resultCh)
	case <-ctx.Done():
		if atomic.CompareAndSwapInt32(&w.done, 0, 1) {
			p.removeWaiter(w)
			var zero T
			return zero, nil, ctx.Err()
		}
		return p.finishWait(start, <-w.resultCh)
	}
}

func (p *Pool[T]) finishWait(start time.Time, res acquireResult[T]) (T, func(), error) {
	p.recordWait(time.Since(start))
	if res.err != nil {
		var zero T
		return zero, nil, res.err
	}
	return res.conn, p.releaseFn(res.conn), nil
}

func (p *Pool[T]) removeWaiter(w *waiter[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// releaseFn returns conn to the pool exactly once: handing it directly to
// the oldest still-waiting waiter if any, otherwise marking it idle.
func (p *Pool[T]) releaseFn(conn T) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			for len(p.waiters) > 0 {
				w := p.waiters[0]
				p.waiters = p.waiters[1:]
				if atomic.CompareAndSwapInt32(&w.done, 0, 1) {
					p.mu.Unlock()
					w.resultCh <- acquireResult[T]{conn: conn}
					return
				}
			}
			p.activeCount--
			p.idle = append(p.idle, entry[T]{conn: conn, lastUsedAt: time.Now()})
			p.mu.Unlock()
		})
	}
}

// Metrics reports the pool's current counters and gauges.
func (p *Pool[T]) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		TotalCreated:      atomic.LoadInt64(&p.totalCreated),
		TotalDestroyed:    atomic.LoadInt64(&p.totalDestroyed),
		ActiveConnections: int64(p.activeCount),
		IdleConnections:   int64(len(p.idle)),
		TotalRequests:     p.totalRequests,
		WaitingRequests:   int64(len(p.waiters)),
		AverageWaitTime:   p.waitEWMA,
		PeakConnections:   p.peakConnections,
	}
}

func (p *Pool[T]) reapLoop() {
	ticker := time.NewTicker(p.cfg.IdleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce(context.Background())
		case <-p.reaperStop:
			close(p.reaperDone)
			return
		}
	}
}

// reapOnce destroys every idle entry whose time since last use exceeds
// MaxIdleTime. All destroys run in parallel and are awaited.
func (p *Pool[T]) reapOnce(ctx context.Context) {
	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	p.mu.Lock()
	now := time.Now()
	var keep, expired []entry[T]
	for _, e := range p.idle {
		if now.Sub(e.lastUsedAt) > p.cfg.MaxIdleTime {
			expired = append(expired, e)
		} else {
			keep = append(keep, e)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	p.destroyAll(ctx, expired)
}

func (p *Pool[T]) destroyAll(ctx context.Context, entries []entry[T]) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(conn T) {
			defer wg.Done()
			if err := p.destroy(ctx, conn); err != nil {
				logger.Warn("pool: destroying connection failed: %v", err)
			}
			atomic.AddInt64(&p.totalDestroyed, 1)
		}(e.conn)
	}
	wg.Wait()
}

// Drain waits for active connections to reach zero, up to 30s, then
// returns regardless.
func (p *Pool[T]) Drain(ctx context.Context) {
	deadline := time.Now().Add(30 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		active := p.activeCount
		p.mu.Unlock()
		if active == 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the idle reaper, drains, destroys every remaining idle
// entry, and rejects every queued waiter. Safe to call more than once.
func (p *Pool[T]) Shutdown(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.reaperStop)
		<-p.reaperDone

		p.Drain(ctx)

		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		waiters := p.waiters
		p.waiters = nil
		p.mu.Unlock()

		p.destroyAll(ctx, idle)

		for _, w := range waiters {
			if atomic.CompareAndSwapInt32(&w.done, 0, 1) {
				w.resultCh <- acquireResult[T]{err: errors.New("pool: shut down")}
			}
		}
	})
}
