package pool

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/acp-adapter/internal/config"
)

func settingsWithZeroReap() config.PoolConfig {
	return config.PoolConfig{MaxConnections: 4, AcquireTimeoutMS: 100}
}

type resource struct {
	id int
}

func countingFactory(counter *int64) Factory[*resource] {
	return func(ctx context.Context) (*resource, error) {
		n := atomic.AddInt64(counter, 1)
		return &resource{id: int(n)}, nil
	}
}

func countingDestroyer(counter *int64) Destroyer[*resource] {
	return func(ctx context.Context, conn *resource) error {
		atomic.AddInt64(counter, 1)
		return nil
	}
}

func TestPool_Acquire_ReusesIdleEntryBeforeCreating(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 2}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	conn, release, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	release()

	_, release2, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	release2()

	assert.Equal(t, int64(1), created)
	assert.NotNil(t, conn)
}

func TestPool_Acquire_CreatesUpToMaxConnections(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 2}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	_, release1, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	_, release2, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)

	assert.Equal(t, int64(2), created)
	assert.Equal(t, int64(2), p.Metrics().ActiveConnections)
	assert.Equal(t, int64(2), p.Metrics().PeakConnections)

	release1()
	release2()
}

func TestPool_Acquire_TimesOutWhenExhausted(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 2, AcquireTimeout: 50 * time.Millisecond}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	_, _, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	_, _, err = p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)

	_, _, err = p.Acquire(context.Background(), countingFactory(&created))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Connection acquire timeout")
}

func TestPool_Acquire_WaiterServedOnRelease(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 1, AcquireTimeout: time.Second}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	_, release1, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, release2, err := p.Acquire(context.Background(), countingFactory(&created))
		if err == nil {
			release2()
		}
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	release1()

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
	assert.Equal(t, int64(1), created)
}

func TestPool_Acquire_RespectsContextCancellation(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 1, AcquireTimeout: time.Minute}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	_, _, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.Acquire(ctx, countingFactory(&created))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context deadline exceeded") || err == context.DeadlineExceeded)
}

func TestPool_IdleReaper_DestroysExpiredIdleEntries(t *testing.T) {
	var created, destroyed int64
	p := New(Config{MaxConnections: 2, MaxIdleTime: 10 * time.Millisecond, IdleReapInterval: 5 * time.Millisecond}, countingDestroyer(&destroyed))
	defer p.Shutdown(context.Background())

	_, release, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&destroyed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), p.Metrics().IdleConnections)
}

func TestPool_Shutdown_DestroysRemainderAfterWaiterServed(t *testing.T) {
	var created, destroyed int64
	p := New(Config{MaxConnections: 1, AcquireTimeout: time.Minute}, countingDestroyer(&destroyed))

	_, release, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, _, err := p.Acquire(context.Background(), countingFactory(&created))
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	release()

	select {
	case err := <-waiterErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter should have been served before shutdown")
	}

	p.Shutdown(context.Background())
	assert.Equal(t, created, destroyed)
}

func TestPool_Metrics_TracksRequestsAndWaitTime(t *testing.T) {
	var created int64
	p := New(Config{MaxConnections: 1}, countingDestroyer(new(int64)))
	defer p.Shutdown(context.Background())

	_, release, err := p.Acquire(context.Background(), countingFactory(&created))
	require.NoError(t, err)
	release()

	m := p.Metrics()
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1), m.TotalCreated)
}

func TestConfigFromSettings_AppliesReapIntervalDefault(t *testing.T) {
	cfg := ConfigFromSettings(settingsWithZeroReap())
	assert.Equal(t, 30*time.Second, cfg.IdleReapInterval)
}
