package congestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/backoff"
)

// newTestController builds a controller with a long backoff so timers never
// fire during a test unless the test wants them to.
func newTestController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	base := []Option{WithBackoff(backoff.Config{Base: time.Hour, Max: time.Hour})}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	return c
}

func TestController_WaitUntilAllowed_IdleReturnsImmediately(t *testing.T) {
	c := newTestController(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.WaitUntilAllowed(ctx))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, HealthHealthy, c.Health())
}

func TestController_ReportRateLimit_BlocksUntilResume(t *testing.T) {
	c := newTestController(t)

	delay := c.ReportRateLimit()
	assert.Equal(t, time.Hour, delay)
	assert.Equal(t, StateBackingOff, c.State())
	assert.Equal(t, HealthRateLimited, c.Health())

	released := make(chan error, 1)
	go func() {
		released <- c.WaitUntilAllowed(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("waiter released before resume")
	case <-time.After(20 * time.Millisecond):
	}

	c.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by resume")
	}
	assert.Equal(t, StateIdle, c.State())
}

func TestController_WaitUntilAllowed_ContextCancelled(t *testing.T) {
	c := newTestController(t)
	c.ReportRateLimit()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.WaitUntilAllowed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Scenario C: repeated reports while backing off collapse into one cycle.
func TestController_RepeatedReportsCollapse(t *testing.T) {
	c := newTestController(t)

	first := c.ReportRateLimit()
	require.NotZero(t, first)
	for i := 0; i < 5; i++ {
		assert.Zero(t, c.ReportRateLimit(), "report %d should collapse", i+1)
	}
	assert.Equal(t, 1, c.Stats().Attempt)
	assert.Equal(t, StateBackingOff, c.State())

	c.Resume()
	assert.Equal(t, StateIdle, c.State())
}

func TestController_TimerResumes(t *testing.T) {
	c, err := New(WithBackoff(backoff.Config{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond}))
	require.NoError(t, err)

	c.ReportRateLimit()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitUntilAllowed(ctx))
	assert.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestController_StaleTimerDoesNotOpenNewCycle(t *testing.T) {
	c := newTestController(t)

	c.ReportRateLimit()
	stale := c.cycle
	c.Resume()
	c.ReportRateLimit()

	c.resumeCycle(stale)
	assert.Equal(t, StateBackingOff, c.State())
}

func TestController_NotifySuccessResetsAttempts(t *testing.T) {
	c := newTestController(t)

	c.ReportRateLimit()
	c.Resume()
	c.ReportRateLimit()
	c.Resume()
	assert.Equal(t, 2, c.Stats().Attempt)

	c.NotifySuccess()
	assert.Equal(t, 0, c.Stats().Attempt)
}

func TestController_SerialFIFONonOverlapping(t *testing.T) {
	c := newTestController(t)

	const n = 20
	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	pendings := make([]*Pending, 0, n)
	for i := 0; i < n; i++ {
		i := i
		p, err := c.EnqueueSerial("op", func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	for _, p := range pendings {
		require.NoError(t, p.Wait(context.Background()))
	}

	assert.False(t, overlap.Load(), "execution windows overlapped")
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Equal(t, 0, c.Stats().Depth)
}

func TestController_RejectsBeyondMaxDepth(t *testing.T) {
	c := newTestController(t, WithMaxQueueDepth(DefaultMaxQueueDepth))

	// Hold the chain so nothing drains while we fill it.
	c.ReportRateLimit()

	var executed atomic.Int32
	for i := 0; i < DefaultMaxQueueDepth; i++ {
		_, err := c.EnqueueSerial("fill", func(ctx context.Context) error {
			executed.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, HealthRateLimited, c.Health())

	ran := false
	_, err := c.EnqueueSerial("overflow", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsQueueFull(err))

	c.Resume()
	assert.Eventually(t, func() bool { return executed.Load() == DefaultMaxQueueDepth }, time.Second, 5*time.Millisecond)
	assert.False(t, ran)
}

func TestController_HealthCongested(t *testing.T) {
	c, err := New(WithMaxQueueDepth(10))
	require.NoError(t, err)
	// Not started: jobs accumulate.
	for i := 0; i < 9; i++ {
		_, err := c.EnqueueSerial("x", func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, HealthCongested, c.Health())
}

func TestController_FailingActionDoesNotStallChain(t *testing.T) {
	c := newTestController(t)

	boom := errors.New("boom")
	p1, err := c.EnqueueSerial("fails", func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	p2, err := c.EnqueueSerial("panics", func(ctx context.Context) error { panic("kaboom") })
	require.NoError(t, err)
	p3, err := c.EnqueueSerial("ok", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, p1.Wait(context.Background()), boom)

	var ce *CongestionError
	require.ErrorAs(t, p2.Err(), &ce)
	assert.Equal(t, ErrCodeActionPanic, ce.Code)

	assert.NoError(t, p3.Wait(context.Background()))
	assert.Equal(t, 0, c.Stats().Depth)
}

func TestController_EnqueueAfterStop(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	c.Start(context.Background())
	c.Stop()

	_, err = c.EnqueueSerial("late", func(ctx context.Context) error { return nil })
	assert.True(t, IsStopped(err))
}

func TestController_StopDrainsQueuedWork(t *testing.T) {
	c, err := New(WithBackoff(backoff.Config{Base: time.Hour, Max: time.Hour}))
	require.NoError(t, err)
	c.ReportRateLimit()
	c.Start(context.Background())

	var ran atomic.Bool
	p, err := c.EnqueueSerial("queued", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	c.Stop()
	assert.NoError(t, p.Err())
	assert.True(t, ran.Load())
}

func TestController_ContextCancelAbandonsQueued(t *testing.T) {
	c, err := New(WithBackoff(backoff.Config{Base: time.Hour, Max: time.Hour}))
	require.NoError(t, err)
	c.ReportRateLimit()

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	p, err := c.EnqueueSerial("blocked", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, p.Err(), context.Canceled)
	c.Stop()
	assert.Equal(t, 0, c.Stats().Depth)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithMaxQueueDepth(0))
	assert.Error(t, err)

	_, err = New(WithBackoff(backoff.Config{}))
	assert.Error(t, err)
}
