// Package congestion gates outbound calls behind a rate-limit aware gate and
// a bounded, single-concurrency execution chain.
//
// State machine:
//
//	IDLE --ReportRateLimit--> RATE_LIMITED --delay computed--> BACKING_OFF
//	BACKING_OFF --Resume (timer or explicit)--> ALLOWING --waiters released--> IDLE
//
// Reports while RATE_LIMITED or BACKING_OFF collapse into the running cycle.
// The gate is the only thing that makes WaitUntilAllowed block; callers see a
// rate limit as added latency, never as an error.
package congestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tabsync/internal/backoff"
	"github.com/roach88/tabsync/internal/telemetry"
)

// DefaultMaxQueueDepth bounds the serial queue.
const DefaultMaxQueueDepth = 50

// congestedRatio is the depth fraction above which Health reports CONGESTED.
const congestedRatio = 0.8

// State is the controller's gate state.
type State int

const (
	StateIdle State = iota
	StateRateLimited
	StateBackingOff
	StateAllowing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRateLimited:
		return "RATE_LIMITED"
	case StateBackingOff:
		return "BACKING_OFF"
	case StateAllowing:
		return "ALLOWING"
	default:
		return "UNKNOWN"
	}
}

// Health is a derived classification, not a transition target.
type Health string

const (
	HealthHealthy     Health = "HEALTHY"
	HealthRateLimited Health = "RATE_LIMITED"
	HealthCongested   Health = "CONGESTED"
)

// Action is one outbound operation run on the serial chain.
type Action func(ctx context.Context) error

// Stats is a snapshot for diagnostics.
type Stats struct {
	State    State
	Health   Health
	Depth    int
	MaxDepth int
	Attempt  int
}

// Option configures a Controller.
type Option func(*Controller)

// WithBackoff overrides the backoff configuration.
func WithBackoff(cfg backoff.Config) Option {
	return func(c *Controller) {
		c.backoffCfg = cfg
	}
}

// WithMaxQueueDepth overrides the serial queue bound.
func WithMaxQueueDepth(n int) Option {
	return func(c *Controller) {
		c.maxDepth = n
	}
}

// WithHub attaches a telemetry hub.
func WithHub(h *telemetry.Hub) Option {
	return func(c *Controller) {
		c.hub = h
	}
}

// Controller is the congestion gate plus serial execution chain.
//
// Thread-safety: all exported methods are safe for concurrent use. Serial
// actions run on one worker goroutine started by Start.
type Controller struct {
	backoffCfg backoff.Config
	maxDepth   int
	hub        *telemetry.Hub

	mu      sync.Mutex
	state   State
	gate    chan struct{} // non-nil while blocking; closed on resume
	timer   *time.Timer
	cycle   uint64
	backoff *backoff.Backoff
	depth   int
	queue   *serialQueue
	done    chan struct{}
}

// New builds a controller in IDLE.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		backoffCfg: backoff.DefaultConfig(),
		maxDepth:   DefaultMaxQueueDepth,
		queue:      newSerialQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxDepth < 1 {
		return nil, fmt.Errorf("max queue depth must be positive, got %d", c.maxDepth)
	}
	if c.hub == nil {
		c.hub = telemetry.Nop()
	}
	b, err := backoff.New(c.backoffCfg)
	if err != nil {
		return nil, fmt.Errorf("congestion backoff: %w", err)
	}
	c.backoff = b
	return c, nil
}

// Start launches the serial worker. It returns immediately; the worker exits
// when ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Stop closes the queue, releases the gate so queued actions can drain, and
// waits for the worker to finish.
func (c *Controller) Stop() {
	c.queue.close()
	c.Resume()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Clear resets backoff and gate state. Queued actions are untouched.
func (c *Controller) Clear() {
	c.Resume()
	c.backoff.Reset()
}

// WaitUntilAllowed returns immediately while IDLE, otherwise blocks until
// the gate opens or ctx is done.
func (c *Controller) WaitUntilAllowed(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportRateLimit starts one backoff cycle unless one is already running.
// Returns the scheduled delay, or zero if the report was collapsed.
func (c *Controller) ReportRateLimit() time.Duration {
	c.mu.Lock()
	if c.state == StateRateLimited || c.state == StateBackingOff {
		c.mu.Unlock()
		c.hub.Debug(telemetry.EngineCongestion, "rate_limit_collapsed", "", nil)
		return 0
	}

	c.setStateLocked(StateRateLimited)
	delay := c.backoff.Next()
	attempt := c.backoff.Attempt()
	c.setStateLocked(StateBackingOff)
	c.gate = make(chan struct{})
	c.cycle++
	cycle := c.cycle
	c.timer = time.AfterFunc(delay, func() { c.resumeCycle(cycle) })
	c.mu.Unlock()

	slog.Warn("rate limited, backing off",
		"delay", delay,
		"attempt", attempt,
	)
	c.hub.Warn(telemetry.EngineCongestion, "backing_off", "", map[string]any{
		"delay_ms": delay.Milliseconds(),
		"attempt":  attempt,
	})
	return delay
}

// Resume releases all waiters and returns to IDLE. Safe to call when idle.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.resumeLocked()
}

// resumeCycle is the timer path. A timer that lost the race with an explicit
// Resume must not open a newer cycle's gate.
func (c *Controller) resumeCycle(cycle uint64) {
	c.mu.Lock()
	if c.cycle != cycle {
		c.mu.Unlock()
		return
	}
	c.resumeLocked()
}

// resumeLocked must be called with c.mu held; it unlocks.
func (c *Controller) resumeLocked() {
	if c.gate == nil {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.setStateLocked(StateAllowing)
	close(c.gate)
	c.gate = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.hub.Info(telemetry.EngineCongestion, "resumed", "", nil)
}

// NotifySuccess resets the backoff attempt counter.
func (c *Controller) NotifySuccess() {
	c.backoff.Reset()
}

// EnqueueSerial appends action to the serial chain. It rejects synchronously
// with a QUEUE_SATURATED error when the pending depth is at the bound.
func (c *Controller) EnqueueSerial(label string, action Action) (*Pending, error) {
	c.mu.Lock()
	if c.queue.isClosed() {
		c.mu.Unlock()
		return nil, &CongestionError{Code: ErrCodeStopped, Label: label}
	}
	if c.depth >= c.maxDepth {
		depth := c.depth
		c.mu.Unlock()
		c.hub.Warn(telemetry.EngineCongestion, "queue_saturated", "", map[string]any{
			"label": label,
			"depth": depth,
		})
		return nil, &CongestionError{Code: ErrCodeQueueSaturated, Label: label, Depth: depth, Limit: c.maxDepth}
	}
	c.depth++
	c.mu.Unlock()

	p := newPending(label)
	if !c.queue.push(job{label: label, action: action, pending: p}) {
		c.decrementDepth()
		return nil, &CongestionError{Code: ErrCodeStopped, Label: label}
	}
	return p, nil
}

// State returns the current gate state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health classifies the controller.
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthLocked()
}

// Stats returns a snapshot.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:    c.state,
		Health:   c.healthLocked(),
		Depth:    c.depth,
		MaxDepth: c.maxDepth,
		Attempt:  c.backoff.Attempt(),
	}
}

func (c *Controller) healthLocked() Health {
	if c.state == StateRateLimited || c.state == StateBackingOff {
		return HealthRateLimited
	}
	if float64(c.depth) > congestedRatio*float64(c.maxDepth) {
		return HealthCongested
	}
	return HealthHealthy
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	slog.Debug("congestion state change", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Controller) decrementDepth() {
	c.mu.Lock()
	c.depth--
	c.mu.Unlock()
}

// run is the serial worker loop. One action at a time, FIFO.
func (c *Controller) run(ctx context.Context) {
	for {
		j, ok := c.queue.tryPop()
		if ok {
			c.execute(ctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			c.queue.close()
			c.abandon(ctx.Err())
			return
		case <-c.queue.wait():
			if c.queue.isClosed() && c.queue.len() == 0 {
				return
			}
		}
	}
}

// execute runs one job. Depth is released however the action ends, so one
// failing action never stalls the chain.
func (c *Controller) execute(ctx context.Context, j job) {
	var err error
	defer func() {
		c.decrementDepth()
		j.pending.resolve(err)
	}()

	if err = c.WaitUntilAllowed(ctx); err != nil {
		return
	}
	err = runAction(ctx, j)
	if err != nil {
		slog.Debug("serial action failed", "label", j.label, "error", err)
	}
}

func runAction(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CongestionError{Code: ErrCodeActionPanic, Label: j.label, Cause: r}
		}
	}()
	return j.action(ctx)
}

// abandon resolves every job still queued after cancellation.
func (c *Controller) abandon(cause error) {
	for {
		j, ok := c.queue.tryPop()
		if !ok {
			return
		}
		c.decrementDepth()
		j.pending.resolve(cause)
	}
}
