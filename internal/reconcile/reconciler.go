// Package reconcile defers user-visible side effects of applied events until
// the UI context allows them.
//
// Every applied event with a visual reaction becomes a Reaction in one of
// four bounded priority queues. A periodic pass matches pending reactions
// against the current route and visibility and dispatches the eligible ones
// to OnVisualIntent listeners. Failed dispatches are retried with a linear
// delay; reactions that exhaust their attempts, or are pushed out of a full
// queue, end up in a bounded dead-letter queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ef-ds/deque"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/tabsync/internal/telemetry"
)

// Defaults.
const (
	DefaultInterval           = 100 * time.Millisecond
	DefaultQueueCapacity      = 100
	DefaultDeadLetterCapacity = 100
	DefaultExecutionLogSize   = 500
	DefaultMaxAttempts        = 3
	DefaultRetryDelay         = time.Second
	DefaultPendingTTL         = 24 * time.Hour
)

// Config holds reconciler tunables. Zero fields take defaults.
type Config struct {
	Interval           time.Duration
	QueueCapacity      int
	DeadLetterCapacity int
	ExecutionLogSize   int
	MaxAttempts        int
	RetryDelay         time.Duration
	PendingTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = DefaultDeadLetterCapacity
	}
	if c.ExecutionLogSize <= 0 {
		c.ExecutionLogSize = DefaultExecutionLogSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	return c
}

// Listener presents a visual intent. Returning nil means it was shown.
type Listener func(ctx context.Context, vi VisualIntent) error

// AppliedChecker answers whether the event authority recorded an event.
// *ledger.Ledger implements it.
type AppliedChecker interface {
	IsApplied(eventID string) bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStore persists pending reactions and dead letters across restarts.
func WithStore(s ReactionStore) Option {
	return func(r *Reconciler) { r.store = s }
}

// WithAppliedChecker rejects reactions for events the authority has not
// recorded.
func WithAppliedChecker(c AppliedChecker) Option {
	return func(r *Reconciler) { r.applied = c }
}

// WithHub sets the telemetry hub.
func WithHub(h *telemetry.Hub) Option {
	return func(r *Reconciler) { r.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler is the delivery reconciler.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run
// without the lock held.
type Reconciler struct {
	cfg     Config
	store   ReactionStore
	applied AppliedChecker
	hub     *telemetry.Hub
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	queues   [numPriorities]*deque.Deque
	queued   map[string]struct{}
	executed *lru.Cache[string, struct{}]
	dead     *deque.Deque
	deadIDs  map[string]struct{}
	route    string
	visible  bool

	listeners listenerSet

	kick    chan struct{} // visibility changed
	ticking atomic.Bool   // loop ticker armed
	lifeMu  sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a reconciler. It starts visible on the root route.
func New(cfg Config, opts ...Option) (*Reconciler, error) {
	cfg = cfg.withDefaults()

	executed, err := lru.New[string, struct{}](cfg.ExecutionLogSize)
	if err != nil {
		return nil, fmt.Errorf("reconcile: create execution log: %w", err)
	}

	r := &Reconciler{
		cfg:      cfg,
		queued:   make(map[string]struct{}),
		executed: executed,
		dead:     deque.New(),
		deadIDs:  make(map[string]struct{}),
		route:    "/",
		visible:  true,
		kick:     make(chan struct{}, 1),
	}
	for i := range r.queues {
		r.queues[i] = deque.New()
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hub == nil {
		r.hub = telemetry.Nop()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// OnVisualIntent registers a listener and returns a function that removes it.
func (r *Reconciler) OnVisualIntent(fn Listener) (cancel func()) {
	return r.listeners.add(fn)
}

// Ingest maps an applied notification to its reaction and enqueues it.
// Events without a reaction are ignored.
func (r *Reconciler) Ingest(n AppliedNotification) error {
	intent, err := Decode(n.Type, n.Payload)
	if errors.Is(err, ErrUnknownType) {
		r.logger.Debug("reconcile ignored event without reaction",
			"event_id", n.EventID,
			"type", n.Type)
		return nil
	}
	if err != nil {
		return &ReactionError{Code: ErrCodeDecode, EventID: n.EventID, Cause: err}
	}

	rule := intent.Rule()
	return r.Enqueue(Reaction{
		EventID:  n.EventID,
		TraceID:  n.TraceID,
		Type:     n.Type,
		Kind:     rule.Reaction,
		Payload:  n.Payload,
		Scope:    rule.Scope,
		Priority: rule.Priority,
	})
}

// Enqueue adds a reaction. Duplicates of executed, queued or dead-lettered
// events are rejected. A full priority queue pushes its oldest entry into the
// dead-letter queue.
func (r *Reconciler) Enqueue(re Reaction) error {
	if re.EventID == "" {
		return &ReactionError{Code: ErrCodeInvalid, Cause: errors.New("event id is required")}
	}
	if !re.Priority.valid() {
		return &ReactionError{Code: ErrCodeInvalid, EventID: re.EventID, Cause: fmt.Errorf("priority %d", re.Priority)}
	}
	if r.applied != nil && !r.applied.IsApplied(re.EventID) {
		r.hub.Warn(telemetry.EngineReconcile, "reaction_not_applied", re.TraceID, map[string]any{
			"event_id": re.EventID,
		})
		return &ReactionError{Code: ErrCodeNotApplied, EventID: re.EventID}
	}
	if re.CreatedAt.IsZero() {
		re.CreatedAt = r.now()
	}

	r.mu.Lock()
	if r.seenLocked(re.EventID) {
		r.mu.Unlock()
		r.hub.Debug(telemetry.EngineReconcile, "reaction_duplicate", re.TraceID, map[string]any{
			"event_id": re.EventID,
		})
		return &ReactionError{Code: ErrCodeDuplicate, EventID: re.EventID}
	}
	overflow := r.pushLocked(re, false)
	r.mu.Unlock()

	r.signalDead(overflow)
	r.hub.Info(telemetry.EngineReconcile, "reaction_enqueued", re.TraceID, map[string]any{
		"event_id": re.EventID,
		"priority": re.Priority.String(),
		"kind":     string(re.Kind),
	})
	return nil
}

// seenLocked reports whether eventID was executed, is queued or is
// dead-lettered. Must hold r.mu.
func (r *Reconciler) seenLocked(eventID string) bool {
	if r.executed.Contains(eventID) {
		return true
	}
	if _, ok := r.queued[eventID]; ok {
		return true
	}
	_, ok := r.deadIDs[eventID]
	return ok
}

// deadEvent is a dead-lettering that still needs to be signalled.
type deadEvent struct {
	letter    DeadLetter
	displaced *DeadLetter // pushed out of a full DLQ
}

// pushLocked queues re, evicting the oldest entry of its priority when the
// queue is full. Must hold r.mu.
func (r *Reconciler) pushLocked(re Reaction, front bool) []deadEvent {
	var out []deadEvent
	q := r.queues[re.Priority]
	for q.Len() >= r.cfg.QueueCapacity {
		v, ok := q.PopFront()
		if !ok {
			break
		}
		victim := v.(Reaction)
		delete(r.queued, victim.EventID)
		out = append(out, r.deadLetterLocked(victim, ReasonEvicted))
	}
	if front {
		q.PushFront(re)
	} else {
		q.PushBack(re)
	}
	r.queued[re.EventID] = struct{}{}
	return out
}

// deadLetterLocked moves re into the DLQ. Must hold r.mu.
func (r *Reconciler) deadLetterLocked(re Reaction, reason string) deadEvent {
	ev := deadEvent{letter: DeadLetter{Reaction: re, Reason: reason, FailedAt: r.now()}}
	if r.dead.Len() >= r.cfg.DeadLetterCapacity {
		if v, ok := r.dead.PopFront(); ok {
			old := v.(DeadLetter)
			delete(r.deadIDs, old.Reaction.EventID)
			// Retired for good: the execution log keeps rejecting it.
			r.executed.Add(old.Reaction.EventID, struct{}{})
			ev.displaced = &old
		}
	}
	r.dead.PushBack(ev.letter)
	r.deadIDs[re.EventID] = struct{}{}
	return ev
}

func (r *Reconciler) signalDead(events []deadEvent) {
	for _, ev := range events {
		re := ev.letter.Reaction
		payload := map[string]any{
			"event_id": re.EventID,
			"priority": re.Priority.String(),
			"attempts": re.Attempts,
			"reason":   ev.letter.Reason,
		}
		if ev.letter.Reason == ReasonMaxAttempts {
			r.logger.Error("reaction failed permanently",
				"event_id", re.EventID,
				"attempts", re.Attempts)
			r.hub.Error(telemetry.EngineReconcile, "reaction_failed", re.TraceID, payload)
		} else {
			r.hub.Warn(telemetry.EngineReconcile, "reaction_evicted", re.TraceID, payload)
		}
		if ev.displaced != nil {
			r.hub.Critical(telemetry.EngineReconcile, "dead_letter_overflow", ev.displaced.Reaction.TraceID, map[string]any{
				"event_id": ev.displaced.Reaction.EventID,
				"reason":   ev.displaced.Reason,
			})
		}
	}
}

// SetRoute records the current UI route.
func (r *Reconciler) SetRoute(route string) {
	r.mu.Lock()
	r.route = normalizeRoute(route)
	r.mu.Unlock()
}

// Route returns the current UI route.
func (r *Reconciler) Route() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

// SetVisible records host visibility. Becoming visible triggers an
// immediate pass; while invisible nothing is dispatched.
func (r *Reconciler) SetVisible(visible bool) {
	r.mu.Lock()
	was := r.visible
	r.visible = visible
	r.mu.Unlock()

	if visible != was {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Visible reports host visibility.
func (r *Reconciler) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Reconcile runs one pass and returns the number of reactions dispatched.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	if !r.visible {
		r.mu.Unlock()
		return 0
	}
	expired := r.purgeExpiredLocked(now)
	route := r.route

	var ready []Reaction
	for p := range r.queues {
		q := r.queues[p]
		for n := q.Len(); n > 0; n-- {
			v, _ := q.PopFront()
			re := v.(Reaction)
			if r.eligible(re, route, now) {
				ready = append(ready, re)
				continue
			}
			q.PushBack(re)
		}
	}
	r.mu.Unlock()

	for _, re := range expired {
		r.hub.Info(telemetry.EngineReconcile, "reaction_expired", re.TraceID, map[string]any{
			"event_id": re.EventID,
		})
	}

	dispatched := 0
	for _, re := range ready {
		if r.dispatch(ctx, re) {
			dispatched++
		}
	}
	return dispatched
}

func (r *Reconciler) eligible(re Reaction, route string, now time.Time) bool {
	if now.Before(re.NotBefore) {
		return false
	}
	if re.Priority == PriorityCritical {
		return true
	}
	return re.Scope.allows(route)
}

// purgeExpiredLocked drops pending reactions older than the TTL. Must hold
// r.mu.
func (r *Reconciler) purgeExpiredLocked(now time.Time) []Reaction {
	cutoff := now.Add(-r.cfg.PendingTTL)
	var expired []Reaction
	for _, q := range r.queues {
		for n := q.Len(); n > 0; n-- {
			v, _ := q.PopFront()
			re := v.(Reaction)
			if re.CreatedAt.Before(cutoff) {
				delete(r.queued, re.EventID)
				expired = append(expired, re)
				continue
			}
			q.PushBack(re)
		}
	}
	return expired
}

// dispatch offers re to every listener. Returns true if at least one
// succeeded.
func (r *Reconciler) dispatch(ctx context.Context, re Reaction) bool {
	intent, err := Decode(re.Type, re.Payload)
	if err != nil {
		r.logger.Warn("reaction payload no longer decodes", "event_id", re.EventID, "error", err)
	}

	vi := VisualIntent{Reaction: re, Intent: intent}
	successes := 0
	var lastErr error
	for _, fn := range r.listeners.snapshot() {
		if err := callListener(ctx, fn, vi); err != nil {
			lastErr = err
			continue
		}
		successes++
	}
	if successes == 0 && lastErr == nil {
		lastErr = errors.New("no listeners")
	}

	now := r.now()
	if successes > 0 {
		r.mu.Lock()
		delete(r.queued, re.EventID)
		r.executed.Add(re.EventID, struct{}{})
		r.mu.Unlock()

		r.hub.Info(telemetry.EngineReconcile, "reaction_dispatched", re.TraceID, map[string]any{
			"event_id":  re.EventID,
			"priority":  re.Priority.String(),
			"kind":      string(re.Kind),
			"listeners": successes,
		})
		return true
	}

	re.Attempts++
	re.LastAttempt = now

	var dead []deadEvent
	r.mu.Lock()
	if re.Attempts >= r.cfg.MaxAttempts {
		delete(r.queued, re.EventID)
		dead = append(dead, r.deadLetterLocked(re, ReasonMaxAttempts))
	} else {
		re.NotBefore = now.Add(time.Duration(re.Attempts) * r.cfg.RetryDelay)
		dead = r.pushLocked(re, true)
	}
	r.mu.Unlock()

	r.hub.Warn(telemetry.EngineReconcile, "reaction_dispatch_failed", re.TraceID, map[string]any{
		"event_id": re.EventID,
		"attempts": re.Attempts,
		"error":    lastErr.Error(),
	})
	r.signalDead(dead)
	return false
}

// callListener runs fn, turning a panic into an error.
func callListener(ctx context.Context, fn Listener, vi VisualIntent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panicked: %v", p)
		}
	}()
	return fn(ctx, vi)
}

// Pending returns queued reactions, highest priority first.
func (r *Reconciler) Pending() []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

func (r *Reconciler) pendingLocked() []Reaction {
	var out []Reaction
	for _, q := range r.queues {
		for n := q.Len(); n > 0; n-- {
			v, _ := q.PopFront()
			out = append(out, v.(Reaction))
			q.PushBack(v)
		}
	}
	return out
}

// DeadLetters returns the dead-letter queue, oldest first.
func (r *Reconciler) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadLettersLocked()
}

func (r *Reconciler) deadLettersLocked() []DeadLetter {
	out := make([]DeadLetter, 0, r.dead.Len())
	for n := r.dead.Len(); n > 0; n-- {
		v, _ := r.dead.PopFront()
		out = append(out, v.(DeadLetter))
		r.dead.PushBack(v)
	}
	return out
}

// Executed reports whether eventID is in the execution log: dispatched, or
// pushed out of a full dead-letter queue.
func (r *Reconciler) Executed(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executed.Contains(eventID)
}

// Clear drops every queue, the execution log and the dead letters.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.queues {
		r.queues[i] = deque.New()
	}
	r.queued = make(map[string]struct{})
	r.executed.Purge()
	r.dead = deque.New()
	r.deadIDs = make(map[string]struct{})
}

// Start restores persisted state and runs the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running {
		return nil
	}

	if err := r.restore(ctx); err != nil {
		r.logger.Error("reconcile restore failed", "error", err)
		r.hub.Error(telemetry.EngineReconcile, "restore_failed", "", map[string]any{
			"error": err.Error(),
		})
	}

	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.loop(ctx, r.stop)
	return nil
}

// Stop ends the loop and persists pending reactions and dead letters.
func (r *Reconciler) Stop() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running {
		close(r.stop)
		r.wg.Wait()
		r.running = false
	}
	return r.persist(context.Background())
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}) {
	defer r.wg.Done()

	// The ticker only runs while visible. Hiding stops it; showing re-arms
	// it and runs a pass straight away.
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	defer r.ticking.Store(false)
	r.ticking.Store(true)
	if !r.Visible() {
		ticker.Stop()
		r.ticking.Store(false)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-r.kick:
			if !r.Visible() {
				ticker.Stop()
				r.ticking.Store(false)
				continue
			}
			ticker.Reset(r.cfg.Interval)
			r.ticking.Store(true)
			r.Reconcile(ctx)
		}
	}
}

// listenerSet is a cancelable set of listeners.
type listenerSet struct {
	mu     sync.RWMutex
	fns    map[int]Listener
	nextID int
}

func (s *listenerSet) add(fn Listener) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]Listener)
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.fns[id])
	}
	return out
}
