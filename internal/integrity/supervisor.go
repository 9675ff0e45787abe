// Package integrity supervises the freshness and consistency of locally
// cached query results.
//
// The Supervisor is a state machine fed by lifecycle, transport, query and
// storage observations. It never touches the cache itself: it emits
// Decisions, which an Executor carries out. Healing is the one bounded,
// non-reentrant recovery procedure; it is the only operation in the system
// that is forcibly cancelled (by its timeout).
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tabsync/internal/telemetry"
)

// Defaults.
const (
	DefaultTickInterval      = 60 * time.Second
	DefaultHealingTimeout    = 30 * time.Second
	DefaultErrorThreshold    = 3
	DefaultDegradedThreshold = 30 * time.Second
	DefaultDegradedFactor    = 10
)

// Config holds supervisor tunables.
type Config struct {
	TickInterval   time.Duration
	HealingTimeout time.Duration
	ErrorThreshold int

	// DegradedThreshold times DegradedFactor is how long the transport may
	// stay DEGRADED before healing is forced.
	DegradedThreshold time.Duration
	DegradedFactor    int

	// Thresholds maps query family to staleness threshold. Families absent
	// or zero here are not supervised.
	Thresholds map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HealingTimeout <= 0 {
		c.HealingTimeout = DefaultHealingTimeout
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	if c.DegradedFactor <= 0 {
		c.DegradedFactor = DefaultDegradedFactor
	}
	return c
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithExecutor sets the decision executor.
func WithExecutor(e Executor) Option {
	return func(s *Supervisor) { s.exec = e }
}

// WithHub sets the telemetry hub.
func WithHub(h *telemetry.Hub) Option {
	return func(s *Supervisor) { s.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor is the data integrity state machine.
//
// Thread-safety: all methods are safe for concurrent use. Observers and the
// executor are called without the lock held.
type Supervisor struct {
	cfg    Config
	exec   Executor
	hub    *telemetry.Hub
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	queries       map[string]*TrackedQuery
	transport     Transport
	degradedSince time.Time
	paused        bool
	healing       bool
	rehealReason  string

	decisions   listeners[Decision]
	transitions listeners[Transition]

	healWG sync.WaitGroup

	pauseChanged chan struct{}
	ticking      atomic.Bool // loop ticker armed

	lifeMu  sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor in DATA_HEALTHY.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		state:     StateHealthy,
		queries:   make(map[string]*TrackedQuery),
		transport: TransportHealthy,

		pauseChanged: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = telemetry.Nop()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.exec == nil {
		s.exec = logExecutor{logger: s.logger}
	}
	return s
}

// effects are the outward consequences of one input, applied after the lock
// is released.
type effects struct {
	transitions []Transition
	decisions   []Decision
	heal        string // non-empty starts healing with this reason
}

func (e *effects) decide(d Decision) {
	e.decisions = append(e.decisions, d)
}

// setStateLocked records a transition. Must hold s.mu.
func (s *Supervisor) setStateLocked(eff *effects, to State, reason string) {
	if s.state == to {
		return
	}
	eff.transitions = append(eff.transitions, Transition{From: s.state, To: to, Reason: reason})
	s.state = to
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Paused reports whether the tick loop is suspended.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Queries returns the tracked queries sorted by key.
func (s *Supervisor) Queries() []TrackedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedQuery, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryKey < out[j].QueryKey })
	return out
}

// OnDecision registers fn for every emitted decision.
func (s *Supervisor) OnDecision(fn func(Decision)) (cancel func()) {
	return s.decisions.add(fn)
}

// OnStateChange registers fn for every state transition.
func (s *Supervisor) OnStateChange(fn func(Transition)) (cancel func()) {
	return s.transitions.add(fn)
}

// TrackQuery starts supervising key. Returns false if its family has no
// staleness threshold; such queries are governed by their own expiry.
func (s *Supervisor) TrackQuery(key string) bool {
	threshold := s.cfg.Thresholds[Family(key)]
	if threshold <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[key]; !ok {
		s.queries[key] = &TrackedQuery{
			QueryKey:    key,
			LastFreshAt: s.now(),
			Threshold:   threshold,
		}
	}
	return true
}

// MarkQueryFresh records a successful fetch of key.
func (s *Supervisor) MarkQueryFresh(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[key]; ok {
		q.LastFreshAt = s.now()
		q.ErrorCount = 0
	}
}

// QueryError records a failed fetch. At the error threshold the supervisor
// becomes suspicious and invalidates that query.
func (s *Supervisor) QueryError(ctx context.Context, key string) {
	var eff effects

	s.mu.Lock()
	q, ok := s.queries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	q.ErrorCount++
	if q.ErrorCount >= s.cfg.ErrorThreshold {
		q.ErrorCount = 0
		if !s.healing && s.state != StateCorrupt {
			s.setStateLocked(&eff, StateSuspect, "query_errors")
		}
		eff.decide(Decision{Kind: PartialInvalidate, QueryKey: key, Reason: "error_threshold"})
	}
	s.mu.Unlock()

	s.apply(ctx, eff)
}

// Lifecycle handles a host lifecycle notification.
func (s *Supervisor) Lifecycle(ctx context.Context, ev Lifecycle) {
	var eff effects

	s.mu.Lock()
	was := s.paused
	switch ev {
	case LifecycleSuspended:
		s.paused = true
	case LifecycleRunning:
		s.paused = false
	case LifecycleRecovered:
		s.paused = false
		s.reverifyLocked(&eff, "recovered")
	default:
		s.mu.Unlock()
		s.logger.Warn("integrity ignored unknown lifecycle event", "event", string(ev))
		return
	}
	changed := s.paused != was
	s.mu.Unlock()

	if changed {
		select {
		case s.pauseChanged <- struct{}{}:
		default:
		}
	}

	s.hub.Info(telemetry.EngineIntegrity, "lifecycle", "", map[string]any{
		"event": string(ev),
	})
	s.apply(ctx, eff)
}

// TransportHealth handles a transport health change. Coming back from
// DISCONNECTED re-verifies every tracked query.
func (s *Supervisor) TransportHealth(ctx context.Context, status Transport) {
	var eff effects

	s.mu.Lock()
	prev := s.transport
	s.transport = status
	switch status {
	case TransportHealthy:
		s.degradedSince = time.Time{}
		if prev == TransportDisconnected {
			s.reverifyLocked(&eff, "transport_restored")
		}
	case TransportDegraded:
		if s.degradedSince.IsZero() {
			s.degradedSince = s.now()
		}
	case TransportDisconnected:
		// Degraded time keeps accruing across a disconnect.
	}
	s.mu.Unlock()

	if prev != status {
		s.hub.Info(telemetry.EngineIntegrity, "transport_changed", "", map[string]any{
			"from": string(prev),
			"to":   string(status),
		})
	}
	s.apply(ctx, eff)
}

// StorageCorrupt reports a checksum mismatch in local storage. It is the
// only way into DATA_CORRUPT, and always starts healing.
func (s *Supervisor) StorageCorrupt(ctx context.Context, reason string) {
	var eff effects

	s.mu.Lock()
	if s.healing {
		// Heal again once the current run finishes.
		s.rehealReason = reason
		s.mu.Unlock()
		s.hub.Critical(telemetry.EngineIntegrity, "corruption_during_healing", "", map[string]any{
			"reason": reason,
		})
		return
	}
	s.setStateLocked(&eff, StateCorrupt, reason)
	eff.heal = "storage_corrupt: " + reason
	s.mu.Unlock()

	s.hub.Critical(telemetry.EngineIntegrity, "storage_corrupt", "", map[string]any{
		"reason": reason,
	})
	s.apply(ctx, eff)
}

// LeaderFailover re-verifies every tracked query, as after a recovery.
func (s *Supervisor) LeaderFailover(ctx context.Context) {
	var eff effects
	s.mu.Lock()
	s.reverifyLocked(&eff, "leader_failover")
	s.mu.Unlock()
	s.apply(ctx, eff)
}

// TelemetryAnomaly marks data suspect and re-verifies it.
func (s *Supervisor) TelemetryAnomaly(ctx context.Context, reason string) {
	var eff effects

	s.mu.Lock()
	if s.healing || s.state == StateCorrupt {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(&eff, StateSuspect, reason)
	s.reverifyLocked(&eff, "telemetry_anomaly")
	s.mu.Unlock()

	s.apply(ctx, eff)
}

// Tick runs one supervision pass. Ignored while healing.
func (s *Supervisor) Tick(ctx context.Context) {
	var eff effects

	s.mu.Lock()
	if s.healing {
		s.mu.Unlock()
		return
	}
	now := s.now()

	if !s.degradedSince.IsZero() && s.transport != TransportHealthy {
		limit := s.cfg.DegradedThreshold * time.Duration(s.cfg.DegradedFactor)
		if now.Sub(s.degradedSince) >= limit {
			s.degradedSince = time.Time{}
			eff.heal = "transport_degraded"
			s.mu.Unlock()
			s.apply(ctx, eff)
			return
		}
	}

	var stale []string
	for key, q := range s.queries {
		if now.Sub(q.LastFreshAt) > q.Threshold {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)

	if len(stale) > 0 {
		s.setStateLocked(&eff, StateStale, "stale_queries")
		for _, key := range stale {
			eff.decide(Decision{Kind: SoftRefetch, QueryKey: key, Reason: "stale"})
		}
	} else if s.state == StateStale || s.state == StateSuspect {
		s.setStateLocked(&eff, StateHealthy, "clean_tick")
	}
	s.mu.Unlock()

	s.apply(ctx, eff)
}

// reverifyLocked emits a soft refetch for every tracked query. Must hold s.mu.
func (s *Supervisor) reverifyLocked(eff *effects, reason string) {
	keys := make([]string, 0, len(s.queries))
	for key := range s.queries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		eff.decide(Decision{Kind: SoftRefetch, QueryKey: key, Reason: reason})
	}
}

// apply publishes transitions, runs decisions and starts healing.
func (s *Supervisor) apply(ctx context.Context, eff effects) {
	for _, tr := range eff.transitions {
		s.announce(tr)
	}
	for _, d := range eff.decisions {
		if err := s.execute(ctx, d); err != nil {
			s.logger.Warn("integrity decision failed",
				"kind", string(d.Kind),
				"query_key", d.QueryKey,
				"error", err)
			s.hub.Warn(telemetry.EngineIntegrity, "decision_failed", "", map[string]any{
				"kind":      string(d.Kind),
				"query_key": d.QueryKey,
				"error":     err.Error(),
			})
		}
	}
	if eff.heal != "" {
		s.heal(eff.heal)
	}
}

func (s *Supervisor) announce(tr Transition) {
	s.logger.Debug("integrity state changed",
		"from", string(tr.From),
		"to", string(tr.To),
		"reason", tr.Reason)
	s.hub.Info(telemetry.EngineIntegrity, "state_changed", "", map[string]any{
		"from":   string(tr.From),
		"to":     string(tr.To),
		"reason": tr.Reason,
	})
	s.transitions.notify(tr)
}

func (s *Supervisor) execute(ctx context.Context, d Decision) error {
	payload := map[string]any{
		"kind":   string(d.Kind),
		"reason": d.Reason,
	}
	if d.QueryKey != "" {
		payload["query_key"] = d.QueryKey
	}
	s.hub.Info(telemetry.EngineIntegrity, "decision", "", payload)
	s.decisions.notify(d)
	return s.exec.Execute(ctx, d)
}

// heal starts the healing procedure unless one is already running.
func (s *Supervisor) heal(reason string) {
	var eff effects

	s.mu.Lock()
	if s.healing {
		s.mu.Unlock()
		return
	}
	s.healing = true
	s.setStateLocked(&eff, StateHealing, reason)
	keys := make([]string, 0, len(s.queries))
	for key := range s.queries {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	for _, tr := range eff.transitions {
		s.announce(tr)
	}
	s.hub.Warn(telemetry.EngineIntegrity, "healing_started", "", map[string]any{
		"reason": reason,
	})

	s.healWG.Add(1)
	go func() {
		defer s.healWG.Done()
		s.runHealing(reason, keys)
	}()
}

func (s *Supervisor) runHealing(reason string, keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealingTimeout)
	defer cancel()

	decisions := make([]Decision, 0, len(keys)+1)
	decisions = append(decisions, Decision{Kind: FullInvalidate, Reason: reason})
	for _, key := range keys {
		decisions = append(decisions, Decision{Kind: PartialInvalidate, QueryKey: key, Reason: "healing"})
	}

	done := make(chan error, 1)
	go func() {
		for _, d := range decisions {
			if err := ctx.Err(); err != nil {
				done <- err
				return
			}
			if err := s.execute(ctx, d); err != nil {
				done <- fmt.Errorf("%s %s: %w", d.Kind, d.QueryKey, err)
				return
			}
		}
		done <- nil
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	var eff effects
	s.mu.Lock()
	s.healing = false
	if err == nil {
		now := s.now()
		for _, q := range s.queries {
			q.LastFreshAt = now
			q.ErrorCount = 0
		}
		s.setStateLocked(&eff, StateHealthy, "healing_completed")
	} else {
		s.setStateLocked(&eff, StateSuspect, "healing_failed")
	}
	reheal := s.rehealReason
	s.rehealReason = ""
	if reheal != "" {
		s.setStateLocked(&eff, StateCorrupt, reheal)
		eff.heal = "storage_corrupt: " + reheal
	}
	s.mu.Unlock()

	if err == nil {
		s.hub.Info(telemetry.EngineIntegrity, "healing_completed", "", map[string]any{
			"reason":  reason,
			"queries": len(keys),
		})
	} else {
		s.logger.Error("integrity healing failed", "reason", reason, "error", err)
		s.hub.Error(telemetry.EngineIntegrity, "healing_failed", "", map[string]any{
			"reason": reason,
			"error":  err.Error(),
		})
	}
	s.apply(context.Background(), eff)
}

// WaitHealing blocks until no healing run is in progress.
func (s *Supervisor) WaitHealing() {
	s.healWG.Wait()
}

// Start runs the tick loop until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx, s.stop)
}

// Stop ends the tick loop and waits for healing to finish.
func (s *Supervisor) Stop() {
	s.lifeMu.Lock()
	if !s.running {
		s.lifeMu.Unlock()
		s.healWG.Wait()
		return
	}
	close(s.stop)
	s.running = false
	s.lifeMu.Unlock()

	s.wg.Wait()
	s.healWG.Wait()
}

// Clear forgets tracked queries and returns to DATA_HEALTHY.
func (s *Supervisor) Clear() {
	s.mu.Lock()
	s.queries = make(map[string]*TrackedQuery)
	s.state = StateHealthy
	s.transport = TransportHealthy
	s.degradedSince = time.Time{}
	s.rehealReason = ""
	s.mu.Unlock()
}

func (s *Supervisor) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	// Suspension stops the ticker; resuming re-arms it.
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.ticking.Store(false)
	s.ticking.Store(true)
	if s.Paused() {
		ticker.Stop()
		s.ticking.Store(false)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.pauseChanged:
			if s.Paused() {
				ticker.Stop()
				s.ticking.Store(false)
				continue
			}
			ticker.Reset(s.cfg.TickInterval)
			s.ticking.Store(true)
		}
	}
}

// listeners is a cancelable set of callbacks.
type listeners[T any] struct {
	mu     sync.RWMutex
	fns    map[int]func(T)
	nextID int
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.RLock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}
