package integrity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/telemetry"
	"github.com/roach88/tabsync/internal/testutil"
)

// recordingExecutor captures decisions. A non-nil block channel makes every
// FULL_INVALIDATE wait on it, ignoring the context.
type recordingExecutor struct {
	mu        sync.Mutex
	decisions []Decision
	fail      map[DecisionKind]error
	block     chan struct{}
}

func (e *recordingExecutor) Execute(_ context.Context, d Decision) error {
	e.mu.Lock()
	e.decisions = append(e.decisions, d)
	err := e.fail[d.Kind]
	block := e.block
	e.mu.Unlock()

	if block != nil && d.Kind == FullInvalidate {
		<-block
	}
	return err
}

func (e *recordingExecutor) all() []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Decision(nil), e.decisions...)
}

func (e *recordingExecutor) reset() {
	e.mu.Lock()
	e.decisions = nil
	e.mu.Unlock()
}

func testThresholds() map[string]time.Duration {
	return map[string]time.Duration{
		"feed":    2 * time.Minute,
		"profile": 5 * time.Minute,
	}
}

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *recordingExecutor, *testutil.ManualClock) {
	t.Helper()
	if cfg.Thresholds == nil {
		cfg.Thresholds = testThresholds()
	}
	exec := &recordingExecutor{}
	clock := testutil.NewManualClock(time.Time{})
	s := New(cfg,
		WithExecutor(exec),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(s.Stop)
	return s, exec, clock
}

func kinds(ds []Decision) []DecisionKind {
	out := make([]DecisionKind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "feed", Family("feed:home"))
	assert.Equal(t, "feed", Family("/feed/home"))
	assert.Equal(t, "profile", Family("profile"))
	assert.Equal(t, "", Family(""))
}

func TestTrackQuery_OnlyThresholdFamilies(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})

	assert.True(t, s.TrackQuery("feed:home"))
	assert.True(t, s.TrackQuery("feed:home"), "tracking twice is fine")
	assert.False(t, s.TrackQuery("drafts:1"), "no threshold, not supervised")

	qs := s.Queries()
	require.Len(t, qs, 1)
	assert.Equal(t, 2*time.Minute, qs[0].Threshold)
	assert.Equal(t, testutil.DefaultEpoch, qs[0].LastFreshAt)
}

func TestTick_StaleThenFresh(t *testing.T) {
	s, exec, clock := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("feed:home")
	s.TrackQuery("profile:me")

	s.Tick(ctx)
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, exec.all())

	clock.Advance(3 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, StateStale, s.State())
	require.Equal(t, []Decision{{Kind: SoftRefetch, QueryKey: "feed:home", Reason: "stale"}}, exec.all())

	s.MarkQueryFresh("feed:home")
	exec.reset()
	s.Tick(ctx)
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, exec.all())
}

func TestQueryError_ThresholdMarksSuspect(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("feed:home")

	s.QueryError(ctx, "feed:home")
	s.QueryError(ctx, "feed:home")
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, exec.all())

	s.QueryError(ctx, "feed:home")
	assert.Equal(t, StateSuspect, s.State())
	assert.Equal(t, []Decision{{Kind: PartialInvalidate, QueryKey: "feed:home", Reason: "error_threshold"}}, exec.all())
	assert.Zero(t, s.Queries()[0].ErrorCount, "count resets at the threshold")

	s.Tick(ctx)
	assert.Equal(t, StateHealthy, s.State(), "clean tick clears suspicion")
}

func TestQueryError_UntrackedIgnored(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	for i := 0; i < 5; i++ {
		s.QueryError(context.Background(), "drafts:1")
	}
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, exec.all())
}

func TestStorageCorrupt_HealsImmediately(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("profile:me")
	s.TrackQuery("feed:home")

	var mu sync.Mutex
	var states []State
	s.OnStateChange(func(tr Transition) {
		mu.Lock()
		states = append(states, tr.To)
		mu.Unlock()
	})

	s.StorageCorrupt(ctx, "checksum mismatch")
	s.WaitHealing()

	mu.Lock()
	assert.Equal(t, []State{StateCorrupt, StateHealing, StateHealthy}, states)
	mu.Unlock()

	decisions := exec.all()
	assert.Equal(t, []DecisionKind{FullInvalidate, PartialInvalidate, PartialInvalidate}, kinds(decisions))
	assert.Equal(t, "feed:home", decisions[1].QueryKey)
	assert.Equal(t, "profile:me", decisions[2].QueryKey)
}

func TestHealing_ErrorEndsSuspect(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	exec.fail = map[DecisionKind]error{FullInvalidate: errors.New("cache offline")}

	s.StorageCorrupt(context.Background(), "checksum mismatch")
	s.WaitHealing()

	assert.Equal(t, StateSuspect, s.State())
}

func TestHealing_TimeoutEndsSuspect(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{HealingTimeout: 20 * time.Millisecond})
	exec.block = make(chan struct{})
	defer close(exec.block)

	s.StorageCorrupt(context.Background(), "checksum mismatch")
	s.WaitHealing()

	assert.Equal(t, StateSuspect, s.State())
}

func TestTick_IgnoredWhileHealing(t *testing.T) {
	s, exec, clock := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("feed:home")
	exec.block = make(chan struct{})

	s.StorageCorrupt(ctx, "checksum mismatch")
	require.Eventually(t, func() bool {
		return len(exec.all()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateHealing, s.State())

	clock.Advance(time.Hour)
	s.Tick(ctx)
	assert.Equal(t, []DecisionKind{FullInvalidate}, kinds(exec.all()), "no refetch during healing")

	close(exec.block)
	s.WaitHealing()
	assert.Equal(t, StateHealthy, s.State())
}

func TestStorageCorrupt_DuringHealingHealsAgain(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	ctx := context.Background()
	block := make(chan struct{})
	exec.block = block

	s.StorageCorrupt(ctx, "first")
	require.Eventually(t, func() bool {
		return len(exec.all()) == 1
	}, time.Second, time.Millisecond)

	s.StorageCorrupt(ctx, "second")
	assert.Equal(t, StateHealing, s.State())

	close(block)
	s.WaitHealing()

	assert.Equal(t, []DecisionKind{FullInvalidate, FullInvalidate}, kinds(exec.all()))
	assert.Equal(t, "storage_corrupt: second", exec.all()[1].Reason)
	assert.Equal(t, StateHealthy, s.State())
}

func TestTransport_DegradedTooLongHeals(t *testing.T) {
	s, exec, clock := newTestSupervisor(t, Config{})
	ctx := context.Background()

	s.TransportHealth(ctx, TransportDegraded)
	clock.Advance(4*time.Minute + 59*time.Second)
	s.Tick(ctx)
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, exec.all())

	clock.Advance(time.Second)
	s.Tick(ctx)
	s.WaitHealing()
	assert.Equal(t, []DecisionKind{FullInvalidate}, kinds(exec.all()))
	assert.Equal(t, StateHealthy, s.State())
}

func TestTransport_RecoveryResetsDegradedClock(t *testing.T) {
	s, exec, clock := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("feed:home")

	s.TransportHealth(ctx, TransportDegraded)
	clock.Advance(time.Minute)
	s.TransportHealth(ctx, TransportDisconnected)
	s.TransportHealth(ctx, TransportHealthy)
	assert.Equal(t, []Decision{{Kind: SoftRefetch, QueryKey: "feed:home", Reason: "transport_restored"}}, exec.all())

	s.MarkQueryFresh("feed:home")
	exec.reset()
	clock.Advance(time.Hour)
	s.MarkQueryFresh("feed:home")
	s.Tick(ctx)
	assert.Empty(t, exec.all())
}

func TestLifecycle(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	ctx := context.Background()
	s.TrackQuery("feed:home")
	s.TrackQuery("profile:me")

	s.Lifecycle(ctx, LifecycleSuspended)
	assert.True(t, s.Paused())
	assert.Empty(t, exec.all())

	s.Lifecycle(ctx, LifecycleRunning)
	assert.False(t, s.Paused())
	assert.Empty(t, exec.all())

	s.Lifecycle(ctx, LifecycleSuspended)
	s.Lifecycle(ctx, LifecycleRecovered)
	assert.False(t, s.Paused())
	decisions := exec.all()
	assert.Equal(t, []DecisionKind{SoftRefetch, SoftRefetch}, kinds(decisions))
	assert.Equal(t, "recovered", decisions[0].Reason)
}

func TestLeaderFailover_Reverifies(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	s.TrackQuery("feed:home")

	s.LeaderFailover(context.Background())
	assert.Equal(t, []Decision{{Kind: SoftRefetch, QueryKey: "feed:home", Reason: "leader_failover"}}, exec.all())
	assert.Equal(t, StateHealthy, s.State())
}

func TestTelemetryAnomaly_MarksSuspect(t *testing.T) {
	s, exec, _ := newTestSupervisor(t, Config{})
	s.TrackQuery("feed:home")

	s.TelemetryAnomaly(context.Background(), "ledger persist_dropped")
	assert.Equal(t, StateSuspect, s.State())
	assert.Equal(t, []DecisionKind{SoftRefetch}, kinds(exec.all()))
}

func TestOnDecision_ObserversSeeEveryDecision(t *testing.T) {
	s, _, clock := newTestSupervisor(t, Config{})
	s.TrackQuery("feed:home")

	var seen []Decision
	cancel := s.OnDecision(func(d Decision) { seen = append(seen, d) })

	clock.Advance(3 * time.Minute)
	s.Tick(context.Background())
	require.Len(t, seen, 1)

	cancel()
	s.Tick(context.Background())
	assert.Len(t, seen, 1)
}

func TestDecisionFailure_Signalled(t *testing.T) {
	hub := telemetry.NewHub(telemetry.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := telemetry.NewRecorder(hub)
	defer rec.Close()

	exec := &recordingExecutor{fail: map[DecisionKind]error{SoftRefetch: errors.New("offline")}}
	s := New(Config{Thresholds: testThresholds()},
		WithExecutor(exec),
		WithHub(hub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.TrackQuery("feed:home")

	s.LeaderFailover(context.Background())
	assert.Len(t, rec.Named(telemetry.EngineIntegrity, "decision_failed"), 1)
}

func TestClear(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{})
	s.TrackQuery("feed:home")
	s.TelemetryAnomaly(context.Background(), "x")

	s.Clear()
	assert.Equal(t, StateHealthy, s.State())
	assert.Empty(t, s.Queries())
}

func TestStart_TickLoopRuns(t *testing.T) {
	exec := &recordingExecutor{}
	s := New(Config{
		TickInterval: 5 * time.Millisecond,
		Thresholds:   map[string]time.Duration{"feed": time.Millisecond},
	}, WithExecutor(exec), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.TrackQuery("feed:home")

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(exec.all()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, SoftRefetch, exec.all()[0].Kind)
}

func TestStart_SuspendedLoopIdles(t *testing.T) {
	exec := &recordingExecutor{}
	s := New(Config{
		TickInterval: 5 * time.Millisecond,
		Thresholds:   map[string]time.Duration{"feed": time.Millisecond},
	}, WithExecutor(exec), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.TrackQuery("feed:home")
	s.Lifecycle(context.Background(), LifecycleSuspended)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return !s.ticking.Load() }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.all())

	s.Lifecycle(context.Background(), LifecycleRunning)
	require.Eventually(t, s.ticking.Load, 2*time.Second, time.Millisecond, "resume re-arms the ticker")
	require.Eventually(t, func() bool { return len(exec.all()) > 0 }, 2*time.Second, 5*time.Millisecond)

	s.Lifecycle(context.Background(), LifecycleSuspended)
	require.Eventually(t, func() bool { return !s.ticking.Load() }, 2*time.Second, time.Millisecond)
	s.Stop()
}

func TestStorageCorrupt_SignalledCritical(t *testing.T) {
	// Not a dev hub: critical signals are delivered regardless.
	hub := telemetry.NewHub(telemetry.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := telemetry.NewRecorder(hub)
	defer rec.Close()

	s := New(Config{Thresholds: testThresholds()},
		WithExecutor(&recordingExecutor{}),
		WithHub(hub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(s.Stop)

	s.StorageCorrupt(context.Background(), "checksum mismatch")
	s.WaitHealing()

	corrupt := rec.Named(telemetry.EngineIntegrity, "storage_corrupt")
	require.Len(t, corrupt, 1)
	assert.Equal(t, telemetry.SeverityCritical, corrupt[0].Severity)
	assert.Equal(t, "checksum mismatch", corrupt[0].Payload["reason"])
}
