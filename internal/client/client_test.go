package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/config"
	"github.com/roach88/tabsync/internal/congestion"
	"github.com/roach88/tabsync/internal/integrity"
	"github.com/roach88/tabsync/internal/reconcile"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ClientID = "web"
	cfg.Dev = true
	cfg.StorePath = filepath.Join(t.TempDir(), "tabsync.db")
	cfg.Broadcast.Driver = config.DriverNone
	return cfg
}

func quietDeps() Deps {
	return Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestClient(t *testing.T, cfg config.Config, deps Deps) *Client {
	t.Helper()
	c, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c
}

func chatEvent(id, conversation string) RawEvent {
	payload, _ := json.Marshal(reconcile.ChatMessage{ConversationID: conversation, SenderID: "u2", Preview: "hola"})
	return RawEvent{EventID: id, Type: reconcile.TypeChatMessage, Domain: "chat", Payload: payload}
}

func badgeEvent(id, user, badge string) RawEvent {
	payload, _ := json.Marshal(reconcile.BadgeEarned{UserID: user, BadgeID: badge, Name: "first post"})
	return RawEvent{EventID: id, Type: reconcile.TypeBadgeEarned, Payload: payload}
}

// countingApply counts applications per event ID.
type countingApply struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (a *countingApply) apply(_ context.Context, ev RawEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[ev.EventID]++
	return a.err
}

func (a *countingApply) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

// renderTrace prints signals one per line without IDs or timestamps.
func renderTrace(signals []telemetry.Signal) []byte {
	var b strings.Builder
	for _, s := range signals {
		fmt.Fprintf(&b, "%s.%s %s", s.Engine, s.Name, s.Severity)
		keys := make([]string, 0, len(s.Payload))
		for k := range s.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, s.Payload[k])
		}
		if s.TraceID != "" {
			fmt.Fprintf(&b, " trace=%s", s.TraceID)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ClientID = ""
	_, err := New(cfg, quietDeps())
	var ve *config.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestApply_ScenarioA_Golden(t *testing.T) {
	cfg := testConfig(t)
	c := newTestClient(t, cfg, quietDeps())
	rec := telemetry.NewRecorder(c.Hub())
	defer rec.Close()

	var shown []string
	c.Reconciler().OnVisualIntent(func(_ context.Context, vi reconcile.VisualIntent) error {
		shown = append(shown, vi.Reaction.EventID)
		return nil
	})
	c.SetRoute("/mensajes/c2")

	ctx := context.Background()
	ev := chatEvent("evt_1", "c1")
	ev.TraceID = "trace-a"
	apply := &countingApply{}

	applied, err := c.Apply(ctx, ev, apply.apply)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, c.Reconciler().Reconcile(ctx))

	applied, err = c.Apply(ctx, ev, apply.apply)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, c.Reconciler().Reconcile(ctx))

	assert.Equal(t, 1, apply.count("evt_1"))
	assert.Equal(t, []string{"evt_1"}, shown)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "scenario_a", renderTrace(rec.Signals()))
}

func TestApply_EchoSuppressed(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	apply := &countingApply{}

	ev := chatEvent("evt_1", "c1")
	ev.OriginClientID = "web"
	applied, err := c.Apply(context.Background(), ev, apply.apply)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, apply.count("evt_1"))
	assert.False(t, c.Ledger().IsApplied("evt_1"))
}

func TestApply_FailedApplyIsNotRecorded(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	apply := &countingApply{err: errors.New("reducer exploded")}
	ctx := context.Background()

	applied, err := c.Apply(ctx, chatEvent("evt_1", "c1"), apply.apply)
	require.Error(t, err)
	assert.False(t, applied)
	assert.False(t, c.Ledger().IsApplied("evt_1"))
	assert.Empty(t, c.Reconciler().Pending())

	apply.err = nil
	applied, err = c.Apply(ctx, chatEvent("evt_1", "c1"), apply.apply)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, apply.count("evt_1"))
}

func TestApply_BadgeAwardedOnce(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	apply := &countingApply{}
	ctx := context.Background()

	applied, err := c.Apply(ctx, badgeEvent("evt_1", "u1", "b1"), apply.apply)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, c.Ledger().IsBadgeProcessed("u1", "b1"))

	applied, err = c.Apply(ctx, badgeEvent("evt_2", "u1", "b1"), apply.apply)
	require.NoError(t, err)
	assert.False(t, applied, "same badge under a new event id")
	assert.Zero(t, apply.count("evt_2"))
	assert.Len(t, c.Reconciler().Pending(), 1)
}

func TestApply_EventWithoutReaction(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())

	applied, err := c.Apply(context.Background(), RawEvent{EventID: "evt_1", Type: "PROFILE_UPDATED"}, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, c.Ledger().IsApplied("evt_1"))
	assert.Empty(t, c.Reconciler().Pending())
}

// blockingApply holds the first call open until release is closed.
type blockingApply struct {
	countingApply
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingApply() *blockingApply {
	return &blockingApply{entered: make(chan struct{}), release: make(chan struct{})}
}

func (a *blockingApply) apply(ctx context.Context, ev RawEvent) error {
	err := a.countingApply.apply(ctx, ev)
	a.once.Do(func() {
		close(a.entered)
		<-a.release
	})
	return err
}

func TestApply_ConcurrentDeliveryAppliesOnce(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	ctx := context.Background()
	apply := newBlockingApply()

	type result struct {
		applied bool
		err     error
	}
	first := make(chan result, 1)
	go func() {
		applied, err := c.Apply(ctx, chatEvent("evt_race", "c1"), apply.apply)
		first <- result{applied, err}
	}()
	<-apply.entered

	applied, err := c.Apply(ctx, chatEvent("evt_race", "c1"), apply.apply)
	require.NoError(t, err)
	assert.False(t, applied, "same event while the first delivery is applying")

	close(apply.release)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.applied)
	assert.Equal(t, 1, apply.count("evt_race"))

	applied, err = c.Apply(ctx, chatEvent("evt_race", "c1"), apply.apply)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, apply.count("evt_race"))
}

func TestApply_ConcurrentBadgeAwardedOnce(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	ctx := context.Background()
	apply := newBlockingApply()

	first := make(chan error, 1)
	go func() {
		_, err := c.Apply(ctx, badgeEvent("evt_1", "u1", "b1"), apply.apply)
		first <- err
	}()
	<-apply.entered

	applied, err := c.Apply(ctx, badgeEvent("evt_2", "u1", "b1"), apply.apply)
	require.NoError(t, err)
	assert.False(t, applied, "same badge under another event id")

	close(apply.release)
	require.NoError(t, <-first)
	assert.Equal(t, 1, apply.count("evt_1"))
	assert.Zero(t, apply.count("evt_2"))
	assert.True(t, c.Ledger().IsBadgeProcessed("u1", "b1"))
}

func TestApply_FailedApplyReleasesClaim(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	ctx := context.Background()

	_, err := c.Apply(ctx, badgeEvent("evt_1", "u1", "b1"), func(context.Context, RawEvent) error {
		return errors.New("reducer exploded")
	})
	require.Error(t, err)

	apply := &countingApply{}
	applied, err := c.Apply(ctx, badgeEvent("evt_1", "u1", "b1"), apply.apply)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, apply.count("evt_1"))
}

func TestStartStop_LedgerSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := New(cfg, quietDeps())
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	first.SetRoute("/mensajes/c1")
	applied, err := first.Apply(ctx, chatEvent("evt_1", "c1"), nil)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, first.Stop())

	second := newTestClient(t, cfg, quietDeps())
	second.SetRoute("/mensajes/c1")
	require.NoError(t, second.Start(ctx))

	assert.True(t, second.Ledger().IsApplied("evt_1"))
	applied, err = second.Apply(ctx, chatEvent("evt_1", "c1"), nil)
	require.NoError(t, err)
	assert.False(t, applied)

	pending := second.Reconciler().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "evt_1", pending[0].EventID)
}

func TestStop_Idempotent(t *testing.T) {
	c, err := New(testConfig(t), quietDeps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Error(t, c.Start(context.Background()))
}

func TestCrossProcess_PeerRecordSuppressesApply(t *testing.T) {
	bus := broadcast.NewBus()
	ctx := context.Background()

	depsA := quietDeps()
	depsA.InstanceID = "tab-a"
	depsA.Medium = bus.Endpoint("tab-a")
	a := newTestClient(t, testConfig(t), depsA)

	depsB := quietDeps()
	depsB.InstanceID = "tab-b"
	depsB.Medium = bus.Endpoint("tab-b")
	b := newTestClient(t, testConfig(t), depsB)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	applied, err := a.Apply(ctx, chatEvent("evt_1", "c1"), nil)
	require.NoError(t, err)
	require.True(t, applied)

	require.Eventually(t, func() bool { return b.Ledger().IsApplied("evt_1") }, 2*time.Second, 5*time.Millisecond)

	apply := &countingApply{}
	applied, err = b.Apply(ctx, chatEvent("evt_1", "c1"), apply.apply)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, apply.count("evt_1"))
}

func TestMutate_RateLimitThenRecover(t *testing.T) {
	cfg := testConfig(t)
	cfg.Congestion.BackoffBase = 200 * time.Millisecond
	cfg.Congestion.BackoffMax = 400 * time.Millisecond
	c := newTestClient(t, cfg, quietDeps())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	err := c.Mutate(ctx, "send_message", func(context.Context) error {
		return congestion.ErrRateLimited
	})
	require.ErrorIs(t, err, congestion.ErrRateLimited)
	assert.Equal(t, congestion.HealthRateLimited, c.Congestion().Health())

	ran := false
	require.NoError(t, c.Mutate(ctx, "send_message", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, congestion.HealthHealthy, c.Congestion().Health())
}

type decisionLog struct {
	mu        sync.Mutex
	decisions []integrity.Decision
}

func (l *decisionLog) Execute(_ context.Context, d integrity.Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d)
	return nil
}

func (l *decisionLog) has(kind integrity.DecisionKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.decisions {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func TestStorageCorruption_StartsHealing(t *testing.T) {
	log := &decisionLog{}
	deps := quietDeps()
	deps.Executor = log
	c := newTestClient(t, testConfig(t), deps)
	ctx := context.Background()

	_, err := c.Store().PutVersioned(ctx, "profile:me", []byte(`{"name":"x"}`))
	require.NoError(t, err)
	_, err = c.Store().DB().Exec(`UPDATE versioned_kv SET value = ? WHERE key = ?`, []byte(`{"name":"y"}`), "profile:me")
	require.NoError(t, err)

	_, err = c.Store().GetVersioned(ctx, "profile:me")
	require.ErrorIs(t, err, store.ErrCorrupt)

	require.Eventually(t, func() bool { return log.has(integrity.FullInvalidate) }, 2*time.Second, 5*time.Millisecond)
	c.Supervisor().WaitHealing()
	assert.Equal(t, integrity.StateHealthy, c.Supervisor().State())
}

func TestCriticalSignal_MarksDataSuspect(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())

	var mu sync.Mutex
	var transitions []integrity.Transition
	c.Supervisor().OnStateChange(func(tr integrity.Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	c.Hub().Critical(telemetry.EngineClient, "renderer_crashed", "", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, integrity.StateSuspect, transitions[0].To)
	assert.Equal(t, "client.renderer_crashed", transitions[0].Reason)
}

// suspectReasons records the reasons of transitions into DATA_SUSPECT.
func suspectReasons(c *Client) func() []string {
	var mu sync.Mutex
	var reasons []string
	c.Supervisor().OnStateChange(func(tr integrity.Transition) {
		if tr.To != integrity.StateSuspect {
			return
		}
		mu.Lock()
		reasons = append(reasons, tr.Reason)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), reasons...)
	}
}

func TestWriteBehindDrop_MarksDataSuspect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.WriteBehindSize = 1
	// Not started: nothing drains the write-behind log.
	c := newTestClient(t, cfg, quietDeps())
	reasons := suspectReasons(c)
	ctx := context.Background()

	_, err := c.Apply(ctx, RawEvent{EventID: "evt_1", Type: "PROFILE_UPDATED"}, nil)
	require.NoError(t, err)
	assert.Empty(t, reasons())

	applied, err := c.Apply(ctx, RawEvent{EventID: "evt_2", Type: "PROFILE_UPDATED"}, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"ledger.persist_dropped"}, reasons())
	assert.Equal(t, integrity.StateSuspect, c.Supervisor().State())
}

func TestDeadLetterOverflow_MarksDataSuspect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconcile.QueueCapacity = 1
	cfg.Reconcile.DeadLetterCapacity = 1
	c := newTestClient(t, cfg, quietDeps())
	reasons := suspectReasons(c)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		applied, err := c.Apply(ctx, RawEvent{EventID: id, Type: reconcile.TypeNotification}, nil)
		require.NoError(t, err)
		require.True(t, applied)
	}

	assert.Equal(t, []string{"reconcile.dead_letter_overflow"}, reasons())
}

func TestSetVisible_ForwardsToEngines(t *testing.T) {
	c := newTestClient(t, testConfig(t), quietDeps())
	ctx := context.Background()

	c.SetVisible(ctx, false)
	assert.False(t, c.Reconciler().Visible())
	assert.True(t, c.Supervisor().Paused())

	c.SetVisible(ctx, true)
	assert.True(t, c.Reconciler().Visible())
	assert.False(t, c.Supervisor().Paused())
}

func TestMetrics_CountSignals(t *testing.T) {
	reg := prometheus.NewRegistry()
	deps := quietDeps()
	deps.Registry = reg
	c := newTestClient(t, testConfig(t), deps)

	_, err := c.Apply(context.Background(), chatEvent("evt_1", "c1"), nil)
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(reg, "tabsync_signals_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2, "ledger and reconcile series")
}
