package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SuppressesVerboseOutsideDev(t *testing.T) {
	hub := NewHub(Options{InstanceID: "tab-1"})
	rec := NewRecorder(hub)
	defer rec.Close()

	hub.Debug(EngineLedger, "noise", "", nil)
	hub.Info(EngineLedger, "noise", "", nil)
	hub.Warn(EngineLedger, "persist_failed", "", nil)

	got := rec.Signals()
	require.Len(t, got, 1)
	assert.Equal(t, "persist_failed", got[0].Name)
	assert.Equal(t, SeverityWarn, got[0].Severity)
}

func TestHub_DevDeliversEverything(t *testing.T) {
	hub := NewHub(Options{InstanceID: "tab-1", Dev: true})
	rec := NewRecorder(hub)
	defer rec.Close()

	hub.Debug(EngineLedger, "a", "", nil)
	hub.Info(EngineLedger, "b", "", nil)
	hub.Critical(EngineIntegrity, "c", "", nil)

	assert.Len(t, rec.Signals(), 3)
}

func TestHub_StampsIdentifiers(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hub := NewHub(Options{InstanceID: "tab-1", Dev: true, Now: func() time.Time { return fixed }})

	s, ok := hub.Emit(Signal{Engine: EngineReconcile, Name: "dispatched", TraceID: "trace-1"})
	require.True(t, ok)
	assert.Equal(t, "tab-1", s.InstanceID)
	assert.Equal(t, "trace-1", s.TraceID)
	assert.NotEmpty(t, s.SpanID)
	assert.Equal(t, fixed, s.Timestamp)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(Options{Dev: true})
	count := 0
	cancel := hub.Subscribe(func(Signal) { count++ })

	hub.Info(EngineClient, "x", "", nil)
	cancel()
	cancel() // idempotent
	hub.Info(EngineClient, "x", "", nil)

	assert.Equal(t, 1, count)
}

func TestHub_GeneratedInstanceID(t *testing.T) {
	a := NewHub(Options{})
	b := NewHub(Options{})
	assert.NotEmpty(t, a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}

func TestMetrics_CountsDeliveredSignals(t *testing.T) {
	hub := NewHub(Options{})
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(hub, reg)
	require.NoError(t, err)
	defer m.Close()

	hub.Warn(EngineLedger, "persist_failed", "", nil)
	hub.Warn(EngineLedger, "persist_failed", "", nil)
	hub.Info(EngineLedger, "suppressed", "", nil)
	hub.Critical(EngineIntegrity, "corrupt", "", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Counter(EngineLedger, SeverityWarn)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Counter(EngineLedger, SeverityInfo)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Counter(EngineIntegrity, SeverityCritical)))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	hub := NewHub(Options{})
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(hub, reg)
	require.NoError(t, err)
	defer m.Close()

	_, err = NewMetrics(hub, reg)
	assert.Error(t, err)
}

func TestRecorder_Named(t *testing.T) {
	hub := NewHub(Options{Dev: true})
	rec := NewRecorder(hub)
	defer rec.Close()

	hub.Info(EngineLedger, "recorded", "", nil)
	hub.Info(EngineReconcile, "recorded", "", nil)
	hub.Info(EngineLedger, "other", "", nil)

	assert.Len(t, rec.Named(EngineLedger, "recorded"), 1)
	rec.Reset()
	assert.Empty(t, rec.Signals())
}
