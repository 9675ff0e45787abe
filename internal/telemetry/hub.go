package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity orders signals from verbose to actionable.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) slogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Engine names used as Signal.Engine.
const (
	EngineLedger     = "ledger"
	EngineCongestion = "congestion"
	EngineIntegrity  = "integrity"
	EngineReconcile  = "reconcile"
	EngineClient     = "client"
)

// Signal is one structured observation.
type Signal struct {
	Engine     string         `json:"engine"`
	Name       string         `json:"name"`
	Severity   Severity       `json:"severity"`
	Payload    map[string]any `json:"payload,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id"`
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Subscriber receives delivered signals.
type Subscriber func(Signal)

// Options configures a Hub.
type Options struct {
	// InstanceID identifies this process. Generated when empty.
	InstanceID string

	// Dev enables delivery of debug and info signals.
	Dev bool

	// Logger mirrors every delivered signal. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the wall clock (tests).
	Now func() time.Time
}

// Hub fans signals out to subscribers.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	instanceID string
	dev        bool
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

// NewHub creates a hub with the given options.
func NewHub(opts Options) *Hub {
	if opts.InstanceID == "" {
		opts.InstanceID = NewID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		instanceID: opts.InstanceID,
		dev:        opts.Dev,
		logger:     opts.Logger,
		now:        opts.Now,
		subs:       make(map[int]Subscriber),
	}
}

// NewID returns a time-sortable UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTraceID starts a trace that correlates signals across engines.
func NewTraceID() string { return NewID() }

// NewSpanID identifies one emitted signal.
func NewSpanID() string { return NewID() }

// InstanceID returns the identifier of this process.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Dev reports whether verbose signals are delivered.
func (h *Hub) Dev() bool {
	return h.dev
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn Subscriber) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Emit stamps and delivers a signal. Returns the signal as delivered,
// and false if it was suppressed by the severity filter.
func (h *Hub) Emit(s Signal) (Signal, bool) {
	if !h.dev && s.Severity < SeverityWarn {
		return s, false
	}
	if s.SpanID == "" {
		s.SpanID = NewSpanID()
	}
	s.InstanceID = h.instanceID
	if s.Timestamp.IsZero() {
		s.Timestamp = h.now()
	}

	h.log(s)

	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(s)
	}
	return s, true
}

// Debug, Info, Warn, Error and Critical are shorthands for Emit.
func (h *Hub) Debug(engine, name, traceID string, payload map[string]any) {
	h.Emit(Signal{Engine: engine, Name: name, Severity: SeverityDebug, TraceID: traceID, Payload: payload})
}

func (h *Hub) Info(engine, name, traceID string, payload map[string]any) {
	h.Emit(Signal{Engine: engine, Name: name, Severity: SeverityInfo, TraceID: traceID, Payload: payload})
}

func (h *Hub) Warn(engine, name, traceID string, payload map[string]any) {
	h.Emit(Signal{Engine: engine, Name: name, Severity: SeverityWarn, TraceID: traceID, Payload: payload})
}

func (h *Hub) Error(engine, name, traceID string, payload map[string]any) {
	h.Emit(Signal{Engine: engine, Name: name, Severity: SeverityError, TraceID: traceID, Payload: payload})
}

func (h *Hub) Critical(engine, name, traceID string, payload map[string]any) {
	h.Emit(Signal{Engine: engine, Name: name, Severity: SeverityCritical, TraceID: traceID, Payload: payload})
}

func (h *Hub) log(s Signal) {
	level := s.Severity.slogLevel()
	if !h.logger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]any, 0, 8+2*len(s.Payload))
	attrs = append(attrs,
		"engine", s.Engine,
		"signal", s.Name,
		"span_id", s.SpanID,
		"instance_id", s.InstanceID,
	)
	if s.TraceID != "" {
		attrs = append(attrs, "trace_id", s.TraceID)
	}
	keys := make([]string, 0, len(s.Payload))
	for k := range s.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, s.Payload[k])
	}
	h.logger.Log(context.Background(), level, "telemetry signal", attrs...)
}

// Nop returns a hub that only delivers warn and above to slog.Default.
// Useful as a default when a component is built without a hub.
func Nop() *Hub {
	return NewHub(Options{})
}
