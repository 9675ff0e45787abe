// Package ledger implements the event authority: the in-process answer to
// "has this event already been applied?".
//
// Decisions are made against memory only. Durable persistence and
// cross-process broadcast happen behind a bounded write-behind log and never
// influence ShouldProcess. Peer processes converge eventually through the
// broadcast medium and, on restart, through hydration from the durable store.
//
// Thread-safety: all Ledger methods are safe for concurrent use.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

// Defaults.
const (
	DefaultCapacity        = 1000
	DefaultTTL             = 24 * time.Hour
	DefaultSweepInterval   = 5 * time.Minute
	DefaultWriteBehindSize = 256
	DefaultRetryDelay      = 250 * time.Millisecond

	// evictFraction of the capacity is dropped when the working set is full.
	evictFraction = 5
)

// ErrEmptyEventID is returned by Record for records without an event ID.
var ErrEmptyEventID = errors.New("ledger: event id is required")

// Record is one applied event.
type Record struct {
	EventID         string    `json:"event_id"`
	Type            string    `json:"type"`
	Domain          string    `json:"domain,omitempty"`
	ServerTimestamp time.Time `json:"server_ts,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
	OriginClientID  string    `json:"origin_client_id,omitempty"`
}

// Persister is the durable side of the ledger. *store.Store implements it.
type Persister interface {
	WriteAuthority(ctx context.Context, row store.AuthorityRow) (bool, error)
	LoadAuthority(ctx context.Context, since time.Time, limit int) ([]store.AuthorityRow, error)
	PurgeAuthorityBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClearAuthority(ctx context.Context) error
}

// Observer is notified about records.
type Observer func(Record)

// Config holds ledger tunables. Zero fields take defaults.
type Config struct {
	Capacity        int
	TTL             time.Duration
	SweepInterval   time.Duration
	WriteBehindSize int
	RetryDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WriteBehindSize <= 0 {
		c.WriteBehindSize = DefaultWriteBehindSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPersister sets the durable store. Without one the ledger is
// memory-only.
func WithPersister(p Persister) Option {
	return func(l *Ledger) { l.persister = p }
}

// WithMedium sets the cross-process broadcast medium.
func WithMedium(m broadcast.Medium) Option {
	return func(l *Ledger) { l.medium = m }
}

// WithHub sets the telemetry hub.
func WithHub(h *telemetry.Hub) Option {
	return func(l *Ledger) { l.hub = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type entry struct {
	rec  Record
	keys []string // secondary keys, rendered
}

// Ledger is the event authority.
type Ledger struct {
	cfg       Config
	persister Persister
	medium    broadcast.Medium
	hub       *telemetry.Hub
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	set     *lru.Cache[string, *entry]
	aliases map[string]string // secondary key -> event ID

	recorded observers
	peers    observers

	writes chan writeJob

	lifeMu      sync.Mutex
	running     bool
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates a ledger. Call Start to hydrate from the persister and begin
// background work.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	cfg = cfg.withDefaults()

	set, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("ledger: create working set: %w", err)
	}

	l := &Ledger{
		cfg:     cfg,
		set:     set,
		aliases: make(map[string]string),
		writes:  make(chan writeJob, cfg.WriteBehindSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.hub == nil {
		l.hub = telemetry.Nop()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// ShouldProcess reports whether the caller should apply the event.
//
// Returns false for an empty event ID, for an echo (the event originated in
// this client), or when the event is already in the working set. Never
// performs I/O.
func (l *Ledger) ShouldProcess(eventID, originClientID, myClientID string) bool {
	if eventID == "" {
		l.logger.Warn("ledger rejected event without id",
			"origin_client_id", originClientID)
		l.hub.Warn(telemetry.EngineLedger, "malformed_event", "", map[string]any{
			"origin_client_id": originClientID,
		})
		return false
	}

	if originClientID != "" && originClientID == myClientID {
		l.hub.Debug(telemetry.EngineLedger, "echo_suppressed", "", map[string]any{
			"event_id": eventID,
		})
		return false
	}

	l.mu.Lock()
	seen := l.set.Contains(eventID)
	l.mu.Unlock()

	if seen {
		l.hub.Debug(telemetry.EngineLedger, "duplicate_suppressed", "", map[string]any{
			"event_id": eventID,
		})
		return false
	}
	return true
}

// Record marks an event as applied.
//
// Idempotent: recording a known event only adds secondary keys it does not
// already carry. A new record is inserted into the working set (evicting the
// oldest fifth when full), handed to the write-behind log for persistence and
// broadcast, and announced to OnRecorded observers.
func (l *Ledger) Record(ctx context.Context, rec Record, secondary ...Key) error {
	if rec.EventID == "" {
		l.hub.Warn(telemetry.EngineLedger, "malformed_event", "", map[string]any{
			"origin_client_id": rec.OriginClientID,
		})
		return ErrEmptyEventID
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = l.now()
	}

	l.mu.Lock()
	if e, ok := l.set.Peek(rec.EventID); ok {
		added := l.addAliasesLocked(e, secondary)
		existing := e.rec
		keys := append([]string(nil), e.keys...)
		l.mu.Unlock()

		if len(added) > 0 {
			l.enqueue(ctx, writeJob{row: toRow(existing, keys)})
		}
		return nil
	}

	evicted := l.makeRoomLocked()
	e := &entry{rec: rec}
	l.addAliasesLocked(e, secondary)
	l.set.Add(rec.EventID, e)
	keys := append([]string(nil), e.keys...)
	l.mu.Unlock()

	if evicted > 0 {
		l.hub.Info(telemetry.EngineLedger, "evicted", "", map[string]any{
			"count":    evicted,
			"capacity": l.cfg.Capacity,
		})
	}

	l.hub.Info(telemetry.EngineLedger, "recorded", "", map[string]any{
		"event_id": rec.EventID,
		"type":     rec.Type,
	})

	l.enqueue(ctx, writeJob{row: toRow(rec, keys)})
	l.recorded.notify(rec)
	return nil
}

// IsApplied reports whether eventID is in the working set.
func (l *Ledger) IsApplied(eventID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.Contains(eventID)
}

// Has reports whether any entry is reachable through key.
func (l *Ledger) Has(key Key) bool {
	if id, ok := key.primaryID(); ok {
		return l.IsApplied(id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.aliases[key.String()]
	return ok && l.set.Contains(id)
}

// IsBadgeProcessed reports whether the badge award has been applied.
func (l *Ledger) IsBadgeProcessed(userID, badgeID string) bool {
	return l.Has(BadgeKey(userID, badgeID))
}

// Len returns the size of the working set.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.Len()
}

// Records returns the working set in insertion order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.set.Keys()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if e, ok := l.set.Peek(id); ok {
			out = append(out, e.rec)
		}
	}
	return out
}

// OnRecorded registers fn for records made in this process.
func (l *Ledger) OnRecorded(fn Observer) (cancel func()) {
	return l.recorded.add(fn)
}

// OnPeerProcessed registers fn for records learned from other processes.
func (l *Ledger) OnPeerProcessed(fn Observer) (cancel func()) {
	return l.peers.add(fn)
}

// Start hydrates the working set from the persister, subscribes to the
// broadcast medium and starts the write-behind and sweep goroutines.
// Hydration failures are logged; the ledger starts empty rather than failing.
func (l *Ledger) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.running {
		return nil
	}

	l.hydrate(ctx)

	if l.medium != nil {
		l.unsubscribe = l.medium.Subscribe(l.onMessage)
	}

	l.stop = make(chan struct{})
	l.running = true
	l.wg.Add(2)
	go l.drain(l.stop)
	go l.sweepLoop(l.stop)
	return nil
}

// Stop ends background work. Writes already in the log are flushed first.
func (l *Ledger) Stop() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if !l.running {
		return
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	close(l.stop)
	l.wg.Wait()
	l.running = false
}

// Clear empties the working set and the durable ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.set.Purge()
	l.aliases = make(map[string]string)
	l.mu.Unlock()

	if l.persister == nil {
		return
	}
	if err := l.persister.ClearAuthority(context.Background()); err != nil {
		l.logger.Error("ledger clear failed", "error", err)
		l.hub.Error(telemetry.EngineLedger, "clear_failed", "", map[string]any{
			"error": err.Error(),
		})
	}
}

// addAliasesLocked attaches keys to e and returns the ones that were new.
// Primary event keys are ignored. Must hold l.mu.
func (l *Ledger) addAliasesLocked(e *entry, keys []Key) []string {
	var added []string
	for _, k := range keys {
		if k.IsZero() {
			continue
		}
		if _, primary := k.primaryID(); primary {
			continue
		}
		s := k.String()
		if owner, ok := l.aliases[s]; ok && owner == e.rec.EventID {
			continue
		}
		l.aliases[s] = e.rec.EventID
		e.keys = append(e.keys, s)
		added = append(added, s)
	}
	sort.Strings(e.keys)
	return added
}

// makeRoomLocked evicts the oldest fifth of the working set when it is full.
// Must hold l.mu.
func (l *Ledger) makeRoomLocked() int {
	if l.set.Len() < l.cfg.Capacity {
		return 0
	}
	n := l.cfg.Capacity / evictFraction
	if n < 1 {
		n = 1
	}
	evicted := 0
	for i := 0; i < n; i++ {
		_, e, ok := l.set.RemoveOldest()
		if !ok {
			break
		}
		l.dropAliasesLocked(e)
		evicted++
	}
	return evicted
}

// dropAliasesLocked removes the secondary keys owned by e. Must hold l.mu.
func (l *Ledger) dropAliasesLocked(e *entry) {
	for _, k := range e.keys {
		if l.aliases[k] == e.rec.EventID {
			delete(l.aliases, k)
		}
	}
}

// insertLocked adds a record without persisting, broadcasting or notifying.
// Returns false if it was already present. Must hold l.mu.
func (l *Ledger) insertLocked(rec Record, keys []string) bool {
	if e, ok := l.set.Peek(rec.EventID); ok {
		l.addAliasesLocked(e, parseKeys(keys))
		return false
	}
	l.makeRoomLocked()
	e := &entry{rec: rec}
	l.addAliasesLocked(e, parseKeys(keys))
	l.set.Add(rec.EventID, e)
	return true
}

func (l *Ledger) hydrate(ctx context.Context) {
	if l.persister == nil {
		return
	}
	since := l.now().Add(-l.cfg.TTL)
	rows, err := l.persister.LoadAuthority(ctx, since, l.cfg.Capacity)
	if err != nil {
		l.logger.Error("ledger hydrate failed", "error", err)
		l.hub.Critical(telemetry.EngineLedger, "hydrate_failed", "", map[string]any{
			"error": err.Error(),
		})
		return
	}

	l.mu.Lock()
	loaded := 0
	for _, row := range rows {
		if l.insertLocked(fromRow(row), row.Keys) {
			loaded++
		}
	}
	l.mu.Unlock()

	l.logger.Debug("ledger hydrated", "records", loaded)
	l.hub.Info(telemetry.EngineLedger, "hydrated", "", map[string]any{
		"records": loaded,
	})
}

func toRow(rec Record, keys []string) store.AuthorityRow {
	return store.AuthorityRow{
		EventID:         rec.EventID,
		Type:            rec.Type,
		Domain:          rec.Domain,
		ServerTimestamp: rec.ServerTimestamp,
		ProcessedAt:     rec.ProcessedAt,
		OriginClientID:  rec.OriginClientID,
		Keys:            keys,
	}
}

func fromRow(row store.AuthorityRow) Record {
	return Record{
		EventID:         row.EventID,
		Type:            row.Type,
		Domain:          row.Domain,
		ServerTimestamp: row.ServerTimestamp,
		ProcessedAt:     row.ProcessedAt,
		OriginClientID:  row.OriginClientID,
	}
}

// parseKeys turns rendered secondary keys back into Keys. The rendering is
// not reversible in general, so the whole string after the namespace is kept
// as a single part; only String() is ever compared.
func parseKeys(keys []string) []Key {
	out := make([]Key, 0, len(keys))
	for _, s := range keys {
		ns, rest, found := strings.Cut(s, "_")
		if !found {
			out = append(out, Key{Namespace: s})
			continue
		}
		out = append(out, Key{Namespace: ns, Parts: []string{rest}})
	}
	return out
}

// observers is a cancelable listener set.
type observers struct {
	mu     sync.RWMutex
	fns    map[int]Observer
	nextID int
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify(rec Record) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(rec)
	}
}
