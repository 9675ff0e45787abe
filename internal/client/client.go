// Package client assembles the consistency engines of one client process.
//
// A Client owns the telemetry hub, the durable store, the broadcast medium
// and the four engines: the event authority ledger, the congestion
// controller, the integrity supervisor and the delivery reconciler. It wires
// them to each other and gives the host application a single ingestion path
// (Apply) and a single outbound path (Mutate).
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tabsync/internal/backoff"
	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/config"
	"github.com/roach88/tabsync/internal/congestion"
	"github.com/roach88/tabsync/internal/integrity"
	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/reconcile"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

// mediumTimeout bounds the subscription handshake of network media.
const mediumTimeout = 5 * time.Second

// Deps are the collaborators a Client cannot build from configuration.
// Every field is optional.
type Deps struct {
	Logger *slog.Logger

	// InstanceID identifies this process. Generated when empty.
	InstanceID string

	// Registry receives the telemetry signal counter.
	Registry prometheus.Registerer

	// Cache is driven by the default integrity executor.
	Cache integrity.Cache

	// Executor replaces the cache executor.
	Executor integrity.Executor

	// Medium replaces the medium selected by config.
	Medium broadcast.Medium

	// Now overrides the wall clock of every engine.
	Now func() time.Time
}

// Client is one running client process.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	hub        *telemetry.Hub
	metrics    *telemetry.Metrics
	store      *store.Store
	medium     broadcast.Medium
	redis      *redis.Client
	ledger     *ledger.Ledger
	congestion *congestion.Controller
	supervisor *integrity.Supervisor
	reconciler *reconcile.Reconciler

	unsubscribe func()

	// Event and badge keys held by an Apply between the authority check
	// and Record.
	claimMu  sync.Mutex
	inFlight map[string]struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped bool
}

// New validates cfg and builds every engine. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (c *Client, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	c = &Client{cfg: cfg, logger: logger, inFlight: make(map[string]struct{})}
	defer func() {
		if err != nil {
			c.closeResources()
		}
	}()

	c.hub = telemetry.NewHub(telemetry.Options{
		InstanceID: deps.InstanceID,
		Dev:        cfg.Dev,
		Logger:     logger,
		Now:        now,
	})

	if deps.Registry != nil {
		if c.metrics, err = telemetry.NewMetrics(c.hub, deps.Registry); err != nil {
			return nil, err
		}
	}

	if c.store, err = store.Open(cfg.StorePath); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if deps.Medium != nil {
		c.medium = deps.Medium
	} else if c.medium, err = c.openMedium(); err != nil {
		return nil, fmt.Errorf("open broadcast medium: %w", err)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithPersister(c.store),
		ledger.WithHub(c.hub),
		ledger.WithLogger(logger),
		ledger.WithClock(now),
	}
	if c.medium != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithMedium(c.medium))
	}
	c.ledger, err = ledger.New(ledger.Config{
		Capacity:        cfg.Ledger.Capacity,
		TTL:             cfg.Ledger.TTL,
		SweepInterval:   cfg.Ledger.SweepInterval,
		WriteBehindSize: cfg.Ledger.WriteBehindSize,
	}, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	c.congestion, err = congestion.New(
		congestion.WithBackoff(backoff.Config{
			Base:          cfg.Congestion.BackoffBase,
			Max:           cfg.Congestion.BackoffMax,
			JitterPercent: cfg.Congestion.JitterPercent,
		}),
		congestion.WithMaxQueueDepth(cfg.Congestion.MaxQueueDepth),
		congestion.WithHub(c.hub),
	)
	if err != nil {
		return nil, fmt.Errorf("create congestion controller: %w", err)
	}

	executor := deps.Executor
	if executor == nil && deps.Cache != nil {
		executor = integrity.NewCacheExecutor(deps.Cache, cfg.Integrity.SafeFamilies, logger)
	}
	supOpts := []integrity.Option{
		integrity.WithHub(c.hub),
		integrity.WithLogger(logger),
		integrity.WithClock(now),
	}
	if executor != nil {
		supOpts = append(supOpts, integrity.WithExecutor(executor))
	}
	c.supervisor = integrity.New(integrity.Config{
		TickInterval:      cfg.Integrity.TickInterval,
		HealingTimeout:    cfg.Integrity.HealingTimeout,
		ErrorThreshold:    cfg.Integrity.ErrorThreshold,
		DegradedThreshold: cfg.Integrity.DegradedThreshold,
		DegradedFactor:    cfg.Integrity.DegradedFactor,
		Thresholds:        cfg.Integrity.Thresholds,
	}, supOpts...)

	c.reconciler, err = reconcile.New(reconcile.Config{
		Interval:           cfg.Reconcile.Interval,
		QueueCapacity:      cfg.Reconcile.QueueCapacity,
		DeadLetterCapacity: cfg.Reconcile.DeadLetterCapacity,
		ExecutionLogSize:   cfg.Reconcile.ExecutionLogSize,
		MaxAttempts:        cfg.Reconcile.MaxAttempts,
		RetryDelay:         cfg.Reconcile.RetryDelay,
		PendingTTL:         cfg.Reconcile.PendingTTL,
	},
		reconcile.WithStore(c.store),
		reconcile.WithAppliedChecker(c.ledger),
		reconcile.WithHub(c.hub),
		reconcile.WithLogger(logger),
		reconcile.WithClock(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconciler: %w", err)
	}

	c.wire()
	return c, nil
}

// openMedium builds the medium selected by cfg.Broadcast.
func (c *Client) openMedium() (broadcast.Medium, error) {
	origin := c.hub.InstanceID()
	bc := c.cfg.Broadcast

	switch bc.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverLoopback:
		return broadcast.NewLoopback(origin), nil
	case config.DriverDir:
		return broadcast.NewDirMedium(bc.Dir, origin, broadcast.DirOptions{
			Retention: bc.Retention,
			Logger:    c.logger,
		})
	case config.DriverRedis:
		c.redis = redis.NewClient(&redis.Options{Addr: bc.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), mediumTimeout)
		defer cancel()
		return broadcast.NewRedisMedium(ctx, c.redis, broadcast.ChannelFor(c.cfg.ClientID), origin, c.logger)
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", bc.Driver)
	}
}

// wire connects the engines to each other.
func (c *Client) wire() {
	c.store.OnCorrupt(func(key, reason string) {
		c.supervisor.StorageCorrupt(context.Background(), fmt.Sprintf("%s: %s", key, reason))
	})

	// Critical signals from the other engines are anomalies for the
	// supervisor. Its own signals are excluded so healing cannot feed itself.
	c.unsubscribe = c.hub.Subscribe(func(s telemetry.Signal) {
		if s.Severity < telemetry.SeverityCritical || s.Engine == telemetry.EngineIntegrity {
			return
		}
		c.supervisor.TelemetryAnomaly(context.Background(), s.Engine+"."+s.Name)
	})
}

// Start hydrates durable state and launches every engine loop. The loops
// stop when ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("client stopped")
	}
	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.ledger.Start(ctx); err != nil {
			return fmt.Errorf("start ledger: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.reconciler.Start(ctx); err != nil {
			return fmt.Errorf("start reconciler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return c.store.Ping(gctx)
	})
	if err := g.Wait(); err != nil {
		cancel()
		c.ledger.Stop()
		c.reconciler.Stop()
		return err
	}

	c.congestion.Start(ctx)
	c.supervisor.Start(ctx)

	c.cancel = cancel
	c.running = true

	c.hub.Info(telemetry.EngineClient, "started", "", map[string]any{
		"client_id": c.cfg.ClientID,
		"driver":    c.cfg.Broadcast.Driver,
	})
	return nil
}

// Stop stops every engine, flushes durable state and releases resources.
// Stop is idempotent; every failure is reported in the returned error.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	var result *multierror.Error
	if c.running {
		if err := c.reconciler.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop reconciler: %w", err))
		}
		c.supervisor.Stop()
		c.congestion.Stop()
		c.ledger.Stop()
		c.cancel()
		c.running = false
	}

	c.hub.Info(telemetry.EngineClient, "stopped", "", nil)

	if err := c.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// closeResources releases everything New opened.
func (c *Client) closeResources() error {
	var result *multierror.Error
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.metrics != nil {
		c.metrics.Close()
	}
	if c.medium != nil {
		if err := c.medium.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close medium: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.Config { return c.cfg }

// Hub returns the telemetry hub.
func (c *Client) Hub() *telemetry.Hub { return c.hub }

// Store returns the durable store.
func (c *Client) Store() *store.Store { return c.store }

// Ledger returns the event authority.
func (c *Client) Ledger() *ledger.Ledger { return c.ledger }

// Congestion returns the congestion controller.
func (c *Client) Congestion() *congestion.Controller { return c.congestion }

// Supervisor returns the integrity supervisor.
func (c *Client) Supervisor() *integrity.Supervisor { return c.supervisor }

// Reconciler returns the delivery reconciler.
func (c *Client) Reconciler() *reconcile.Reconciler { return c.reconciler }
