package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// Executor carries out decisions.
type Executor interface {
	Execute(ctx context.Context, d Decision) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d Decision) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, d Decision) error {
	return f(ctx, d)
}

// Cache is the query cache the default executor drives. Patterns are query
// keys or family prefixes.
type Cache interface {
	Invalidate(ctx context.Context, pattern string) error
	RefetchActive(ctx context.Context, pattern string) error
}

// CacheExecutor maps decisions onto a Cache.
//
// Full invalidation is limited to the configured safe families; data outside
// them (e.g. unsent drafts) is never discarded.
type CacheExecutor struct {
	cache        Cache
	safeFamilies []string
	logger       *slog.Logger
}

// NewCacheExecutor creates an executor over cache.
func NewCacheExecutor(cache Cache, safeFamilies []string, logger *slog.Logger) *CacheExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheExecutor{
		cache:        cache,
		safeFamilies: append([]string(nil), safeFamilies...),
		logger:       logger,
	}
}

// Execute implements Executor.
func (e *CacheExecutor) Execute(ctx context.Context, d Decision) error {
	switch d.Kind {
	case SoftRefetch:
		if err := e.cache.RefetchActive(ctx, d.QueryKey); err != nil {
			return fmt.Errorf("refetch %s: %w", d.QueryKey, err)
		}
	case PartialInvalidate:
		if err := e.cache.Invalidate(ctx, d.QueryKey); err != nil {
			return fmt.Errorf("invalidate %s: %w", d.QueryKey, err)
		}
	case FullInvalidate:
		var result *multierror.Error
		for _, family := range e.safeFamilies {
			if err := e.cache.Invalidate(ctx, family); err != nil {
				result = multierror.Append(result, fmt.Errorf("invalidate family %s: %w", family, err))
			}
		}
		return result.ErrorOrNil()
	case NoopLog:
		e.logger.Info("integrity decision", "message", d.Message, "reason", d.Reason)
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
	return nil
}

// logExecutor is used when no executor is configured.
type logExecutor struct {
	logger *slog.Logger
}

func (e logExecutor) Execute(_ context.Context, d Decision) error {
	e.logger.Debug("integrity decision",
		"kind", string(d.Kind),
		"query_key", d.QueryKey,
		"reason", d.Reason)
	return nil
}
