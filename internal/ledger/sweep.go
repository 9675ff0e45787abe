package ledger

import (
	"context"
	"time"

	"github.com/roach88/tabsync/internal/telemetry"
)

func (l *Ledger) sweepLoop(stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			l.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep drops records older than the TTL from memory and from the
// persister. Returns the in-memory and durable counts removed.
func (l *Ledger) Sweep(ctx context.Context) (memory int, durable int64) {
	cutoff := l.now().Add(-l.cfg.TTL)

	l.mu.Lock()
	for _, id := range l.set.Keys() {
		e, ok := l.set.Peek(id)
		if !ok || !e.rec.ProcessedAt.Before(cutoff) {
			continue
		}
		l.set.Remove(id)
		l.dropAliasesLocked(e)
		memory++
	}
	l.mu.Unlock()

	if l.persister != nil {
		n, err := l.persister.PurgeAuthorityBefore(ctx, cutoff)
		if err != nil {
			l.logger.Error("ledger sweep failed", "error", err)
			l.hub.Error(telemetry.EngineLedger, "sweep_failed", "", map[string]any{
				"error": err.Error(),
			})
		}
		durable = n
	}

	if memory > 0 || durable > 0 {
		l.hub.Info(telemetry.EngineLedger, "swept", "", map[string]any{
			"memory":  memory,
			"durable": durable,
		})
	}
	return memory, durable
}
