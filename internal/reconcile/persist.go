package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

// ReactionStore persists reconciler state. *store.Store implements it.
type ReactionStore interface {
	ReplacePendingReactions(ctx context.Context, rows []store.ReactionRow) error
	LoadPendingReactions(ctx context.Context, since time.Time) ([]store.ReactionRow, error)
	ReplaceDeadLetters(ctx context.Context, rows []store.DeadLetterRow) error
	LoadDeadLetters(ctx context.Context) ([]store.DeadLetterRow, error)
}

// persist writes pending reactions and dead letters to the store.
func (r *Reconciler) persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	pending := r.pendingLocked()
	dead := r.deadLettersLocked()
	r.mu.Unlock()

	var result *multierror.Error

	rows := make([]store.ReactionRow, 0, len(pending))
	for _, re := range pending {
		body, err := json.Marshal(re)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("encode reaction %s: %w", re.EventID, err))
			continue
		}
		rows = append(rows, store.ReactionRow{
			EventID:   re.EventID,
			Priority:  int(re.Priority),
			CreatedAt: re.CreatedAt,
			Body:      body,
		})
	}
	if err := r.store.ReplacePendingReactions(ctx, rows); err != nil {
		result = multierror.Append(result, err)
	}

	deadRows := make([]store.DeadLetterRow, 0, len(dead))
	for _, dl := range dead {
		body, err := json.Marshal(dl.Reaction)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("encode dead letter %s: %w", dl.Reaction.EventID, err))
			continue
		}
		deadRows = append(deadRows, store.DeadLetterRow{
			EventID:  dl.Reaction.EventID,
			Reason:   dl.Reason,
			FailedAt: dl.FailedAt,
			Body:     body,
		})
	}
	if err := r.store.ReplaceDeadLetters(ctx, deadRows); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("persist reactions: %w", err)
	}

	r.hub.Info(telemetry.EngineReconcile, "persisted", "", map[string]any{
		"pending":      len(rows),
		"dead_letters": len(deadRows),
	})
	return nil
}

// restore reloads pending reactions younger than the TTL and every dead
// letter. Restored reactions skip the applied check: the authority may have
// evicted them since.
func (r *Reconciler) restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	since := r.now().Add(-r.cfg.PendingTTL)
	rows, err := r.store.LoadPendingReactions(ctx, since)
	if err != nil {
		return fmt.Errorf("load pending reactions: %w", err)
	}
	deadRows, err := r.store.LoadDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}

	var overflow []deadEvent
	restored := 0

	r.mu.Lock()
	for _, row := range deadRows {
		var re Reaction
		if err := json.Unmarshal(row.Body, &re); err != nil {
			r.logger.Warn("skipping undecodable dead letter", "event_id", row.EventID, "error", err)
			continue
		}
		if _, ok := r.deadIDs[re.EventID]; ok {
			continue
		}
		if r.dead.Len() >= r.cfg.DeadLetterCapacity {
			break
		}
		r.dead.PushBack(DeadLetter{Reaction: re, Reason: row.Reason, FailedAt: row.FailedAt})
		r.deadIDs[re.EventID] = struct{}{}
	}
	for _, row := range rows {
		var re Reaction
		if err := json.Unmarshal(row.Body, &re); err != nil {
			r.logger.Warn("skipping undecodable reaction", "event_id", row.EventID, "error", err)
			continue
		}
		if !re.Priority.valid() || r.seenLocked(re.EventID) {
			continue
		}
		overflow = append(overflow, r.pushLocked(re, false)...)
		restored++
	}
	r.mu.Unlock()

	r.signalDead(overflow)
	r.hub.Info(telemetry.EngineReconcile, "restored", "", map[string]any{
		"pending":      restored,
		"dead_letters": len(deadRows),
	})
	return nil
}
