package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tabsync/internal/congestion"
	"github.com/roach88/tabsync/internal/integrity"
	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/reconcile"
	"github.com/roach88/tabsync/internal/telemetry"
)

// RawEvent is one event as received from the push stream.
type RawEvent struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Domain          string          `json:"domain,omitempty"`
	OriginClientID  string          `json:"origin_client_id,omitempty"`
	ServerTimestamp time.Time       `json:"server_ts,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// ApplyFunc applies an event to local state.
type ApplyFunc func(ctx context.Context, ev RawEvent) error

// Apply runs one event through the authority, the host's apply function and
// the reconciler. It reports whether the event was applied. Suppressed
// events (duplicates, echoes of this client's own mutations, already awarded
// badges) return false with a nil error.
func (c *Client) Apply(ctx context.Context, ev RawEvent, apply ApplyFunc) (bool, error) {
	if ev.EventID == "" {
		// The ledger logs and signals the malformed event.
		c.ledger.ShouldProcess(ev.EventID, ev.OriginClientID, c.cfg.ClientID)
		return false, nil
	}

	// The claim is taken before the authority check so a concurrent delivery
	// of the same event cannot pass ShouldProcess while this one applies.
	release, ok := c.claim(ledger.EventKey(ev.EventID))
	if !ok {
		c.hub.Debug(telemetry.EngineClient, "apply_in_flight", ev.TraceID, map[string]any{
			"event_id": ev.EventID,
		})
		return false, nil
	}
	defer release()

	if !c.ledger.ShouldProcess(ev.EventID, ev.OriginClientID, c.cfg.ClientID) {
		return false, nil
	}
	if ev.TraceID == "" {
		ev.TraceID = telemetry.NewTraceID()
	}

	var secondary []ledger.Key
	if ev.Type == reconcile.TypeBadgeEarned {
		var badge reconcile.BadgeEarned
		if err := json.Unmarshal(ev.Payload, &badge); err == nil && badge.UserID != "" && badge.BadgeID != "" {
			key := ledger.BadgeKey(badge.UserID, badge.BadgeID)
			releaseBadge, ok := c.claim(key)
			if !ok || c.ledger.IsBadgeProcessed(badge.UserID, badge.BadgeID) {
				if ok {
					releaseBadge()
				}
				c.hub.Debug(telemetry.EngineClient, "badge_suppressed", ev.TraceID, map[string]any{
					"event_id": ev.EventID,
					"user_id":  badge.UserID,
					"badge_id": badge.BadgeID,
				})
				return false, nil
			}
			defer releaseBadge()
			secondary = append(secondary, key)
		}
	}

	if apply != nil {
		if err := apply(ctx, ev); err != nil {
			return false, fmt.Errorf("apply %s: %w", ev.EventID, err)
		}
	}

	err := c.ledger.Record(ctx, ledger.Record{
		EventID:         ev.EventID,
		Type:            ev.Type,
		Domain:          ev.Domain,
		ServerTimestamp: ev.ServerTimestamp,
		OriginClientID:  ev.OriginClientID,
	}, secondary...)
	if err != nil {
		return true, fmt.Errorf("record %s: %w", ev.EventID, err)
	}

	err = c.reconciler.Ingest(reconcile.AppliedNotification{
		EventID: ev.EventID,
		Type:    ev.Type,
		Payload: ev.Payload,
		TraceID: ev.TraceID,
	})
	if err != nil && !reconcile.IsDuplicate(err) {
		c.logger.Warn("reaction not enqueued",
			"event_id", ev.EventID,
			"type", ev.Type,
			"error", err)
	}
	return true, nil
}

// claim reserves key for one in-flight Apply until release is called. It
// fails when another Apply holds the key.
func (c *Client) claim(key ledger.Key) (release func(), ok bool) {
	k := key.String()
	c.claimMu.Lock()
	defer c.claimMu.Unlock()
	if _, held := c.inFlight[k]; held {
		return nil, false
	}
	c.inFlight[k] = struct{}{}
	return func() {
		c.claimMu.Lock()
		delete(c.inFlight, k)
		c.claimMu.Unlock()
	}, true
}

// Mutate runs fn on the serial outbound chain and waits for it. When fn
// returns congestion.ErrRateLimited the controller enters backoff; a nil
// result resets it.
func (c *Client) Mutate(ctx context.Context, label string, fn congestion.Action) error {
	pending, err := c.congestion.EnqueueSerial(label, func(ctx context.Context) error {
		err := fn(ctx)
		switch {
		case errors.Is(err, congestion.ErrRateLimited):
			delay := c.congestion.ReportRateLimit()
			c.logger.Warn("mutation rate limited",
				"label", label,
				"backoff", delay)
		case err == nil:
			c.congestion.NotifySuccess()
		}
		return err
	})
	if err != nil {
		return err
	}
	return pending.Wait(ctx)
}

// SetVisible forwards host visibility to the reconciler and the supervisor.
// Becoming visible again is a recovery for the supervisor.
func (c *Client) SetVisible(ctx context.Context, visible bool) {
	wasVisible := c.reconciler.Visible()
	c.reconciler.SetVisible(visible)

	switch {
	case !visible:
		c.supervisor.Lifecycle(ctx, integrity.LifecycleSuspended)
	case !wasVisible:
		c.supervisor.Lifecycle(ctx, integrity.LifecycleRecovered)
	default:
		c.supervisor.Lifecycle(ctx, integrity.LifecycleRunning)
	}
}

// SetRoute forwards the current UI route to the reconciler.
func (c *Client) SetRoute(route string) {
	c.reconciler.SetRoute(route)
}

// TransportHealth forwards push transport health to the supervisor.
func (c *Client) TransportHealth(ctx context.Context, status integrity.Transport) {
	c.supervisor.TransportHealth(ctx, status)
}

// LeaderFailover tells the supervisor another process took over leadership.
func (c *Client) LeaderFailover(ctx context.Context) {
	c.supervisor.LeaderFailover(ctx)
}
