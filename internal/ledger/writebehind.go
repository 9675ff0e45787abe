package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

// TopicRecord is the broadcast topic for ledger records.
const TopicRecord = "ledger.record"

// flushTimeout bounds the final drain on Stop.
const flushTimeout = 5 * time.Second

type writeJob struct {
	row store.AuthorityRow
}

// wireRecord is the broadcast body.
type wireRecord struct {
	Record
	Keys []string `json:"keys,omitempty"`
}

// enqueue hands a job to the write-behind log without blocking. A full log
// drops the job: durability is best effort, dedup is not affected. The log
// only fills while persistence keeps failing or stalling, so a drop is
// critical.
func (l *Ledger) enqueue(ctx context.Context, job writeJob) {
	select {
	case l.writes <- job:
	default:
		l.logger.ErrorContext(ctx, "ledger write-behind full, dropping write",
			"event_id", job.row.EventID,
			"capacity", cap(l.writes))
		l.hub.Critical(telemetry.EngineLedger, "persist_dropped", "", map[string]any{
			"event_id": job.row.EventID,
		})
	}
}

// Pending returns the number of writes waiting in the log.
func (l *Ledger) Pending() int {
	return len(l.writes)
}

func (l *Ledger) drain(stop <-chan struct{}) {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		// Let the flush below finish, but not forever.
		t := time.NewTimer(flushTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case job := <-l.writes:
			l.write(ctx, job)
		case <-stop:
			for {
				select {
				case job := <-l.writes:
					l.write(ctx, job)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) write(ctx context.Context, job writeJob) {
	l.persist(ctx, job.row)
	l.publish(ctx, job.row)
}

// persist writes the row, retrying once after RetryDelay.
func (l *Ledger) persist(ctx context.Context, row store.AuthorityRow) {
	if l.persister == nil {
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := l.persister.WriteAuthority(ctx, row)
		if err == nil {
			return
		}

		l.logger.Warn("ledger persist failed",
			"event_id", row.EventID,
			"attempt", attempt,
			"error", err)
		l.hub.Error(telemetry.EngineLedger, "persist_failed", "", map[string]any{
			"event_id": row.EventID,
			"attempt":  attempt,
			"error":    err.Error(),
		})

		if attempt == 2 {
			return
		}
		t := time.NewTimer(l.cfg.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (l *Ledger) publish(ctx context.Context, row store.AuthorityRow) {
	if l.medium == nil {
		return
	}

	body, err := json.Marshal(wireRecord{Record: fromRow(row), Keys: row.Keys})
	if err != nil {
		l.logger.Error("ledger broadcast encode failed", "event_id", row.EventID, "error", err)
		return
	}

	err = l.medium.Publish(ctx, broadcast.Message{
		Origin: l.hub.InstanceID(),
		Topic:  TopicRecord,
		Body:   body,
	})
	if err != nil {
		l.logger.Warn("ledger broadcast failed", "event_id", row.EventID, "error", err)
		l.hub.Warn(telemetry.EngineLedger, "broadcast_failed", "", map[string]any{
			"event_id": row.EventID,
			"error":    err.Error(),
		})
	}
}

// onMessage merges a peer's record. Known records only gain aliases; new
// records are inserted without re-broadcast and announced to peer observers.
func (l *Ledger) onMessage(msg broadcast.Message) {
	if msg.Topic != TopicRecord || msg.Origin == l.hub.InstanceID() {
		return
	}

	var wr wireRecord
	if err := json.Unmarshal(msg.Body, &wr); err != nil {
		l.logger.Warn("ledger broadcast decode failed", "origin", msg.Origin, "error", err)
		return
	}
	if wr.EventID == "" {
		return
	}

	l.mu.Lock()
	inserted := l.insertLocked(wr.Record, wr.Keys)
	l.mu.Unlock()

	if !inserted {
		return
	}

	l.hub.Info(telemetry.EngineLedger, "peer_merged", "", map[string]any{
		"event_id": wr.EventID,
		"origin":   msg.Origin,
	})
	l.peers.notify(wr.Record)
}
