package store

import (
	"context"
	"fmt"
	"time"
)

// AuthorityRow is the durable form of one ledger record.
type AuthorityRow struct {
	Seq             int64
	EventID         string
	Type            string
	Domain          string
	ServerTimestamp time.Time
	ProcessedAt     time.Time
	OriginClientID  string
	Keys            []string
}

// ReactionRow is a persisted pending reaction. Body is the reaction encoded
// by the reconciler; the store does not interpret it.
type ReactionRow struct {
	EventID   string
	Priority  int
	CreatedAt time.Time
	Body      []byte
}

// DeadLetterRow is a persisted dead-lettered reaction.
type DeadLetterRow struct {
	EventID  string
	Reason   string
	FailedAt time.Time
	Body     []byte
}

// WriteAuthority inserts a ledger record and its key aliases in a single
// transaction.
//
// Uses ON CONFLICT DO NOTHING on both tables: a record that already exists is
// left untouched (first insert wins) but any new aliases are still added.
// Returns inserted=true only when the record row itself was new.
func (s *Store) WriteAuthority(ctx context.Context, row AuthorityRow) (inserted bool, err error) {
	if row.EventID == "" {
		return false, fmt.Errorf("write authority: event id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("write authority: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO authority_records
		(event_id, type, domain, server_ts, processed_at, origin_client_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`,
		row.EventID,
		row.Type,
		row.Domain,
		toMillis(row.ServerTimestamp),
		toMillis(row.ProcessedAt),
		row.OriginClientID,
	)
	if err != nil {
		return false, fmt.Errorf("write authority: insert record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write authority: rows affected: %w", err)
	}

	for _, key := range row.Keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO authority_keys (key, event_id)
			VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, row.EventID); err != nil {
			return false, fmt.Errorf("write authority: insert key %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write authority: commit: %w", err)
	}

	return rowsAffected > 0, nil
}

// AddAuthorityKey attaches an alias to an existing record.
// Idempotent; fails if the record does not exist (foreign key).
func (s *Store) AddAuthorityKey(ctx context.Context, eventID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authority_keys (key, event_id)
		VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, eventID)
	if err != nil {
		return fmt.Errorf("add authority key %q: %w", key, err)
	}
	return nil
}

// PurgeAuthorityBefore deletes records processed before cutoff. Key aliases
// cascade. Returns the number of records removed.
func (s *Store) PurgeAuthorityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM authority_records WHERE processed_at < ?
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge authority: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge authority: rows affected: %w", err)
	}
	return n, nil
}

// ClearAuthority deletes every ledger record.
func (s *Store) ClearAuthority(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM authority_records`); err != nil {
		return fmt.Errorf("clear authority: %w", err)
	}
	return nil
}

// ReplacePendingReactions swaps the persisted pending set for rows.
func (s *Store) ReplacePendingReactions(ctx context.Context, rows []ReactionRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace pending reactions: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_reactions`); err != nil {
		return fmt.Errorf("replace pending reactions: delete: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_reactions (event_id, priority, created_at, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, r.EventID, r.Priority, toMillis(r.CreatedAt), string(r.Body)); err != nil {
			return fmt.Errorf("replace pending reactions: insert %s: %w", r.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace pending reactions: commit: %w", err)
	}
	return nil
}

// ReplaceDeadLetters swaps the persisted dead-letter set for rows.
func (s *Store) ReplaceDeadLetters(ctx context.Context, rows []DeadLetterRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace dead letters: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
		return fmt.Errorf("replace dead letters: delete: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (event_id, reason, failed_at, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, r.EventID, r.Reason, toMillis(r.FailedAt), string(r.Body)); err != nil {
			return fmt.Errorf("replace dead letters: insert %s: %w", r.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace dead letters: commit: %w", err)
	}
	return nil
}
