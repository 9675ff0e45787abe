package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadAuthority returns at most limit records processed at or after since,
// newest records kept, ordered by seq ascending (insertion order).
// A limit of zero or less means no limit.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) LoadAuthority(ctx context.Context, since time.Time, limit int) ([]AuthorityRow, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, type, domain, server_ts, processed_at, origin_client_id
		FROM (
			SELECT * FROM authority_records
			WHERE processed_at >= ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query authority: %w", err)
	}
	defer rows.Close()

	out := []AuthorityRow{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			r                   AuthorityRow
			serverTS, processed int64
		)
		if err := rows.Scan(&r.Seq, &r.EventID, &r.Type, &r.Domain, &serverTS, &processed, &r.OriginClientID); err != nil {
			return nil, fmt.Errorf("scan authority: %w", err)
		}
		r.ServerTimestamp = fromMillis(serverTS)
		r.ProcessedAt = fromMillis(processed)
		index[r.EventID] = len(out)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authority: %w", err)
	}

	if len(out) == 0 {
		return out, nil
	}

	keyRows, err := s.db.QueryContext(ctx, `
		SELECT k.key, k.event_id
		FROM authority_keys k
		JOIN authority_records r ON r.event_id = k.event_id
		WHERE r.processed_at >= ?
		ORDER BY k.key COLLATE BINARY ASC
	`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query authority keys: %w", err)
	}
	defer keyRows.Close()

	for keyRows.Next() {
		var key, eventID string
		if err := keyRows.Scan(&key, &eventID); err != nil {
			return nil, fmt.Errorf("scan authority key: %w", err)
		}
		if i, ok := index[eventID]; ok {
			out[i].Keys = append(out[i].Keys, key)
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authority keys: %w", err)
	}

	return out, nil
}

// HasAuthority reports whether a record exists for eventID.
func (s *Store) HasAuthority(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM authority_records WHERE event_id = ?
	`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check authority: %w", err)
	}
	return true, nil
}

// CountAuthority returns the number of ledger records.
func (s *Store) CountAuthority(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authority_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count authority: %w", err)
	}
	return n, nil
}

// LoadPendingReactions returns pending reactions created at or after since,
// ordered by creation time.
func (s *Store) LoadPendingReactions(ctx context.Context, since time.Time) ([]ReactionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, priority, created_at, body
		FROM pending_reactions
		WHERE created_at >= ?
		ORDER BY created_at ASC, event_id COLLATE BINARY ASC
	`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query pending reactions: %w", err)
	}
	defer rows.Close()

	out := []ReactionRow{}
	for rows.Next() {
		var (
			r       ReactionRow
			created int64
			body    string
		)
		if err := rows.Scan(&r.EventID, &r.Priority, &created, &body); err != nil {
			return nil, fmt.Errorf("scan pending reaction: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		r.Body = []byte(body)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending reactions: %w", err)
	}
	return out, nil
}

// LoadDeadLetters returns every persisted dead letter, oldest first.
func (s *Store) LoadDeadLetters(ctx context.Context) ([]DeadLetterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, reason, failed_at, body
		FROM dead_letters
		ORDER BY failed_at ASC, event_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	out := []DeadLetterRow{}
	for rows.Next() {
		var (
			r      DeadLetterRow
			failed int64
			body   string
		)
		if err := rows.Scan(&r.EventID, &r.Reason, &failed, &body); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		r.FailedAt = fromMillis(failed)
		r.Body = []byte(body)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
