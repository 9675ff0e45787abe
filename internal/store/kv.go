package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by GetVersioned for missing keys.
var ErrNotFound = errors.New("versioned record not found")

// ErrCorrupt is returned by GetVersioned when a checksum does not match.
var ErrCorrupt = errors.New("versioned record checksum mismatch")

// CorruptionHandler is told about every checksum mismatch.
type CorruptionHandler func(key, reason string)

// VersionedRecord is one versioned_kv row.
type VersionedRecord struct {
	Key       string
	Version   int64
	Value     []byte
	UpdatedAt time.Time
}

// OnCorrupt sets the corruption handler. Pass nil to clear it.
func (s *Store) OnCorrupt(fn CorruptionHandler) {
	s.mu.Lock()
	s.onCorrupt = fn
	s.mu.Unlock()
}

// PutVersioned writes value under key, bumping the version. Returns the new
// version.
func (s *Store) PutVersioned(ctx context.Context, key string, value []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("put versioned: begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM versioned_kv WHERE key = ?`, key).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("put versioned: read version: %w", err)
	}
	version++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO versioned_kv (key, version, checksum, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, version, checksum(key, version, value), value, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("put versioned: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("put versioned: commit: %w", err)
	}
	return version, nil
}

// GetVersioned reads and validates key.
func (s *Store) GetVersioned(ctx context.Context, key string) (VersionedRecord, error) {
	var (
		rec     VersionedRecord
		sum     string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, version, checksum, value, updated_at
		FROM versioned_kv WHERE key = ?
	`, key).Scan(&rec.Key, &rec.Version, &sum, &rec.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionedRecord{}, ErrNotFound
	}
	if err != nil {
		return VersionedRecord{}, fmt.Errorf("get versioned: %w", err)
	}
	rec.UpdatedAt = fromMillis(updated)

	if want := checksum(rec.Key, rec.Version, rec.Value); want != sum {
		reason := fmt.Sprintf("checksum mismatch for %q at version %d", key, rec.Version)
		s.reportCorrupt(key, reason)
		return VersionedRecord{}, fmt.Errorf("get versioned %q: %w", key, ErrCorrupt)
	}
	return rec, nil
}

// RemoveVersioned deletes key. Missing keys are not an error.
func (s *Store) RemoveVersioned(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM versioned_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove versioned: %w", err)
	}
	return nil
}

func (s *Store) reportCorrupt(key, reason string) {
	s.mu.RLock()
	fn := s.onCorrupt
	s.mu.RUnlock()
	if fn != nil {
		fn(key, reason)
	}
}

// checksum is SHA-256 over len(key) | key | version | value.
func checksum(key string, version int64, value []byte) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(key)))
	h.Write(buf[:])
	h.Write([]byte(key))
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}
