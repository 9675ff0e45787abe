// Package store provides SQLite-backed durable storage shared by every
// process of one logical client.
//
// Tables:
//   - authority_records: applied event ledger, one row per event ID
//   - authority_keys: composite key aliases layered on the ledger
//   - pending_reactions: reactions persisted on shutdown
//   - dead_letters: reactions that permanently failed or were evicted
//   - versioned_kv: checksummed key/value records
//
// # Idempotency
//
// Ledger writes use ON CONFLICT DO NOTHING so a record written by two
// processes, or replayed by the write-behind log, lands exactly once. The
// first insert wins; later writes can only add key aliases.
//
// # Ordering
//
// authority_records.seq is an AUTOINCREMENT column. Reads order by seq so a
// hydrated in-memory set sees entries in their original insertion order.
//
// # Corruption
//
// versioned_kv rows carry a SHA-256 checksum over key, version and value.
// GetVersioned recomputes it and reports mismatches to the handler set via
// OnCorrupt before returning ErrCorrupt.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers from sibling processes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for sibling writers up to 5 seconds
//   - foreign_keys=ON: key aliases cascade with their record
package store
