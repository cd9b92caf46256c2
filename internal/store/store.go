// Package store provides the local record store backed by embedded
// SQLite (WAL mode) for the finch sync engine.
//
// The engine's persistence boundary is deliberately narrow: a single
// key-value table holds one JSON document per synchronized collection,
// one for the pending operation queue, and one for sync metadata.
// Collections are small (a personal ledger, not a warehouse), so every
// write is a read-modify-write of the full document inside one
// transaction. That keeps the durability contract simple: when a store
// method returns, the write has been committed, and a crash immediately
// afterwards never loses it.
//
// Keys:
//   - records/<entityType>   JSON array of record envelopes
//   - queue/pending          JSON array of pending operations
//   - sync/last              RFC 3339 timestamp of the last successful cycle
//   - sync/failed_count      count of permanently failed operations
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/finchapp/finch/internal/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	keyQueue       = "queue/pending"
	keyLastSync    = "sync/last"
	keyFailedCount = "sync/failed_count"
)

func recordsKey(et record.EntityType) string {
	return "records/" + string(et)
}

// Store is the durable local record store. All methods are safe for
// concurrent use; writes serialize through a single mutex.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open creates or opens the store database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The schema is created if missing. The caller MUST call
// Close() when done.
//
// Example:
//
//	st, err := store.Open("~/.finch/finch.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	// Single writer keeps read-modify-write cycles atomic without
	// row-level coordination.
	conn.SetMaxOpenConns(1)

	st := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := st.initSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// initSchema creates the kv table if it doesn't exist. Idempotent.
func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// getKV reads a raw value. The second return is false when the key is
// absent.
func (s *Store) getKV(key string) ([]byte, bool, error) {
	var value []byte
	err := s.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

// setKV writes a raw value in a single implicit transaction. The write
// is durable when this returns.
func (s *Store) setKV(key string, value []byte) error {
	_, err := s.conn.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// deleteKV removes a key. Missing keys are not an error.
func (s *Store) deleteKV(key string) error {
	if _, err := s.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Get returns all records of the given entity type, tombstones
// included. Returns an empty slice for a collection that has never
// been written.
func (s *Store) Get(et record.EntityType) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(et)
}

func (s *Store) getLocked(et record.EntityType) ([]record.Record, error) {
	data, ok, err := s.getKV(recordsKey(et))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []record.Record{}, nil
	}
	var recs []record.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode %s collection: %w", et, err)
	}
	return recs, nil
}

// GetActive returns the records of the given entity type with logical
// deletes filtered out. This is what UI-layer callers should read.
func (s *Store) GetActive(et record.EntityType) ([]record.Record, error) {
	recs, err := s.Get(et)
	if err != nil {
		return nil, err
	}
	active := recs[:0:0]
	for _, r := range recs {
		if !r.Deleted {
			active = append(active, r)
		}
	}
	if active == nil {
		active = []record.Record{}
	}
	return active, nil
}

// ReplaceAll atomically overwrites the whole collection.
func (s *Store) ReplaceAll(et record.EntityType, recs []record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceAllLocked(et, recs)
}

func (s *Store) replaceAllLocked(et record.EntityType, recs []record.Record) error {
	if recs == nil {
		recs = []record.Record{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode %s collection: %w", et, err)
	}
	return s.setKV(recordsKey(et), data)
}

// Upsert inserts or replaces a single record, matched by Key().
// A record that gained a server ID also matches its old ClientID entry,
// so clientId -> id reconciliation is a plain Upsert.
func (s *Store) Upsert(et record.EntityType, rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot store invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.getLocked(et)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range recs {
		if existing.Key() == rec.Key() || existing.ClientID == rec.ClientID {
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}

	return s.replaceAllLocked(et, recs)
}

// Remove physically deletes the record with the given key (server ID
// or client ID). Missing records are not an error.
func (s *Store) Remove(et record.EntityType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.getLocked(et)
	if err != nil {
		return err
	}

	kept := recs[:0]
	for _, r := range recs {
		if r.Key() == key || r.ClientID == key {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(recs) {
		return nil
	}

	return s.replaceAllLocked(et, kept)
}

// LoadQueue returns the persisted pending operation queue in FIFO
// order.
func (s *Store) LoadQueue() ([]record.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.getKV(keyQueue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []record.Operation{}, nil
	}
	var ops []record.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode pending queue: %w", err)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops, nil
}

// ReplaceQueue atomically overwrites the persisted queue.
func (s *Store) ReplaceQueue(ops []record.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ops == nil {
		ops = []record.Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode pending queue: %w", err)
	}
	return s.setKV(keyQueue, data)
}

// LastSyncTime returns the timestamp of the last successful sync
// cycle. The second return is false if no cycle has completed yet.
func (s *Store) LastSyncTime() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.getKV(keyLastSync)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, true, nil
}

// SetLastSyncTime records a successful sync cycle.
func (s *Store) SetLastSyncTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setKV(keyLastSync, []byte(t.UTC().Format(time.RFC3339Nano)))
}

// FailedOperationCount returns the number of operations discarded
// after exhausting their attempts.
func (s *Store) FailedOperationCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.getKV(keyFailedCount)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse failed operation count: %w", err)
	}
	return n, nil
}

// AddFailedOperations increments the permanent-failure counter.
func (s *Store) AddFailedOperations(n int) error {
	if n <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.getKV(keyFailedCount)
	if err != nil {
		return err
	}
	current := 0
	if ok {
		if current, err = strconv.Atoi(string(data)); err != nil {
			return fmt.Errorf("failed to parse failed operation count: %w", err)
		}
	}
	return s.setKV(keyFailedCount, []byte(strconv.Itoa(current+n)))
}

// ClearSyncData wipes every collection, the pending queue, and all
// sync metadata. Used when the user signs out or resets the cache.
func (s *Store) ClearSyncData() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, et := range record.AllEntityTypes() {
		if err := s.deleteKV(recordsKey(et)); err != nil {
			return err
		}
	}
	for _, key := range []string{keyQueue, keyLastSync, keyFailedCount} {
		if err := s.deleteKV(key); err != nil {
			return err
		}
	}
	return nil
}
