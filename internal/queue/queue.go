// Package queue provides the persisted pending-operation queue: the
// ordered list of mutation intents awaiting transmission to the remote
// service.
//
// Enqueue never touches the network and always succeeds locally; the
// sync orchestrator is responsible for draining the queue when
// connectivity allows. Every change is persisted through the store
// before returning, so queued intents survive crashes.
package queue

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/store"
)

// WakeupFile is the name of the marker file touched on every enqueue.
// A long-running daemon watches the directory containing it and treats
// a write as a sync trigger, which is how a short-lived CLI process
// nudges the daemon without any IPC channel.
const WakeupFile = "wakeup"

// Queue is the pending operation queue. Safe for concurrent use: the
// mutex serializes the load-modify-persist sequences so an enqueue
// landing during a drain cycle's commit is never lost.
type Queue struct {
	store    *store.Store
	spoolDir string
	logger   *log.Logger
	mu       sync.Mutex
}

// New creates a queue backed by the given store.
//
// spoolDir, if non-empty, is the directory whose wakeup marker is
// touched after each enqueue. If logger is nil, a default logger
// writing to stderr is used.
func New(st *store.Store, spoolDir string, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		store:    st,
		spoolDir: spoolDir,
		logger:   logger,
	}
}

// Enqueue appends a mutation intent and persists the queue. The
// returned operation carries its generated ID and enqueue timestamp.
func (q *Queue) Enqueue(kind record.OpKind, entityType record.EntityType, payload json.RawMessage) (record.Operation, error) {
	op := record.NewOperation(kind, entityType, payload, time.Now())
	if err := op.Validate(); err != nil {
		return record.Operation{}, fmt.Errorf("refusing to enqueue invalid operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.LoadQueue()
	if err != nil {
		return record.Operation{}, fmt.Errorf("failed to load queue: %w", err)
	}
	ops = append(ops, op)
	if err := q.store.ReplaceQueue(ops); err != nil {
		return record.Operation{}, fmt.Errorf("failed to persist queue: %w", err)
	}

	q.logger.Printf("Enqueued %s %s (%s), queue depth %d", op.Kind, op.EntityType, op.ID, len(ops))
	q.touchWakeup()

	return op, nil
}

// Drain returns a snapshot of the queue in FIFO order. It does not
// remove anything; after processing a cycle the caller commits the
// surviving operations with Replace.
func (q *Queue) Drain() ([]record.Operation, error) {
	ops, err := q.store.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return ops, nil
}

// Replace atomically overwrites the persisted queue. Anything enqueued
// since the caller last read the queue is lost, so drain cycles must
// commit through Commit instead.
func (q *Queue) Replace(ops []record.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ReplaceQueue(ops); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

// Commit finishes a drain cycle. Operations from the snapshot that are
// not among the survivors are dropped; survivors keep their updated
// attempt bookkeeping; operations enqueued after the snapshot was
// taken are retained untouched, so an enqueue racing the cycle is
// never lost. An operation leaves the queue only through success or
// attempt exhaustion, both of which the cycle records by omitting it
// from survivors.
func (q *Queue) Commit(snapshot, survivors []record.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	inSnapshot := make(map[string]bool, len(snapshot))
	for _, op := range snapshot {
		inSnapshot[op.ID] = true
	}

	current, err := q.store.LoadQueue()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	next := make([]record.Operation, 0, len(current))
	next = append(next, survivors...)
	for _, op := range current {
		if !inSnapshot[op.ID] {
			next = append(next, op)
		}
	}

	if err := q.store.ReplaceQueue(next); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

// Len returns the current queue depth.
func (q *Queue) Len() (int, error) {
	ops, err := q.store.LoadQueue()
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// touchWakeup rewrites the wakeup marker so an fsnotify watcher in the
// daemon process sees a write event. Failures are logged and ignored:
// the debounce ticker will pick the work up anyway.
func (q *Queue) touchWakeup() {
	if q.spoolDir == "" {
		return
	}
	if err := os.MkdirAll(q.spoolDir, 0755); err != nil {
		q.logger.Printf("Warning: failed to create spool directory: %v", err)
		return
	}
	path := filepath.Join(q.spoolDir, WakeupFile)
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(path, []byte(stamp+"\n"), 0644); err != nil {
		q.logger.Printf("Warning: failed to touch wakeup file: %v", err)
	}
}

// Discard quietly drops logger output. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
