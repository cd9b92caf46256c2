package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finchapp/finch/internal/merge"
	"github.com/finchapp/finch/internal/netmon"
	"github.com/finchapp/finch/internal/queue"
	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/remote"
	"github.com/finchapp/finch/internal/store"
)

// SyncStatus is the aggregate view exposed to the UI layer. Individual
// failures never propagate upward synchronously; callers observe these
// counts and the listener callbacks instead.
type SyncStatus struct {
	IsOnline          bool       `json:"is_online"`
	IsSyncing         bool       `json:"is_syncing"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
	PendingOperations int        `json:"pending_operations"`
	FailedOperations  int        `json:"failed_operations"`
}

// Listener receives status snapshots whenever sync state changes.
type Listener func(SyncStatus)

// Config holds orchestrator configuration.
type Config struct {
	// DebounceInterval is how long to wait after a trigger before
	// starting a cycle, collapsing bursts of enqueues into one cycle.
	DebounceInterval time.Duration

	// EntityTypes are the collections processed in the pull phase.
	EntityTypes []record.EntityType

	// TombstoneRetention is how long logically deleted records are
	// kept before physical removal during reconciliation.
	TombstoneRetention time.Duration

	// BackoffBase and BackoffCap bound the jittered exponential delay
	// applied to a failed operation before it is retried. A zero base
	// disables the gate (failed operations retry on the next cycle).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SpoolDir, when set, is watched for enqueue wakeups from other
	// processes (the CLI touches a marker file after each enqueue).
	SpoolDir string

	// PermanentFailureHook is called for each operation discarded
	// after exhausting its attempts. Optional.
	PermanentFailureHook func(record.Operation)

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:   2 * time.Second,
		EntityTypes:        record.AllEntityTypes(),
		TombstoneRetention: merge.DefaultTombstoneRetention,
		BackoffBase:        time.Second,
		BackoffCap:         time.Minute,
		Logger:             log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Syncer is the sync orchestrator.
type Syncer struct {
	store   *store.Store
	queue   *queue.Queue
	client  remote.Client
	monitor *netmon.Monitor
	cfg     *Config

	// isSyncing is the single-flight flag; checked and set atomically
	// before a cycle begins.
	isSyncing atomic.Bool

	// debounce is the single-slot timer handle, cancelled and reset on
	// every new trigger.
	debounceMu sync.Mutex
	debounce   *time.Timer

	// notBefore gates retries of failed operations between cycles.
	// In-memory only: a restart retries immediately, which is fine.
	notBeforeMu sync.Mutex
	notBefore   map[string]time.Time

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int

	wg sync.WaitGroup
}

// New creates an orchestrator. The store, queue, and client are
// required; monitor may be nil, in which case connectivity is assumed
// and every cycle runs its pull and push phases unconditionally. A
// cycle that runs without a reachability check charges failed remote
// calls against operation attempt budgets, so production wiring should
// always attach a monitor. If cfg is nil, DefaultConfig is used.
func New(st *store.Store, q *queue.Queue, client remote.Client, monitor *netmon.Monitor, cfg *Config) (*Syncer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 2 * time.Second
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = record.AllEntityTypes()
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = merge.DefaultTombstoneRetention
	}

	return &Syncer{
		store:     st,
		queue:     q,
		client:    client,
		monitor:   monitor,
		cfg:       cfg,
		notBefore: make(map[string]time.Time),
		listeners: make(map[int]Listener),
	}, nil
}

// SetPermanentFailureHook replaces the permanent failure callback.
// Must be called before Run.
func (s *Syncer) SetPermanentFailureHook(fn func(record.Operation)) {
	s.cfg.PermanentFailureHook = fn
}

// Online reports the current connectivity belief.
func (s *Syncer) Online() bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.Online()
}

// Status returns the aggregate sync status.
func (s *Syncer) Status() SyncStatus {
	status := SyncStatus{
		IsOnline:  s.Online(),
		IsSyncing: s.isSyncing.Load(),
	}
	if n, err := s.queue.Len(); err == nil {
		status.PendingOperations = n
	} else {
		s.cfg.Logger.Printf("Warning: failed to read queue depth: %v", err)
	}
	if n, err := s.store.FailedOperationCount(); err == nil {
		status.FailedOperations = n
	} else {
		s.cfg.Logger.Printf("Warning: failed to read failure count: %v", err)
	}
	if t, ok, err := s.store.LastSyncTime(); err == nil && ok {
		status.LastSyncTime = &t
	}
	return status
}

// AddListener registers a status callback and returns its handle.
func (s *Syncer) AddListener(fn Listener) int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return id
}

// RemoveListener unregisters a callback by handle.
func (s *Syncer) RemoveListener(id int) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, id)
}

// notifyListeners delivers a fresh status snapshot to every listener.
func (s *Syncer) notifyListeners() {
	status := s.Status()

	s.listenersMu.Lock()
	callbacks := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		callbacks = append(callbacks, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range callbacks {
		fn(status)
	}
}

// QueueOperation enqueues a raw mutation intent and schedules a
// debounced cycle when online. The caller is responsible for having
// applied the mutation optimistically to the store.
func (s *Syncer) QueueOperation(kind record.OpKind, entityType record.EntityType, payload json.RawMessage) (record.Operation, error) {
	op, err := s.queue.Enqueue(kind, entityType, payload)
	if err != nil {
		return record.Operation{}, err
	}
	s.scheduleDebounced()
	s.notifyListeners()
	return op, nil
}

// SubmitCreate applies an optimistic create to the store and queues
// the corresponding CREATE operation. Returns the local record, which
// carries its ClientID but no server ID yet.
func (s *Syncer) SubmitCreate(entityType record.EntityType, fields json.RawMessage) (record.Record, error) {
	rec := record.NewRecord(fields, time.Now())
	if err := s.store.Upsert(entityType, rec); err != nil {
		return record.Record{}, fmt.Errorf("failed to apply optimistic create: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to encode create payload: %w", err)
	}
	if _, err := s.QueueOperation(record.OpCreate, entityType, payload); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// SubmitUpdate applies an optimistic update to the store and queues
// the corresponding UPDATE operation. The record's UpdatedAt is set to
// now so the local edit wins merges until the server acknowledges it.
func (s *Syncer) SubmitUpdate(entityType record.EntityType, rec record.Record) (record.Record, error) {
	rec.UpdatedAt = time.Now()
	if err := s.store.Upsert(entityType, rec); err != nil {
		return record.Record{}, fmt.Errorf("failed to apply optimistic update: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to encode update payload: %w", err)
	}
	if _, err := s.QueueOperation(record.OpUpdate, entityType, payload); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// SubmitDelete tombstones the record locally and queues a DELETE
// operation. Deleting a record the store does not know is an error.
func (s *Syncer) SubmitDelete(entityType record.EntityType, key string) error {
	recs, err := s.store.Get(entityType)
	if err != nil {
		return err
	}

	var target *record.Record
	for i := range recs {
		if recs[i].Key() == key || recs[i].ClientID == key {
			target = &recs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no %s record with key %s", entityType, key)
	}

	target.MarkDeleted(time.Now())
	if err := s.store.Upsert(entityType, *target); err != nil {
		return fmt.Errorf("failed to apply optimistic delete: %w", err)
	}

	payload, err := json.Marshal(record.DeletePayload{ID: target.ID, ClientID: target.ClientID})
	if err != nil {
		return fmt.Errorf("failed to encode delete payload: %w", err)
	}
	if _, err := s.QueueOperation(record.OpDelete, entityType, payload); err != nil {
		return err
	}
	return nil
}

// ClearSyncData wipes all locally cached records, the pending queue,
// and sync metadata.
func (s *Syncer) ClearSyncData() error {
	if err := s.store.ClearSyncData(); err != nil {
		return err
	}

	s.notBeforeMu.Lock()
	s.notBefore = make(map[string]time.Time)
	s.notBeforeMu.Unlock()

	s.cfg.Logger.Println("Sync data cleared")
	s.notifyListeners()
	return nil
}

// ForceSync cancels any pending debounce timer and runs a cycle on the
// calling goroutine. Returns false without doing anything if a cycle
// is already in progress.
func (s *Syncer) ForceSync(ctx context.Context) bool {
	s.cancelDebounce()
	return s.trySync(ctx)
}

// trySync runs one cycle if none is active. Returns whether it ran.
func (s *Syncer) trySync(ctx context.Context) bool {
	if !s.isSyncing.CompareAndSwap(false, true) {
		return false
	}
	s.runCycle(ctx)
	return true
}

// scheduleDebounced arms the single-slot debounce timer when online.
// A trigger arriving while the timer is armed resets it, so a burst of
// enqueues produces one cycle.
//
// Each armed timer holds a WaitGroup slot until it fires or is
// stopped, so a shutdown waits for a cycle the timer has already
// started rather than closing the store underneath it.
func (s *Syncer) scheduleDebounced() {
	if !s.Online() {
		return
	}

	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounce != nil && s.debounce.Stop() {
		s.wg.Done()
	}
	s.wg.Add(1)
	s.debounce = time.AfterFunc(s.cfg.DebounceInterval, func() {
		defer s.wg.Done()
		s.trySync(context.Background())
	})
}

// cancelDebounce stops a pending debounce timer, if any. If the timer
// has already fired, its cycle keeps running and still holds the
// WaitGroup slot until it completes.
func (s *Syncer) cancelDebounce() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounce != nil {
		if s.debounce.Stop() {
			s.wg.Done()
		}
		s.debounce = nil
	}
}
