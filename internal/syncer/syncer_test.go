package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finchapp/finch/internal/netmon"
	"github.com/finchapp/finch/internal/queue"
	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/remote"
	"github.com/finchapp/finch/internal/store"
)

// fakeClient is an in-memory remote.Client. Setting err makes every
// call fail with that error. The gate channels, when non-nil, block
// ListAll or Create until closed; the matching entered channel is
// closed on first entry so a test can hold a cycle mid-flight.
type fakeClient struct {
	mu      sync.Mutex
	records map[record.EntityType][]record.Record
	err     error
	nextID  int

	createCalls int
	updateCalls int
	deleteCalls int
	listCalls   map[record.EntityType]int

	listGate    chan struct{}
	listEntered chan struct{}
	enterOnce   sync.Once

	createGate      chan struct{}
	createEntered   chan struct{}
	createEnterOnce sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		records:   make(map[record.EntityType][]record.Record),
		listCalls: make(map[record.EntityType]int),
	}
}

// cycles reports how many pull phases reached this client, using the
// first collection's list count as the proxy.
func (f *fakeClient) cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[record.EntityTransactions]
}

func (f *fakeClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeClient) seed(et record.EntityType, recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[et] = recs
}

func (f *fakeClient) ListAll(ctx context.Context, et record.EntityType) ([]record.Record, error) {
	if f.listGate != nil {
		f.enterOnce.Do(func() { close(f.listEntered) })
		<-f.listGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[et]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]record.Record(nil), f.records[et]...), nil
}

func (f *fakeClient) Create(ctx context.Context, et record.EntityType, rec record.Record) (record.Record, error) {
	if f.createGate != nil {
		f.createEnterOnce.Do(func() { close(f.createEntered) })
		<-f.createGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.err != nil {
		return record.Record{}, f.err
	}

	f.nextID++
	rec.ID = fmt.Sprintf("srv-%d", f.nextID)
	f.records[et] = append(f.records[et], rec)
	return rec, nil
}

func (f *fakeClient) Update(ctx context.Context, et record.EntityType, rec record.Record) (record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.err != nil {
		return record.Record{}, f.err
	}

	for i, existing := range f.records[et] {
		if existing.ID == rec.ID {
			f.records[et][i] = rec
			return rec, nil
		}
	}
	return record.Record{}, fmt.Errorf("update %s: %w", rec.ID, remote.ErrNotFound)
}

func (f *fakeClient) Delete(ctx context.Context, et record.EntityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.err != nil {
		return f.err
	}

	for i, existing := range f.records[et] {
		if existing.ID == id {
			f.records[et] = append(f.records[et][:i], f.records[et][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete %s: %w", id, remote.ErrNotFound)
}

// newTestSyncer builds a syncer on a temp store with a huge debounce
// interval (tests drive cycles through ForceSync) and no retry gate.
func newTestSyncer(t *testing.T, client remote.Client, monitor *netmon.Monitor) *Syncer {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "finch.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	q := queue.New(st, filepath.Join(dir, "spool"), queue.Discard())

	s, err := New(st, q, client, monitor, &Config{
		DebounceInterval: time.Hour,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// createPayload builds a valid CREATE operation payload.
func createPayload(t *testing.T) json.RawMessage {
	t.Helper()

	payload, err := json.Marshal(record.NewRecord(json.RawMessage(`{"amount":"1"}`), time.Now()))
	if err != nil {
		t.Fatalf("Failed to encode payload: %v", err)
	}
	return payload
}

func testMonitor(t *testing.T, online *atomic.Bool) *netmon.Monitor {
	t.Helper()

	m, err := netmon.New(func(ctx context.Context) bool {
		return online.Load()
	}, time.Hour, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("netmon.New() error: %v", err)
	}
	return m
}

func TestOfflineCreateThenReconnect(t *testing.T) {
	var online atomic.Bool
	fc := newFakeClient()
	s := newTestSyncer(t, fc, testMonitor(t, &online))

	rec, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"12.50","category":"groceries"}`))
	if err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}
	if rec.ID != "" {
		t.Errorf("optimistic record already has server ID %q", rec.ID)
	}
	if rec.ClientID == "" {
		t.Error("optimistic record has no client ID")
	}

	// Offline cycle: nothing dispatched, no attempts consumed.
	if !s.ForceSync(context.Background()) {
		t.Fatal("ForceSync() did not run")
	}
	ops, _ := s.queue.Drain()
	if len(ops) != 1 {
		t.Fatalf("queue len = %d, want 1", len(ops))
	}
	if ops[0].Attempts != 0 {
		t.Errorf("offline cycle consumed an attempt: %d", ops[0].Attempts)
	}
	if fc.createCalls != 0 {
		t.Errorf("Create called %d times while offline", fc.createCalls)
	}

	// Reconnect and sync: the queued CREATE drains and the local copy
	// adopts the server ID.
	online.Store(true)
	if !s.ForceSync(context.Background()) {
		t.Fatal("ForceSync() after reconnect did not run")
	}

	ops, _ = s.queue.Drain()
	if len(ops) != 0 {
		t.Errorf("queue not empty after sync: %+v", ops)
	}

	recs, err := s.store.Get(record.EntityTransactions)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("store has %d records, want 1", len(recs))
	}
	if !strings.HasPrefix(recs[0].ID, "srv-") {
		t.Errorf("server ID not reconciled: %q", recs[0].ID)
	}
	if recs[0].ClientID != rec.ClientID {
		t.Errorf("client ID lost during reconciliation: %q", recs[0].ClientID)
	}
}

func TestPullRemoteNewerWins(t *testing.T) {
	older := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	fc := newFakeClient()
	fc.seed(record.EntityBudgets, record.Record{
		ID: "s1", ClientID: "c1", UpdatedAt: newer,
		Fields: json.RawMessage(`{"limit":"300"}`),
	})

	s := newTestSyncer(t, fc, nil)
	if err := s.store.ReplaceAll(record.EntityBudgets, []record.Record{{
		ID: "s1", ClientID: "c1", UpdatedAt: older,
		Fields: json.RawMessage(`{"limit":"200"}`),
	}}); err != nil {
		t.Fatalf("ReplaceAll() error: %v", err)
	}

	s.ForceSync(context.Background())

	recs, _ := s.store.Get(record.EntityBudgets)
	if len(recs) != 1 {
		t.Fatalf("store has %d records, want 1", len(recs))
	}
	if string(recs[0].Fields) != `{"limit":"300"}` {
		t.Errorf("remote edit lost: %s", recs[0].Fields)
	}
	if !recs[0].UpdatedAt.Equal(newer) {
		t.Errorf("UpdatedAt = %v, want %v", recs[0].UpdatedAt, newer)
	}
}

func TestPullLocalWinsOnTie(t *testing.T) {
	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	fc := newFakeClient()
	fc.seed(record.EntityBudgets, record.Record{
		ID: "s1", ClientID: "c1", UpdatedAt: at,
		Fields: json.RawMessage(`{"limit":"300"}`),
	})

	s := newTestSyncer(t, fc, nil)
	if err := s.store.ReplaceAll(record.EntityBudgets, []record.Record{{
		ID: "s1", ClientID: "c1", UpdatedAt: at,
		Fields: json.RawMessage(`{"limit":"200"}`),
	}}); err != nil {
		t.Fatalf("ReplaceAll() error: %v", err)
	}

	s.ForceSync(context.Background())

	recs, _ := s.store.Get(record.EntityBudgets)
	if len(recs) != 1 || string(recs[0].Fields) != `{"limit":"200"}` {
		t.Errorf("local copy did not win the tie: %+v", recs)
	}
}

func TestPermanentFailureAfterMaxAttempts(t *testing.T) {
	fc := newFakeClient()
	fc.setErr(fmt.Errorf("connection reset: %w", remote.ErrNetwork))

	s := newTestSyncer(t, fc, nil)

	var hooked []record.Operation
	s.SetPermanentFailureHook(func(op record.Operation) {
		hooked = append(hooked, op)
	})

	if _, err := s.SubmitCreate(record.EntityGoals, json.RawMessage(`{"target":"1000"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	for attempt := 1; attempt <= record.DefaultMaxAttempts; attempt++ {
		s.ForceSync(context.Background())

		ops, _ := s.queue.Drain()
		if attempt < record.DefaultMaxAttempts {
			if len(ops) != 1 {
				t.Fatalf("after attempt %d: queue len = %d, want 1", attempt, len(ops))
			}
			if ops[0].Attempts != attempt {
				t.Errorf("after attempt %d: Attempts = %d", attempt, ops[0].Attempts)
			}
			if ops[0].LastError == "" {
				t.Errorf("after attempt %d: LastError empty", attempt)
			}
		} else if len(ops) != 0 {
			t.Errorf("operation not discarded after %d attempts: %+v", attempt, ops)
		}
	}

	if n, _ := s.store.FailedOperationCount(); n != 1 {
		t.Errorf("failed operation count = %d, want 1", n)
	}
	if len(hooked) != 1 {
		t.Fatalf("hook called %d times, want 1", len(hooked))
	}
	if hooked[0].Attempts != record.DefaultMaxAttempts {
		t.Errorf("hooked op Attempts = %d, want %d", hooked[0].Attempts, record.DefaultMaxAttempts)
	}

	// The optimistic local record survives the discard.
	recs, _ := s.store.Get(record.EntityGoals)
	if len(recs) != 1 {
		t.Errorf("optimistic record lost with the operation: %+v", recs)
	}
}

func TestRetryAfterTransientFailure(t *testing.T) {
	fc := newFakeClient()
	fc.setErr(fmt.Errorf("gateway timeout: %w", remote.ErrNetwork))

	s := newTestSyncer(t, fc, nil)

	rec, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"5"}`))
	if err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	s.ForceSync(context.Background())

	ops, _ := s.queue.Drain()
	if len(ops) != 1 || ops[0].Attempts != 1 {
		t.Fatalf("transient failure bookkeeping wrong: %+v", ops)
	}

	// Server recovers; the retry drains the queue.
	fc.setErr(nil)
	s.ForceSync(context.Background())

	if ops, _ = s.queue.Drain(); len(ops) != 0 {
		t.Errorf("queue not empty after recovery: %+v", ops)
	}
	recs, _ := s.store.Get(record.EntityTransactions)
	if len(recs) != 1 || recs[0].ID == "" || recs[0].ClientID != rec.ClientID {
		t.Errorf("record not reconciled after retry: %+v", recs)
	}
}

func TestUpdateResolvesServerIDAfterCreate(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)

	rec, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"5"}`))
	if err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	// Edit before the create has been pushed: the UPDATE is enqueued
	// with no server ID and must resolve it once the CREATE lands.
	rec.Fields = json.RawMessage(`{"amount":"7"}`)
	if _, err := s.SubmitUpdate(record.EntityTransactions, rec); err != nil {
		t.Fatalf("SubmitUpdate() error: %v", err)
	}

	s.ForceSync(context.Background())

	if ops, _ := s.queue.Drain(); len(ops) != 0 {
		t.Fatalf("queue not empty: %+v", ops)
	}
	if fc.createCalls != 1 || fc.updateCalls != 1 {
		t.Errorf("calls = %d creates, %d updates, want 1/1", fc.createCalls, fc.updateCalls)
	}
	recs, _ := s.store.Get(record.EntityTransactions)
	if len(recs) != 1 || string(recs[0].Fields) != `{"amount":"7"}` {
		t.Errorf("edit lost: %+v", recs)
	}
}

func TestDeleteNeverSyncedStaysLocal(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)

	rec := record.NewRecord(json.RawMessage(`{"amount":"5"}`), time.Now())
	if err := s.store.Upsert(record.EntityTransactions, rec); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	if err := s.SubmitDelete(record.EntityTransactions, rec.ClientID); err != nil {
		t.Fatalf("SubmitDelete() error: %v", err)
	}

	s.ForceSync(context.Background())

	if fc.deleteCalls != 0 {
		t.Errorf("Delete reached the server for a never-synced record")
	}
	if ops, _ := s.queue.Drain(); len(ops) != 0 {
		t.Errorf("queue not empty: %+v", ops)
	}
	if recs, _ := s.store.Get(record.EntityTransactions); len(recs) != 0 {
		t.Errorf("local tombstone survived: %+v", recs)
	}
}

func TestDeleteAlreadyGoneCountsAsDone(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)

	rec := record.NewRecord(json.RawMessage(`{"amount":"5"}`), time.Now())
	rec.ID = "s1"
	if err := s.store.Upsert(record.EntityTransactions, rec); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	// The server never heard of s1, so Delete returns not-found.
	if err := s.SubmitDelete(record.EntityTransactions, "s1"); err != nil {
		t.Fatalf("SubmitDelete() error: %v", err)
	}

	s.ForceSync(context.Background())

	if fc.deleteCalls != 1 {
		t.Errorf("Delete called %d times, want 1", fc.deleteCalls)
	}
	if ops, _ := s.queue.Drain(); len(ops) != 0 {
		t.Errorf("not-found delete stayed queued: %+v", ops)
	}
	if n, _ := s.store.FailedOperationCount(); n != 0 {
		t.Errorf("not-found delete counted as failure: %d", n)
	}
}

func TestSingleFlight(t *testing.T) {
	fc := newFakeClient()
	fc.listGate = make(chan struct{})
	fc.listEntered = make(chan struct{})

	s := newTestSyncer(t, fc, nil)

	done := make(chan bool, 1)
	go func() {
		done <- s.ForceSync(context.Background())
	}()

	// Wait until the first cycle is blocked inside the pull phase.
	select {
	case <-fc.listEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached ListAll")
	}

	if s.ForceSync(context.Background()) {
		t.Error("second concurrent ForceSync() ran")
	}

	close(fc.listGate)
	if !<-done {
		t.Error("first ForceSync() reported it did not run")
	}

	// With the first cycle finished, a new one may start.
	if !s.ForceSync(context.Background()) {
		t.Error("ForceSync() after completion did not run")
	}
}

func TestBackoffGateDefersRetry(t *testing.T) {
	fc := newFakeClient()
	fc.setErr(fmt.Errorf("boom: %w", remote.ErrNetwork))

	s := newTestSyncer(t, fc, nil)
	s.cfg.BackoffBase = time.Hour
	s.cfg.BackoffCap = time.Hour

	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"5"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	s.ForceSync(context.Background())
	if fc.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", fc.createCalls)
	}

	// Second cycle inside the backoff window: the op is skipped without
	// touching the server or its attempt budget.
	s.ForceSync(context.Background())
	if fc.createCalls != 1 {
		t.Errorf("backoff gate did not hold: createCalls = %d", fc.createCalls)
	}
	ops, _ := s.queue.Drain()
	if len(ops) != 1 || ops[0].Attempts != 1 {
		t.Errorf("gated op bookkeeping wrong: %+v", ops)
	}
}

func TestStatusAndListeners(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)

	var mu sync.Mutex
	var seen []SyncStatus
	id := s.AddListener(func(st SyncStatus) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"5"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	mu.Lock()
	if len(seen) == 0 || seen[len(seen)-1].PendingOperations != 1 {
		t.Errorf("listener did not observe the pending operation: %+v", seen)
	}
	mu.Unlock()

	st := s.Status()
	if !st.IsOnline {
		t.Error("IsOnline = false with nil monitor")
	}
	if st.PendingOperations != 1 {
		t.Errorf("PendingOperations = %d, want 1", st.PendingOperations)
	}
	if st.LastSyncTime != nil {
		t.Error("LastSyncTime set before any cycle")
	}

	s.ForceSync(context.Background())

	st = s.Status()
	if st.PendingOperations != 0 || st.LastSyncTime == nil {
		t.Errorf("post-cycle status wrong: %+v", st)
	}

	s.RemoveListener(id)
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"6"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}
	mu.Lock()
	if len(seen) != n {
		t.Error("removed listener still receiving snapshots")
	}
	mu.Unlock()
}

func TestClearSyncData(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)

	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"5"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	if err := s.ClearSyncData(); err != nil {
		t.Fatalf("ClearSyncData() error: %v", err)
	}

	if recs, _ := s.store.Get(record.EntityTransactions); len(recs) != 0 {
		t.Errorf("records survived clear: %+v", recs)
	}
	st := s.Status()
	if st.PendingOperations != 0 || st.FailedOperations != 0 || st.LastSyncTime != nil {
		t.Errorf("status not reset: %+v", st)
	}
}

func TestTombstoneBlocksStaleRemoteEdit(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	fc := newFakeClient()
	// A stale remote edit from before the local delete.
	fc.seed(record.EntityGoals, record.Record{
		ID: "s1", ClientID: "c1", UpdatedAt: base,
		Fields: json.RawMessage(`{"target":"900"}`),
	})

	s := newTestSyncer(t, fc, nil)
	if err := s.store.ReplaceAll(record.EntityGoals, []record.Record{{
		ID: "s1", ClientID: "c1", UpdatedAt: base,
		Fields: json.RawMessage(`{"target":"1000"}`),
	}}); err != nil {
		t.Fatalf("ReplaceAll() error: %v", err)
	}
	if err := s.SubmitDelete(record.EntityGoals, "s1"); err != nil {
		t.Fatalf("SubmitDelete() error: %v", err)
	}

	s.ForceSync(context.Background())

	// The delete reached the server and the record does not resurface
	// to active reads.
	if fc.deleteCalls != 1 {
		t.Errorf("Delete called %d times, want 1", fc.deleteCalls)
	}
	active, _ := s.store.GetActive(record.EntityGoals)
	if len(active) != 0 {
		t.Errorf("deleted record resurfaced: %+v", active)
	}
}

func TestMidCycleEnqueueSurvivesPush(t *testing.T) {
	fc := newFakeClient()
	fc.createGate = make(chan struct{})
	fc.createEntered = make(chan struct{})
	s := newTestSyncer(t, fc, nil)

	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"1"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		done <- s.ForceSync(context.Background())
	}()

	// Hold the cycle inside its remote call.
	select {
	case <-fc.createEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached Create")
	}

	// Enqueued while the push phase is mid-flight.
	second, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"2"}`))
	if err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	close(fc.createGate)
	if !<-done {
		t.Fatal("ForceSync() reported it did not run")
	}

	ops, _ := s.queue.Drain()
	if len(ops) != 1 {
		t.Fatalf("mid-cycle enqueue vanished: queue = %+v", ops)
	}
	payload, err := ops[0].RecordPayload()
	if err != nil {
		t.Fatalf("RecordPayload() error: %v", err)
	}
	if payload.ClientID != second.ClientID {
		t.Errorf("surviving op is for %s, want %s", payload.ClientID, second.ClientID)
	}
	if ops[0].Attempts != 0 {
		t.Errorf("untouched op charged %d attempts", ops[0].Attempts)
	}

	// The next cycle pushes it.
	s.ForceSync(context.Background())
	if ops, _ = s.queue.Drain(); len(ops) != 0 {
		t.Errorf("queue not empty after second cycle: %+v", ops)
	}
	recs, _ := s.store.Get(record.EntityTransactions)
	if len(recs) != 2 {
		t.Fatalf("store has %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.ID == "" {
			t.Errorf("record %s never reconciled", rec.ClientID)
		}
	}
}

func TestOfflineCyclesPreserveAttemptBudget(t *testing.T) {
	var online atomic.Bool
	fc := newFakeClient()
	s := newTestSyncer(t, fc, testMonitor(t, &online))

	if _, err := s.SubmitCreate(record.EntityGoals, json.RawMessage(`{"target":"100"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	// Repeated one-shot syncs on a dead network must not discard
	// anything.
	for i := 0; i < 2*record.DefaultMaxAttempts; i++ {
		if !s.ForceSync(context.Background()) {
			t.Fatal("ForceSync() did not run")
		}
	}

	ops, _ := s.queue.Drain()
	if len(ops) != 1 || ops[0].Attempts != 0 {
		t.Fatalf("offline cycles consumed attempts: %+v", ops)
	}
	if n, _ := s.store.FailedOperationCount(); n != 0 {
		t.Errorf("offline cycles recorded %d permanent failures", n)
	}
	if fc.createCalls != 0 || fc.cycles() != 0 {
		t.Errorf("offline cycle reached the server: %d creates, %d pulls", fc.createCalls, fc.cycles())
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)
	s.cfg.DebounceInterval = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		if _, err := s.QueueOperation(record.OpCreate, record.EntityTransactions, createPayload(t)); err != nil {
			t.Fatalf("QueueOperation() error: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "queue drain", func() bool {
		n, _ := s.queue.Len()
		return n == 0
	})
	// Any stray second timer would have fired by now.
	time.Sleep(150 * time.Millisecond)

	if got := fc.cycles(); got != 1 {
		t.Errorf("burst of 5 enqueues produced %d cycles, want 1", got)
	}
	recs, _ := s.store.Get(record.EntityTransactions)
	if len(recs) != 5 {
		t.Errorf("store has %d records, want 5", len(recs))
	}
}

func TestForceSyncCancelsPendingDebounce(t *testing.T) {
	fc := newFakeClient()
	s := newTestSyncer(t, fc, nil)
	s.cfg.DebounceInterval = 100 * time.Millisecond

	if _, err := s.QueueOperation(record.OpCreate, record.EntityTransactions, createPayload(t)); err != nil {
		t.Fatalf("QueueOperation() error: %v", err)
	}

	if !s.ForceSync(context.Background()) {
		t.Fatal("ForceSync() did not run")
	}
	if got := fc.cycles(); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}

	// The armed timer was cancelled; waiting past its interval must not
	// produce a second cycle.
	time.Sleep(250 * time.Millisecond)
	if got := fc.cycles(); got != 1 {
		t.Errorf("cancelled debounce still fired: %d cycles", got)
	}
}

func TestRunSyncsOnReconnect(t *testing.T) {
	var online atomic.Bool
	m := testMonitor(t, &online)
	fc := newFakeClient()
	s := newTestSyncer(t, fc, m)
	s.cfg.DebounceInterval = 20 * time.Millisecond

	rec, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"9"}`))
	if err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	var notified atomic.Int32
	s.AddListener(func(SyncStatus) {
		notified.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// The initial cycle short-circuits offline; wait for its start and
	// end notifications so the monitor is up before we flip the state.
	waitFor(t, "initial cycle", func() bool {
		return notified.Load() >= 2
	})

	online.Store(true)
	m.CheckNow(context.Background())

	waitFor(t, "queue drain after reconnect", func() bool {
		n, _ := s.queue.Len()
		return n == 0
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	recs, _ := s.store.Get(record.EntityTransactions)
	if len(recs) != 1 || recs[0].ID == "" || recs[0].ClientID != rec.ClientID {
		t.Errorf("record not pushed after reconnect: %+v", recs)
	}
}

func TestRunSyncsOnSpoolWakeup(t *testing.T) {
	fc := newFakeClient()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "finch.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	spool := filepath.Join(dir, "spool")
	q := queue.New(st, spool, queue.Discard())

	s, err := New(st, q, fc, nil, &Config{
		DebounceInterval: 20 * time.Millisecond,
		SpoolDir:         spool,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// Initial cycle completing means the spool watcher is up.
	waitFor(t, "initial cycle", func() bool {
		return fc.cycles() >= 1
	})

	// A short-lived CLI process: its own queue on the shared store,
	// touching the wakeup marker on enqueue.
	cli := queue.New(st, spool, queue.Discard())
	if _, err := cli.Enqueue(record.OpCreate, record.EntityTransactions, createPayload(t)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, _ := q.Len()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon never drained the CLI enqueue")
		}
		// A real CLI touches the marker on every enqueue; re-touching
		// keeps the test robust against a missed first event.
		_ = os.WriteFile(filepath.Join(spool, queue.WakeupFile), []byte(time.Now().String()), 0644)
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestShutdownWaitsForDebouncedCycle(t *testing.T) {
	fc := newFakeClient()
	fc.createGate = make(chan struct{})
	fc.createEntered = make(chan struct{})
	s := newTestSyncer(t, fc, nil)
	s.cfg.DebounceInterval = 10 * time.Millisecond

	var notified atomic.Int32
	s.AddListener(func(SyncStatus) {
		notified.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	// Let the initial (empty) cycle finish before queueing work.
	waitFor(t, "initial cycle", func() bool {
		return notified.Load() >= 2
	})

	if _, err := s.SubmitCreate(record.EntityTransactions, json.RawMessage(`{"amount":"3"}`)); err != nil {
		t.Fatalf("SubmitCreate() error: %v", err)
	}

	select {
	case <-fc.createEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced cycle never reached Create")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a cycle was still dispatching")
	case <-time.After(100 * time.Millisecond):
	}

	close(fc.createGate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the cycle finished")
	}
}
