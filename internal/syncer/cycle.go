package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/finchapp/finch/internal/merge"
	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/remote"
)

// runCycle executes one full pull-then-push cycle. The caller must
// hold the single-flight flag; runCycle releases it on return and
// notifies listeners of the final state.
func (s *Syncer) runCycle(ctx context.Context) {
	started := time.Now()
	s.notifyListeners()

	defer func() {
		s.isSyncing.Store(false)
		s.notifyListeners()
	}()

	// Total offline: skip the whole cycle without consuming attempts.
	if s.monitor != nil && !s.monitor.CheckNow(ctx) {
		s.cfg.Logger.Println("Offline, skipping sync cycle")
		return
	}

	s.cfg.Logger.Println("Sync cycle started")

	s.pullPhase(ctx)
	s.pushPhase(ctx)

	if err := s.store.SetLastSyncTime(time.Now()); err != nil {
		s.cfg.Logger.Printf("Warning: failed to record sync time: %v", err)
	}

	s.cfg.Logger.Printf("Sync cycle complete in %v", time.Since(started).Round(time.Millisecond))
}

// pullPhase fetches each collection, reconciles it against local
// state, and writes the merged result back. A failed pull for one
// entity type is logged and skipped; the cycle continues with the
// others and the stale local data stays untouched until next time.
func (s *Syncer) pullPhase(ctx context.Context) {
	now := time.Now()

	for _, et := range s.cfg.EntityTypes {
		remoteRecs, err := s.client.ListAll(ctx, et)
		if err != nil {
			s.cfg.Logger.Printf("Warning: pull failed for %s: %v", et, err)
			continue
		}

		local, err := s.store.Get(et)
		if err != nil {
			s.cfg.Logger.Printf("Warning: failed to read local %s: %v", et, err)
			continue
		}

		merged := merge.Merge(local, remoteRecs)
		merged = merge.CompactDeleted(merged, s.cfg.TombstoneRetention, now)

		if err := s.store.ReplaceAll(et, merged); err != nil {
			s.cfg.Logger.Printf("Warning: failed to store merged %s: %v", et, err)
			continue
		}

		s.cfg.Logger.Printf("Pulled %s: %d remote, %d after merge", et, len(remoteRecs), len(merged))
	}
}

// pushPhase drains the pending queue in FIFO order and commits the
// surviving operations back in one atomic replace.
func (s *Syncer) pushPhase(ctx context.Context) {
	ops, err := s.queue.Drain()
	if err != nil {
		s.cfg.Logger.Printf("Warning: failed to drain queue: %v", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	now := time.Now()
	var kept []record.Operation
	discarded := 0

	for _, op := range ops {
		if !s.eligible(op, now) {
			kept = append(kept, op)
			continue
		}

		err := s.dispatch(ctx, op)
		if err == nil {
			s.clearBackoff(op.ID)
			s.cfg.Logger.Printf("Pushed %s %s (%s)", op.Kind, op.EntityType, op.ID)
			continue
		}

		op.Attempts++
		op.LastError = err.Error()

		if op.Exhausted() {
			discarded++
			s.clearBackoff(op.ID)
			s.cfg.Logger.Printf("Permanent failure: %s %s (%s) after %d attempts: %v",
				op.Kind, op.EntityType, op.ID, op.Attempts, err)
			if s.cfg.PermanentFailureHook != nil {
				s.cfg.PermanentFailureHook(op)
			}
			continue
		}

		s.setBackoff(op.ID, op.Attempts, now)
		s.cfg.Logger.Printf("Push failed (attempt %d/%d): %s %s (%s): %v",
			op.Attempts, op.MaxAttempts, op.Kind, op.EntityType, op.ID, err)
		kept = append(kept, op)
	}

	// Commit against the live queue: operations enqueued while this
	// cycle was dispatching are retained for the next one.
	if err := s.queue.Commit(ops, kept); err != nil {
		s.cfg.Logger.Printf("Warning: failed to persist queue after push: %v", err)
	}
	if discarded > 0 {
		if err := s.store.AddFailedOperations(discarded); err != nil {
			s.cfg.Logger.Printf("Warning: failed to record permanent failures: %v", err)
		}
	}
}

// dispatch sends one operation through the remote client and performs
// the local bookkeeping a success requires.
func (s *Syncer) dispatch(ctx context.Context, op record.Operation) error {
	switch op.Kind {
	case record.OpCreate:
		rec, err := op.RecordPayload()
		if err != nil {
			return err
		}
		created, err := s.client.Create(ctx, op.EntityType, rec)
		if err != nil {
			return err
		}
		// Reconcile clientId -> id: the server's copy replaces the
		// optimistic local entry, matched by ClientID.
		if created.ClientID == "" {
			created.ClientID = rec.ClientID
		}
		if err := s.store.Upsert(op.EntityType, created); err != nil {
			return fmt.Errorf("failed to store server copy: %w", err)
		}
		return nil

	case record.OpUpdate:
		rec, err := op.RecordPayload()
		if err != nil {
			return err
		}
		if rec.ID == "" {
			// The record may have gained its server ID since this
			// operation was enqueued (its CREATE succeeded earlier in
			// this drain, or a pull matched it by client ID).
			if id, ok := s.resolveServerID(op.EntityType, rec.ClientID); ok {
				rec.ID = id
			} else {
				return fmt.Errorf("record %s has no server id yet: %w", rec.ClientID, remote.ErrValidation)
			}
		}
		updated, err := s.client.Update(ctx, op.EntityType, rec)
		if err != nil {
			return err
		}
		if updated.ClientID == "" {
			updated.ClientID = rec.ClientID
		}
		if err := s.store.Upsert(op.EntityType, updated); err != nil {
			return fmt.Errorf("failed to store server copy: %w", err)
		}
		return nil

	case record.OpDelete:
		target, err := op.DeleteTarget()
		if err != nil {
			return err
		}
		id := target.ID
		if id == "" {
			resolved, ok := s.resolveServerID(op.EntityType, target.ClientID)
			if !ok {
				// The record never reached the server; dropping the
				// local tombstone completes the delete.
				return s.store.Remove(op.EntityType, target.ClientID)
			}
			id = resolved
		}
		err = s.client.Delete(ctx, op.EntityType, id)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		// Already gone counts as done: deletes are idempotent.
		return nil

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// resolveServerID looks up the server ID a store entry with the given
// client ID has been assigned, if any.
func (s *Syncer) resolveServerID(et record.EntityType, clientID string) (string, bool) {
	if clientID == "" {
		return "", false
	}
	recs, err := s.store.Get(et)
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if r.ClientID == clientID && r.ID != "" {
			return r.ID, true
		}
	}
	return "", false
}

// eligible reports whether the operation's backoff window has elapsed.
func (s *Syncer) eligible(op record.Operation, now time.Time) bool {
	s.notBeforeMu.Lock()
	defer s.notBeforeMu.Unlock()

	gate, ok := s.notBefore[op.ID]
	return !ok || !now.Before(gate)
}

// setBackoff arms a jittered exponential retry gate for a failed
// operation: base * 2^(attempts-1), capped, with up to 50% jitter so
// retries against a degraded server spread out.
func (s *Syncer) setBackoff(opID string, attempts int, now time.Time) {
	if s.cfg.BackoffBase <= 0 {
		return
	}

	delay := s.cfg.BackoffBase << (attempts - 1)
	if s.cfg.BackoffCap > 0 && delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	s.notBeforeMu.Lock()
	s.notBefore[opID] = now.Add(delay)
	s.notBeforeMu.Unlock()
}

// clearBackoff drops the retry gate for an operation leaving the queue.
func (s *Syncer) clearBackoff(opID string) {
	s.notBeforeMu.Lock()
	delete(s.notBefore, opID)
	s.notBeforeMu.Unlock()
}
