package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies one of the independently synchronized
// finance collections.
type EntityType string

const (
	// EntityTransactions is the ledger of individual transactions.
	EntityTransactions EntityType = "transactions"
	// EntityBudgets is the set of per-category monthly budgets.
	EntityBudgets EntityType = "budgets"
	// EntityGoals is the set of savings goals.
	EntityGoals EntityType = "goals"
)

// AllEntityTypes returns every synchronized collection, in the order
// the sync engine processes them during a pull phase.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityTransactions, EntityBudgets, EntityGoals}
}

// Valid reports whether et names a known collection.
func (et EntityType) Valid() bool {
	switch et {
	case EntityTransactions, EntityBudgets, EntityGoals:
		return true
	}
	return false
}

// Record is the envelope synchronized with the remote service.
//
// A record created locally has an empty ID until the server
// acknowledges the corresponding CREATE operation; until then it is
// identified by its ClientID. ClientID is assigned exactly once at
// creation time and never changes, which is what lets a later pull
// correlate the server's copy with the optimistic local one.
type Record struct {
	// ID is the server-assigned identifier. Empty until the server
	// has acknowledged the record.
	ID string `json:"id,omitempty"`

	// ClientID is the locally generated stable identifier, always
	// present.
	ClientID string `json:"client_id"`

	// UpdatedAt is the timestamp of the last mutation. Set locally on
	// every local edit, and by the server on every remote edit. Drives
	// last-write-wins conflict resolution.
	UpdatedAt time.Time `json:"updated_at"`

	// Deleted marks a logical delete. Tombstoned records are kept for
	// a retention window so a delete performed on one device wins over
	// a stale edit pulled from another.
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Fields carries the entity-specific payload (amount, category,
	// target, ...). Opaque to the sync engine.
	Fields json.RawMessage `json:"fields,omitempty"`
}

// NewRecord builds a record with a fresh ClientID and the given payload.
func NewRecord(fields json.RawMessage, now time.Time) Record {
	return Record{
		ClientID:  uuid.NewString(),
		UpdatedAt: now,
		Fields:    fields,
	}
}

// Key returns the identity used for matching during merge: the server
// ID when assigned, otherwise the ClientID.
func (r Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.ClientID
}

// Validate checks the envelope invariants.
func (r Record) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.Deleted && r.DeletedAt == nil {
		return fmt.Errorf("deleted record must carry deleted_at")
	}
	return nil
}

// MarkDeleted applies a logical delete at the given time.
func (r *Record) MarkDeleted(now time.Time) {
	r.Deleted = true
	r.DeletedAt = &now
	r.UpdatedAt = now
}
