package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind is the kind of pending mutation awaiting transmission.
type OpKind string

const (
	// OpCreate creates a new remote record.
	OpCreate OpKind = "CREATE"
	// OpUpdate replaces an existing remote record.
	OpUpdate OpKind = "UPDATE"
	// OpDelete removes a remote record.
	OpDelete OpKind = "DELETE"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// DefaultMaxAttempts is the transmission ceiling after which a pending
// operation is discarded and surfaced as a permanent failure.
const DefaultMaxAttempts = 3

// Operation is a queued mutation intent: a local edit that has been
// applied optimistically and still needs to reach the remote service.
//
// Operations are immutable once enqueued, except that Attempts and
// LastError are updated after each failed transmission.
type Operation struct {
	ID         string     `json:"id"`
	Kind       OpKind     `json:"kind"`
	EntityType EntityType `json:"entity_type"`

	// Payload is the full record for CREATE/UPDATE, or a DeletePayload
	// for DELETE.
	Payload json.RawMessage `json:"payload"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeletePayload is the payload of a DELETE operation: only the record
// identity is needed on the wire.
type DeletePayload struct {
	// ID is the server-assigned identifier of the record to delete.
	ID string `json:"id"`
	// ClientID identifies the local tombstone so the store entry can
	// be located after the remote call succeeds.
	ClientID string `json:"client_id,omitempty"`
}

// NewOperation builds a pending operation with a fresh ID.
func NewOperation(kind OpKind, entityType EntityType, payload json.RawMessage, now time.Time) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        kind,
		EntityType:  entityType,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  now,
	}
}

// Validate checks the operation invariants.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if !op.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if len(op.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if op.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive (got %d)", op.MaxAttempts)
	}
	return nil
}

// Exhausted reports whether the operation has consumed all of its
// transmission attempts.
func (op Operation) Exhausted() bool {
	return op.Attempts >= op.MaxAttempts
}

// RecordPayload decodes the payload of a CREATE/UPDATE operation.
func (op Operation) RecordPayload() (Record, error) {
	var rec Record
	if err := json.Unmarshal(op.Payload, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode record payload for op %s: %w", op.ID, err)
	}
	return rec, nil
}

// DeleteTarget decodes the payload of a DELETE operation.
func (op Operation) DeleteTarget() (DeletePayload, error) {
	var p DeletePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return DeletePayload{}, fmt.Errorf("failed to decode delete payload for op %s: %w", op.ID, err)
	}
	return p, nil
}
