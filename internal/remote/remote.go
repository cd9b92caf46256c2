// Package remote provides the client adapter for the finance API: one
// thin CRUD surface per entity type, with a typed failure taxonomy and
// no internal retries. All retry policy lives in the sync orchestrator.
package remote

import (
	"context"
	"errors"

	"github.com/finchapp/finch/internal/record"
)

// Sentinel errors classifying remote failures. Callers use errors.Is.
var (
	// ErrNetwork is a transport-level failure (connection refused,
	// timeout, 5xx). Worth retrying.
	ErrNetwork = errors.New("network failure")

	// ErrValidation means the server rejected the payload. Retrying
	// the same payload will not help, but the current design spends
	// attempts on it the same way (see orchestrator).
	ErrValidation = errors.New("validation failure")

	// ErrNotFound means the record does not exist on the server.
	ErrNotFound = errors.New("record not found")
)

// Client is the remote adapter consumed by the sync orchestrator.
//
// Implementations must not retry internally; each call maps to at most
// one request. Failures are classified with the sentinel errors above
// so the orchestrator can decide what to do with the operation.
type Client interface {
	// ListAll fetches the server's full view of one collection.
	ListAll(ctx context.Context, entityType record.EntityType) ([]record.Record, error)

	// Create sends a new record and returns the server's copy, which
	// carries the assigned ID and authoritative updated_at.
	Create(ctx context.Context, entityType record.EntityType, rec record.Record) (record.Record, error)

	// Update replaces an existing record and returns the server's copy.
	Update(ctx context.Context, entityType record.EntityType, rec record.Record) (record.Record, error)

	// Delete removes a record by server ID. Deleting an absent record
	// returns ErrNotFound; the orchestrator treats that as success.
	Delete(ctx context.Context, entityType record.EntityType, id string) error
}
