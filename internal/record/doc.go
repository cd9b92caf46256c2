// Package record defines the data model shared by the sync engine:
// the generic record envelope synchronized with the remote service,
// the typed finance payloads carried inside it, and the pending
// operation format persisted in the outbound queue.
//
// The engine itself treats record payloads as opaque JSON. Only the
// envelope fields (id, client_id, updated_at, deletion markers) take
// part in merge and reconciliation decisions.
package record
