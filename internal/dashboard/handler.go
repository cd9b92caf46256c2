package dashboard

import (
	"log"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/syncer"
)

// Handler bridges sync engine callbacks to dashboard broadcasts.
// Register OnStatus as a syncer listener and OnPermanentFailure as the
// orchestrator's permanent failure hook.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnStatus broadcasts an aggregate status snapshot. It satisfies the
// syncer.Listener signature. Cycle boundaries are surfaced as separate
// sync_started/sync_complete messages so a dashboard can animate them
// without diffing snapshots.
func (h *Handler) OnStatus(status syncer.SyncStatus) {
	h.server.BroadcastJSON(MessageTypeStatus, status)

	switch {
	case status.IsSyncing:
		h.server.BroadcastJSON(MessageTypeSyncStarted, status)
	case status.LastSyncTime != nil:
		h.server.BroadcastJSON(MessageTypeSyncComplete, status)
	}
}

// OnPermanentFailure broadcasts a discarded operation.
func (h *Handler) OnPermanentFailure(op record.Operation) {
	h.logger.Printf("Operation %s permanently failed: %s", op.ID, op.LastError)

	h.server.BroadcastJSON(MessageTypeOpFailed, OpFailedData{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		EntityType:  string(op.EntityType),
		Attempts:    op.Attempts,
		LastError:   op.LastError,
	})
}
