// Package syncer provides the sync orchestrator: the state machine
// that keeps the local record store eventually consistent with the
// remote finance API.
//
// A cycle has two phases. The pull phase fetches each collection from
// the server, reconciles it with local state using last-write-wins
// merge, and writes the result back. The push phase drains the pending
// operation queue in FIFO order, dispatching each mutation through the
// remote client adapter: successes are dropped from the queue (a
// CREATE additionally writes the server-assigned ID back into the
// local store), failures consume one attempt and are retried on a
// later cycle until the attempt budget is exhausted, at which point
// the operation is discarded and counted as a permanent failure.
//
// Cycles are single-flight: only one may be active at a time, and a
// trigger that arrives while one is running is a no-op. Triggers are
// debounced so a burst of enqueues collapses into one cycle. A cycle
// started while the network is unreachable short-circuits immediately
// without consuming any attempts.
//
// The orchestrator is an explicit service object: construct it once at
// process start and hand it to whoever needs it. There is no package
// level state.
package syncer
