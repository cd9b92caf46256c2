// Package merge implements last-write-wins reconciliation between a
// local collection and a freshly pulled remote collection of the same
// entity type.
//
// The policy picks one edit wholesale by comparing updated_at
// timestamps; it does not attempt field-level merging of divergent
// edits. Records are matched by server ID, falling back to client ID
// for records the server has not yet acknowledged.
package merge

import (
	"time"

	"github.com/finchapp/finch/internal/record"
)

// DefaultTombstoneRetention is how long a logically deleted record is
// kept before CompactDeleted removes it physically. The window exists
// so a delete performed on one device still wins over a stale pull on
// another.
const DefaultTombstoneRetention = 30 * 24 * time.Hour

// Merge reconciles local and remote collections.
//
// For every remote record:
//   - absent locally: appended (new item introduced by another device)
//   - present locally: remote wins iff its updated_at is strictly newer;
//     on a tie the local record is kept, so an in-flight local edit is
//     never clobbered by a stale pull.
//
// Local records never matched by a remote record are retained as-is.
// They may be pending creation; deletions propagate through
// tombstones, not through absence from a pull.
//
// The result preserves local order for kept records and appends new
// remote records in pull order, so Merge is deterministic and
// idempotent.
func Merge(local, remote []record.Record) []record.Record {
	byKey := make(map[string]int, len(local))
	for i, rec := range local {
		byKey[rec.Key()] = i
	}

	merged := make([]record.Record, len(local))
	copy(merged, local)

	for _, remoteRec := range remote {
		idx, ok := byKey[remoteRec.Key()]
		if !ok {
			// The server may already know a record we still track by
			// client ID (our CREATE landed, the pull beat the push
			// bookkeeping). Match on client ID before appending.
			if remoteRec.ClientID != "" {
				if j, found := byKey[remoteRec.ClientID]; found {
					idx, ok = j, true
				}
			}
		}

		if !ok {
			merged = append(merged, remoteRec)
			byKey[remoteRec.Key()] = len(merged) - 1
			continue
		}

		if remoteRec.UpdatedAt.After(merged[idx].UpdatedAt) {
			merged[idx] = remoteRec
		}
	}

	return merged
}

// CompactDeleted drops tombstones whose deletion is older than the
// retention window. Records deleted more recently are kept so the
// delete can still win merges against other devices.
func CompactDeleted(recs []record.Record, retention time.Duration, now time.Time) []record.Record {
	kept := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if r.Deleted && r.DeletedAt != nil && now.Sub(*r.DeletedAt) > retention {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
