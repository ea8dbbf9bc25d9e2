package storage

import (
	"fmt"
	"time"
)

// Key schema for Pebble storage
//
//   o:<orderID>                      → Order (JSON)
//   oc:<createdAt ns>:<orderID>      → orderID (creation index)
//   fj:<failedAt ns>:<jobID>         → queue.Job (JSON)
//
// Timestamps are zero-padded (20 digits) for lexicographic sorting.
const (
	prefixOrder        = "o:"
	prefixOrderCreated = "oc:"
	prefixFailedJob    = "fj:"
)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func orderCreatedKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixOrderCreated, createdAt.UnixNano(), id))
}

func failedJobKey(failedAt time.Time, jobID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixFailedJob, failedAt.UnixNano(), jobID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
