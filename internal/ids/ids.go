// Package ids generates time-sortable unique identifiers for jobs.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID returns a new time-sortable job identifier. Concurrent callers
// within the same millisecond still get strictly increasing IDs, because
// ulid.Monotonic serializes on its own internal state; we additionally hold
// a package-level lock since the entropy source is shared across goroutines.
func NewJobID() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
