package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewJobIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewJobID()
		assert.Falsef(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}
}

func TestNewJobIDConcurrentSafe(t *testing.T) {
	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ids <- NewJobID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.Falsef(t, seen[id], "duplicate job id %s under concurrency", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestNewJobIDSortableByCreationOrder(t *testing.T) {
	a := NewJobID()
	b := NewJobID()
	assert.Less(t, a, b)
}
