package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexExcludesConcurrentAccess(t *testing.T) {
	var mu Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestRWMutexAllowsConcurrentReaders(t *testing.T) {
	var mu RWMutex
	mu.RLock()
	mu.RLock() // a second reader must not block
	mu.RUnlock()
	mu.RUnlock()
}
