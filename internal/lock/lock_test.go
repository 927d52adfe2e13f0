package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexMapSerializesPerKey(t *testing.T) {
	m := NewMutexMap()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("local")
			counter++
			m.Unlock("local")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestMutexMapTryLock(t *testing.T) {
	m := NewMutexMap()
	assert.True(t, m.TryLock("local"))
	assert.False(t, m.TryLock("local"))
	assert.True(t, m.TryLock("warehouse"))
	m.Unlock("local")
	assert.True(t, m.TryLock("local"))
}
