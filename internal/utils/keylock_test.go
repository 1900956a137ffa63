package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	var (
		locks   KeyedMutex[uint]
		wg      sync.WaitGroup
		counter = map[uint]int{}
		mapMu   sync.Mutex
	)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(key uint) {
			defer wg.Done()
			unlock := locks.Lock(key)
			defer unlock()

			mapMu.Lock()
			v := counter[key]
			mapMu.Unlock()

			mapMu.Lock()
			counter[key] = v + 1
			mapMu.Unlock()
		}(uint(i % 4))
	}
	wg.Wait()

	for key := uint(0); key < 4; key++ {
		assert.Equal(t, 50, counter[key])
	}
	assert.Zero(t, locks.Len(), "released keys are dropped")
}
