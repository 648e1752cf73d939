package downloader

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyLocks()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := locks.Lock("http://x/a.zip")
			defer unlock()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}

			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, locks.size(), "released keys are forgotten")
}

func TestKeyLocks_DifferentKeysDoNotBlock(t *testing.T) {
	locks := newKeyLocks()

	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})

	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}

	assert.Equal(t, 1, locks.size())
}
