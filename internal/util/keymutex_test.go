package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyMutexSerializesSameKey(t *testing.T) {
	var km KeyMutex
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("tenant-1|instagram")
			defer km.Unlock("tenant-1|instagram")
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyMutexIndependentKeys(t *testing.T) {
	var km KeyMutex

	km.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done
	km.Unlock("a")
}

func TestKeyMutexCleansUpEntries(t *testing.T) {
	var km KeyMutex

	km.Lock("x")
	km.Unlock("x")

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.m)
}

func TestKeyMutexUnlockUnheldPanics(t *testing.T) {
	var km KeyMutex
	assert.Panics(t, func() { km.Unlock("never-locked") })
}
