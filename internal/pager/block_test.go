package pager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockReleaseWakesAll(t *testing.T) {
	b := NewBlock()
	assert.False(t, b.Released())

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Block()
		}()
	}

	woke := make(chan struct{})
	go func() {
		wg.Wait()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("waiters passed a closed gate")
	case <-time.After(20 * time.Millisecond):
	}

	b.Release()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken by Release")
	}

	b.Reset()
	assert.False(t, b.Released())
}
