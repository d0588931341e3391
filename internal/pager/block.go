package pager

import "sync"

// Block is a gate goroutines wait on until it is released.
type Block struct {
	mu       sync.Mutex
	cond     *sync.Cond
	released bool
}

// NewBlock creates a closed gate.
func NewBlock() *Block {
	b := &Block{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Block waits until the gate is released.
func (b *Block) Block() {
	b.mu.Lock()
	for !b.released {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Release opens the gate and wakes every waiter.
func (b *Block) Release() {
	b.Set(true)
}

// Reset closes the gate.
func (b *Block) Reset() {
	b.Set(false)
}

// Set opens or closes the gate.
func (b *Block) Set(open bool) {
	b.mu.Lock()
	changed := b.released != open
	b.released = open
	b.mu.Unlock()
	if changed && open {
		b.cond.Broadcast()
	}
}

// Released reports whether the gate is open.
func (b *Block) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
