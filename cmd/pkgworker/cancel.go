package main

import (
	"os"
	"sync"
)

// fifoCanceler is the real fifo-backed Canceler (internal/dispatcher.Canceler
// only declares the contract; this is its one concrete implementation,
// grounded on the original worker's cancel fifo: any byte written to it at
// any time means "cancel the in-flight operation"). The fifo is opened
// O_NONBLOCK by the caller so Drain/Signaled never block the dispatch loop.
type fifoCanceler struct {
	f *os.File

	mu       sync.Mutex
	signaled bool
}

// Drain discards whatever is currently available on the cancel fifo without
// blocking, reporting whether it found anything. The discarded bytes are not
// reported by a later Signaled call.
func (c *fifoCanceler) Drain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := c.drainLocked()
	c.signaled = false
	return found
}

func (c *fifoCanceler) drainLocked() bool {
	buf := make([]byte, 64)
	found := false
	for {
		n, err := c.f.Read(buf)
		if n > 0 {
			found = true
			c.signaled = true
		}
		if err != nil || n < len(buf) {
			break
		}
	}
	return found
}

// Signaled reports whether a cancel byte has arrived since the last call to
// Signaled or Drain, without blocking.
func (c *fifoCanceler) Signaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainLocked()
	s := c.signaled
	c.signaled = false
	return s
}
