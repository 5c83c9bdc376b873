package kafka

import (
	"context"
	"sync"
)

// Controller is the single capacity bound shared by every partition of a
// buffer. Acquire blocks while all slots are taken.
type Controller struct {
	capacity int64

	mu     sync.Mutex
	used   int64
	cond   *sync.Cond
	closed bool
}

func NewController(capacity int64) *Controller {
	c := &Controller{capacity: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire takes one slot. It returns ErrBufferClosed once the controller is
// closed and ctx.Err() when ctx ends first.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.used >= c.capacity && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if c.closed {
		return ErrBufferClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.used++
	return nil
}

func (c *Controller) Release(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// InUse reports the slots currently taken.
func (c *Controller) InUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
