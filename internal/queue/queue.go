// Package queue provides the bounded, flushable FIFOs that connect the
// stages of the playback pipeline. Every blocking call returns promptly
// when the queue is stopped or flushed, so no stage can deadlock across a
// seek or close.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrStopped is returned by blocked and subsequent calls once the queue
	// has been stopped. Callers exit their loop.
	ErrStopped = errors.New("queue: stopped")

	// ErrFlushed is returned to callers that were blocked when the queue was
	// flushed, and to pushes of items older than the current serial. Callers
	// retry with fresh input.
	ErrFlushed = errors.New("queue: flushed")

	// ErrOversize is returned when a single item is larger than the whole
	// byte budget and could never be admitted.
	ErrOversize = errors.New("queue: item exceeds byte budget")
)

// Limits bounds a queue. Zero disables a bound. MaxItems is a hard cap on
// pushes unless SoftItems is set, in which case it only drives Full.
type Limits struct {
	MaxBytes  int
	MaxItems  int
	SoftItems bool
}

type entry[T any] struct {
	v      T
	size   int
	serial uint64
}

// core is a FIFO bounded by bytes and items. All state is guarded by mu;
// waiters block on changed, which is closed and replaced on every state
// change so they can also select on other signals.
type core[T any] struct {
	limits Limits

	mu      sync.Mutex
	items   []entry[T]
	bytes   int
	serial  uint64
	flushes uint64
	stopped bool
	changed chan struct{}
}

func newCore[T any](l Limits) *core[T] {
	return &core[T]{limits: l, changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold mu.
func (c *core[T]) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *core[T]) fits(size int) bool {
	if len(c.items) == 0 {
		return true
	}
	if c.limits.MaxBytes > 0 && c.bytes+size > c.limits.MaxBytes {
		return false
	}
	if c.limits.MaxItems > 0 && !c.limits.SoftItems && len(c.items) >= c.limits.MaxItems {
		return false
	}
	return true
}

func (c *core[T]) push(v T, size int, serial uint64) error {
	if c.limits.MaxBytes > 0 && size > c.limits.MaxBytes {
		return ErrOversize
	}
	c.mu.Lock()
	gen := c.flushes
	for {
		switch {
		case c.stopped:
			c.mu.Unlock()
			return ErrStopped
		case c.flushes != gen || serial < c.serial:
			c.mu.Unlock()
			return ErrFlushed
		case c.fits(size):
			c.items = append(c.items, entry[T]{v: v, size: size, serial: serial})
			c.bytes += size
			c.broadcast()
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
}

// wait blocks until the queue is non-empty and returns the head, removing
// it when remove is set. A non-nil inspect is called with the head while mu
// is held.
func (c *core[T]) wait(remove bool, inspect func(T)) (T, error) {
	var zero T
	c.mu.Lock()
	gen := c.flushes
	for {
		switch {
		case c.stopped:
			c.mu.Unlock()
			return zero, ErrStopped
		case c.flushes != gen:
			c.mu.Unlock()
			return zero, ErrFlushed
		case len(c.items) > 0:
			e := c.items[0]
			if inspect != nil {
				inspect(e.v)
			}
			if remove {
				c.removeHead()
			}
			c.mu.Unlock()
			return e.v, nil
		}
		ch := c.changed
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
	}
}

func (c *core[T]) tryPop() (T, bool, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return zero, false, ErrStopped
	}
	if len(c.items) == 0 {
		return zero, false, nil
	}
	e := c.items[0]
	c.removeHead()
	return e.v, true, nil
}

// popIf removes the head when match accepts it with its push serial. It
// does not block.
func (c *core[T]) popIf(match func(v T, serial uint64) bool) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || len(c.items) == 0 || !match(c.items[0].v, c.items[0].serial) {
		return zero, false
	}
	e := c.items[0]
	c.removeHead()
	return e.v, true
}

// removeHead drops the head item. Callers hold mu.
func (c *core[T]) removeHead() {
	var zero entry[T]
	c.bytes -= c.items[0].size
	c.items[0] = zero
	c.items = c.items[1:]
	if len(c.items) == 0 {
		c.items = nil
	}
	c.broadcast()
}

// flush discards every item and raises the minimum accepted serial. A
// serial lower than the current one is ignored so a late flush cannot
// reopen the queue to stale items.
func (c *core[T]) flush(serial uint64) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := make([]T, 0, len(c.items))
	for _, e := range c.items {
		dropped = append(dropped, e.v)
	}
	c.items = nil
	c.bytes = 0
	c.flushes++
	if serial > c.serial {
		c.serial = serial
	}
	c.broadcast()
	return dropped
}

func (c *core[T]) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.broadcast()
	}
}

func (c *core[T]) stats() (items, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.bytes
}

func (c *core[T]) full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limits.MaxItems > 0 && len(c.items) >= c.limits.MaxItems {
		return true
	}
	return c.limits.MaxBytes > 0 && c.bytes >= c.limits.MaxBytes
}

func (c *core[T]) changedCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *core[T]) currentSerial() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}
