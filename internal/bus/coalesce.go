package bus

import (
	"sync"
	"time"
)

// Coalescer rate-limits bursty event production: at most one emit per
// interval, with the newest pending value flushed when the interval
// elapses. The roster uses one so a join storm becomes a single snapshot.
type Coalescer struct {
	mu sync.Mutex

	interval time.Duration
	emit     func(Event)

	lastEmit time.Time
	pending  Event
	timer    *time.Timer
}

func NewCoalescer(interval time.Duration, emit func(Event)) *Coalescer {
	return &Coalescer{interval: interval, emit: emit}
}

// Offer submits the latest value. It is emitted immediately when the
// interval has passed since the previous emit, otherwise it replaces any
// pending value and is flushed when the interval expires.
func (c *Coalescer) Offer(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastEmit) >= c.interval {
		c.lastEmit = now
		c.mu.Unlock()
		c.emit(event)
		c.mu.Lock()
		return
	}

	c.pending = event
	if c.timer == nil {
		delay := c.interval - now.Sub(c.lastEmit)
		c.timer = time.AfterFunc(delay, c.flush)
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	event := c.pending
	c.pending = nil
	c.timer = nil
	c.lastEmit = time.Now()
	c.mu.Unlock()

	if event != nil {
		c.emit(event)
	}
}

// Stop cancels any pending flush.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
}
