package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"github.com/go-chi/httprate"
)

var _ httprate.LimitCounter = (*Counter)(nil)

// Counter is an httprate.LimitCounter that tracks the current and previous
// window per key, forgets keys whose windows have both passed, and caps the
// number of keys by evicting the least recently incremented one.
type Counter struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	entries map[string]*entry
	// front is most recently incremented
	order *list.List
}

type entry struct {
	key       string
	start     time.Time
	count     int
	prevStart time.Time
	prevCount int
	elem      *list.Element
}

// NewCounter returns an empty counter holding at most maxKeys keys.
func NewCounter(maxKeys int) *Counter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Counter{
		maxKeys: maxKeys,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// Config is called by httprate with the class rule.
func (c *Counter) Config(requestLimit int, windowLength time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = windowLength
}

func (c *Counter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *Counter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, start: currentWindow}
		e.elem = c.order.PushFront(e)
		c.entries[key] = e
		c.evictOverflow()
	} else {
		c.order.MoveToFront(e.elem)
	}
	if !e.start.Equal(currentWindow) {
		if e.start.Equal(currentWindow.Add(-c.window)) {
			e.prevStart, e.prevCount = e.start, e.count
		} else {
			e.prevStart, e.prevCount = time.Time{}, 0
		}
		e.start, e.count = currentWindow, 0
	}
	e.count += amount
	return nil
}

func (c *Counter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, 0, nil
	}
	switch {
	case e.start.Equal(currentWindow):
		prev := 0
		if e.prevStart.Equal(previousWindow) {
			prev = e.prevCount
		}
		return e.count, prev, nil
	case e.start.Equal(previousWindow):
		return 0, e.count, nil
	default:
		return 0, 0, nil
	}
}

// Sweep drops keys whose last window ended at least one full window before
// now, so they no longer weigh on any rate. It returns how many were removed.
func (c *Counter) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if now.Sub(e.start) >= 2*c.window {
			c.remove(e)
			removed++
		}
		elem = prev
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Counter) evictOverflow() {
	for len(c.entries) > c.maxKeys {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.remove(oldest.Value.(*entry))
	}
}

func (c *Counter) remove(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
