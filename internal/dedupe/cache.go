// ABOUTME: Thread-safe TTL cache that suppresses repeats of the same key.
// ABOUTME: Watch mode keys it by path and content digest so one save uploads once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key.
type entry[K comparable] struct {
	key    K
	marked time.Time
}

// Cache remembers keys for a TTL, holding at most maxSize of them. When full,
// the least recently marked key is evicted.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List // front is oldest
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache. A background goroutine sweeps expired keys every ttl
// until Close is called.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache[K]{
		index:   make(map[K]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within the TTL.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark reports whether key is a repeat. A new or expired key is
// marked and reported as new.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its TTL if present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Len returns the number of keys held, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache[K]) liveLocked(key K) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry[K]).marked) < c.ttl
}

func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if el, ok := c.index[key]; ok {
		el.Value.(*entry[K]).marked = now
		c.order.MoveToBack(el)
		return
	}

	if len(c.index) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.index, front.Value.(*entry[K]).key)
		}
	}

	c.index[key] = c.order.PushBack(&entry[K]{key: key, marked: now})
}

func (c *Cache[K]) sweepLoop() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Marks move keys to the back, so expired keys
// are always at the front.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry[K])
		if now.Sub(e.marked) < c.ttl {
			return
		}
		c.order.Remove(el)
		delete(c.index, e.key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
