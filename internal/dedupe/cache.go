// ABOUTME: Thread-safe TTL cache of recently seen keys, bounded in size
// ABOUTME: Rooms claim (sender, client_id) keys so a resent frame is not persisted twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	key     K
	claimed time.Time
}

// Cache remembers keys for ttl, evicting the oldest claim once maxSize keys
// are held. Expired keys are swept by a background goroutine until Close.
type Cache[K comparable] struct {
	mu      sync.Mutex
	index   map[K]*list.Element
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its sweeper.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
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

// Claim records key and reports true if it was not already held. A false
// result means the key is a duplicate within the TTL window.
func (c *Cache[K]) Claim(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry[K])
		if now.Sub(e.claimed) < c.ttl {
			return false
		}
		e.claimed = now
		c.order.MoveToBack(el)
		return true
	}

	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry[K]{key: key, claimed: now})
	return true
}

// Seen reports whether key is held and unexpired.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.now().Sub(el.Value.(*entry[K]).claimed) < c.ttl
}

// Forget releases a claim, e.g. when the claimed operation failed and the
// client should be allowed to retry.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns how many keys are held, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache[K]) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry[K]).key)
}

// sweep drops expired claims. Claims are ordered by time, so it stops at the
// first live one.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry[K]).claimed) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache[K]) sweepLoop() {
	interval := c.ttl
	if interval > time.Minute || interval <= 0 {
		interval = time.Minute
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

// Close stops the sweeper. Safe to call more than once.
func (c *Cache[K]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
