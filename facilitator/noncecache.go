// Package facilitator implements the x402 facilitator core: payment
// verification against stated requirements, on-chain settlement through
// the EIP-3009 token contract, and the HTTP surface that exposes both.
package facilitator

import (
	"sync"
	"sync/atomic"
	"time"
)

// Nonce cache defaults. The TTL must cover the widest
// validBefore-validAfter window the facilitator accepts.
const (
	DefaultNonceTTL      = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultNonceSoftCap  = 10000
)

type nonceKey struct {
	network string
	nonce   string
}

type nonceEntry struct {
	key      nonceKey
	expires  time.Time
	inserted time.Time
}

// NonceCache is a bounded-memory set of accepted (network, nonce) pairs
// with TTL eviction. It is a latency/cost optimization in front of the
// token contract's own nonce state, not the security boundary: entries
// evicted early are still rejected on-chain if replayed.
type NonceCache struct {
	ttl     time.Duration
	softCap int
	now     func() time.Time

	mu      sync.Mutex
	entries map[nonceKey]*nonceEntry
	order   []*nonceEntry

	replayBlocked atomic.Uint64

	stop chan struct{}
	once sync.Once
}

// NewNonceCache creates a cache and starts its background sweeper.
// Zero values fall back to the defaults.
func NewNonceCache(ttl, sweepInterval time.Duration, softCap int) *NonceCache {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if softCap <= 0 {
		softCap = DefaultNonceSoftCap
	}

	c := &NonceCache{
		ttl:     ttl,
		softCap: softCap,
		now:     time.Now,
		entries: make(map[nonceKey]*nonceEntry),
		stop:    make(chan struct{}),
	}

	go c.sweepLoop(sweepInterval)
	return c
}

// Close stops the background sweeper.
func (c *NonceCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *NonceCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Seen reports whether the pair was already accepted within its TTL.
// A hit counts as a blocked replay attempt.
func (c *NonceCache) Seen(network, nonce string) bool {
	key := nonceKey{network: network, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return false
	}
	c.replayBlocked.Add(1)
	return true
}

// Record marks the pair as accepted with expiry now+TTL. If the soft
// cap is exceeded, the oldest half of the cache is evicted regardless
// of expiry.
func (c *NonceCache) Record(network, nonce string) {
	key := nonceKey{network: network, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(key)
}

// Reserve records the pair if it is not already live and reports
// whether the reservation won. Check and record happen under one lock
// acquisition, so of any number of concurrent callers with the same
// pair exactly one wins. A losing call counts as a blocked replay.
func (c *NonceCache) Reserve(network, nonce string) bool {
	key := nonceKey{network: network, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !c.now().After(entry.expires) {
		c.replayBlocked.Add(1)
		return false
	}
	c.recordLocked(key)
	return true
}

// Release drops a reservation, making the pair reservable again. A
// verification that fails after reserving must not consume the nonce.
func (c *NonceCache) Release(network, nonce string) {
	key := nonceKey{network: network, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *NonceCache) recordLocked(key nonceKey) {
	now := c.now()
	entry := &nonceEntry{key: key, expires: now.Add(c.ttl), inserted: now}
	c.entries[key] = entry
	c.order = append(c.order, entry)

	if len(c.entries) > c.softCap {
		c.truncateLocked()
	}
}

// truncateLocked drops the oldest half of live entries.
func (c *NonceCache) truncateLocked() {
	drop := len(c.entries) / 2
	kept := c.order[:0]
	for _, entry := range c.order {
		if current, ok := c.entries[entry.key]; !ok || current != entry {
			continue // already evicted or superseded
		}
		if drop > 0 {
			delete(c.entries, entry.key)
			drop--
			continue
		}
		kept = append(kept, entry)
	}
	c.order = kept
}

// Sweep removes expired entries.
func (c *NonceCache) Sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, entry := range c.order {
		if current, ok := c.entries[entry.key]; !ok || current != entry {
			continue
		}
		if now.After(entry.expires) {
			delete(c.entries, entry.key)
			continue
		}
		kept = append(kept, entry)
	}
	c.order = kept
}

// Size returns the number of live entries.
func (c *NonceCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ReplayBlocked returns how many replay attempts the cache has rejected.
func (c *NonceCache) ReplayBlocked() uint64 {
	return c.replayBlocked.Load()
}
