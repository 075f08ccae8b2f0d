package orb

import (
	"sync"
	"time"
)

const (
	DefaultBindingCacheCap = 2048
	DefaultBindingLease    = 50 * time.Second
	DefaultForcedRefresh   = 30 * time.Second
)

// NameServerBinding is the reserved pseudo-binding for the name server
// object itself (SPEC_FULL.md supplemented feature #5): it is exempt
// from forced-refresh deadline churn, the same way CIDLib reserves a
// sentinel binding for its own name server.
const NameServerBinding = "/NameServer"

type bindingEntry struct {
	locator ObjectLocator
	expiry  time.Time
}

// BindingCache maps binding names to resolved ObjectLocators, spec.md
// §4.5. Bounded at DefaultBindingCacheCap entries; degrades by
// clearing entirely under pathological load rather than growing
// unbounded.
type BindingCache struct {
	mu             sync.Mutex
	entries        map[string]*bindingEntry
	cap            int
	lease          time.Duration
	forcedRefresh  time.Duration
	refreshDeadline time.Time
	lastCookie     string
	haveCookie     bool
}

func NewBindingCache(capacity int, lease, forcedRefresh time.Duration) *BindingCache {
	if capacity <= 0 {
		capacity = DefaultBindingCacheCap
	}
	if lease <= 0 {
		lease = DefaultBindingLease
	}
	if forcedRefresh <= 0 {
		forcedRefresh = DefaultForcedRefresh
	}
	return &BindingCache{
		entries:         make(map[string]*bindingEntry),
		cap:             capacity,
		lease:           lease,
		forcedRefresh:   forcedRefresh,
		refreshDeadline: time.Now().Add(forcedRefresh),
	}
}

// Lookup implements spec.md §4.5's Lookup semantics, including the
// periodic forced-refresh that guards against a silently restarted
// name server.
func (c *BindingCache) Lookup(binding string) (ObjectLocator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if binding != NameServerBinding && now.After(c.refreshDeadline) {
		c.refreshDeadline = now.Add(c.forcedRefresh)
		return ObjectLocator{}, false
	}
	e, ok := c.entries[binding]
	if !ok || now.After(e.expiry) {
		return ObjectLocator{}, false
	}
	return e.locator, true
}

// Refresh updates an existing entry's lease if its locator still
// matches, or inserts it if absent.
func (c *BindingCache) Refresh(binding string, locator ObjectLocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[binding]; ok && e.locator.Equal(locator) {
		e.expiry = time.Now().Add(c.lease)
		return
	}
	c.storeLocked(binding, locator)
}

// Store inserts or overwrites a binding, sweeping expired entries
// first and, if still at capacity, clearing the cache entirely
// (spec.md §4.5's bounded-degradation policy).
func (c *BindingCache) Store(binding string, locator ObjectLocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(binding, locator)
}

func (c *BindingCache) storeLocked(binding string, locator ObjectLocator) {
	if _, exists := c.entries[binding]; !exists && len(c.entries) >= c.cap {
		c.sweepExpiredLocked()
		if len(c.entries) >= c.cap {
			c.entries = make(map[string]*bindingEntry)
		}
	}
	c.entries[binding] = &bindingEntry{locator: locator, expiry: time.Now().Add(c.lease)}
}

func (c *BindingCache) sweepExpiredLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
		}
	}
}

// Invalidate removes a single binding by name.
func (c *BindingCache) Invalidate(binding string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, binding)
}

// InvalidateLocator removes every entry whose locator equals loc.
func (c *BindingCache) InvalidateLocator(loc ObjectLocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.locator.Equal(loc) {
			delete(c.entries, k)
		}
	}
}

// CheckCookie flushes the entire cache and advances the forced-refresh
// deadline when the observed name-server cookie differs from the last
// one seen (spec.md §4.5: a changed cookie means the name server
// restarted, so a full flush is warranted, but the trip just happened
// so another one isn't needed immediately).
func (c *BindingCache) CheckCookie(cookie string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveCookie && c.lastCookie == cookie {
		return
	}
	c.haveCookie = true
	c.lastCookie = cookie
	c.entries = make(map[string]*bindingEntry)
	c.refreshDeadline = time.Now().Add(c.forcedRefresh)
}

// Flush clears every entry unconditionally.
func (c *BindingCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*bindingEntry)
}

// Len reports the current entry count, for the monitor task and tests.
func (c *BindingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
