package token

import (
	"sync"
	"time"
)

// DefaultTTL bounds how long a token is served from memory before the
// persisted copy is consulted again. Vendor tokens live for months.
const DefaultTTL = 24 * time.Hour

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// Cache is an in-memory access token cache keyed by account id.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]cacheEntry
}

// NewCache creates a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]cacheEntry),
	}
}

// Get returns the cached token if present and not expired.
func (c *Cache) Get(accountID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, accountID)
		return "", false
	}
	return e.token, true
}

func (c *Cache) Set(accountID int64, token string) {
	c.mu.Lock()
	c.entries[accountID] = cacheEntry{token: token, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) Delete(accountID int64) {
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}
