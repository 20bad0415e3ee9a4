// Package accountcache answers "is this an active account?" for inbound
// webhooks without a store round trip per request.
package accountcache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ActiveAccountSource is the authoritative set of active accounts.
type ActiveAccountSource interface {
	ActiveAccountIDs(ctx context.Context) ([]int64, error)
	IsActive(ctx context.Context, accountID int64) (bool, error)
}

// Cache is a set of known-active account ids backed by the store. A miss
// costs one store query; hits are added. Entries never expire and are only
// dropped by Remove or Refresh.
//
// A store answer is discarded for any id removed while that query was in
// flight, so a lookup racing a deactivation cannot re-add the account.
type Cache struct {
	source ActiveAccountSource
	log    *zap.Logger

	mu  sync.RWMutex
	ids map[int64]struct{}

	// gen counts removals. removed maps an id to the gen of its latest
	// removal and is only kept while lookups are in flight.
	gen      uint64
	removed  map[int64]uint64
	inflight int
}

func New(source ActiveAccountSource, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		source:  source,
		log:     log,
		ids:     make(map[int64]struct{}),
		removed: make(map[int64]uint64),
	}
}

// Validate reports whether accountID is an active account.
func (c *Cache) Validate(ctx context.Context, accountID int64) (bool, error) {
	c.mu.RLock()
	_, ok := c.ids[accountID]
	c.mu.RUnlock()
	if ok {
		return true, nil
	}

	since := c.begin()
	active, err := c.source.IsActive(ctx, accountID)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endLocked()
	if err != nil {
		return false, err
	}
	if active && c.removedSinceLocked(accountID, since) {
		c.log.Debug("discarding stale account lookup", zap.Int64("account_id", accountID))
		return false, nil
	}
	if active {
		c.ids[accountID] = struct{}{}
		c.log.Debug("account cached on demand", zap.Int64("account_id", accountID))
	}
	return active, nil
}

// Refresh replaces the cached set with the store's active accounts.
func (c *Cache) Refresh(ctx context.Context) error {
	since := c.begin()
	ids, err := c.source.ActiveAccountIDs(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endLocked()
	if err != nil {
		return err
	}
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if c.removedSinceLocked(id, since) {
			continue
		}
		next[id] = struct{}{}
	}
	c.ids = next

	c.log.Info("account cache loaded", zap.Int("accounts", len(next)))
	return nil
}

func (c *Cache) Add(accountID int64) {
	c.mu.Lock()
	c.ids[accountID] = struct{}{}
	c.mu.Unlock()
}

// Remove evicts an account. Call it whenever an account is deactivated or
// deleted so inbound webhooks for it are rejected.
func (c *Cache) Remove(accountID int64) {
	c.mu.Lock()
	c.gen++
	if c.inflight > 0 {
		c.removed[accountID] = c.gen
	}
	delete(c.ids, accountID)
	c.mu.Unlock()
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// begin registers a store lookup and returns the removal gen it started at.
func (c *Cache) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	return c.gen
}

func (c *Cache) endLocked() {
	c.inflight--
	if c.inflight == 0 {
		clear(c.removed)
	}
}

func (c *Cache) removedSinceLocked(accountID int64, since uint64) bool {
	gen, ok := c.removed[accountID]
	return ok && gen > since
}
