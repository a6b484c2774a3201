package downloader

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"terastream/internal"
)

// ResolutionCache maps share ids to resolved download links.
//
// Expiry is decided by the entry itself against the cache clock, so a stale
// entry is never served even if the janitor has not swept it yet.
type ResolutionCache struct {
	items      *cache.Cache
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	// serializes the bound check in Put
	mu sync.Mutex
}

// NewResolutionCache creates a cache whose entries live for ttl. Expired
// entries are swept every sweep interval (0 disables the janitor). A
// maxEntries of 0 leaves the cache unbounded.
func NewResolutionCache(ttl, sweep time.Duration, maxEntries int) *ResolutionCache {
	return &ResolutionCache{
		items:      cache.New(ttl, sweep),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests
func (c *ResolutionCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the configured entry lifetime
func (c *ResolutionCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for id while it is still valid
func (c *ResolutionCache) Get(id string) (internal.CacheEntry, bool) {
	v, found := c.items.Get(id)
	if !found {
		return internal.CacheEntry{}, false
	}

	entry, ok := v.(internal.CacheEntry)
	if !ok || !entry.Valid(c.clock()) {
		return internal.CacheEntry{}, false
	}
	return entry, true
}

// Put stores a freshly resolved link, overwriting any previous entry for id.
// The entry expires ttl after this call.
func (c *ResolutionCache) Put(id, link string, meta *internal.FileMetadata) internal.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var metaCopy *internal.FileMetadata
	if meta != nil {
		m := *meta
		metaCopy = &m
	}

	entry := internal.CacheEntry{
		DownloadLink: link,
		Expiry:       c.now().Add(c.ttl),
		Metadata:     metaCopy,
	}

	if c.maxEntries > 0 {
		if _, exists := c.items.Get(id); !exists && c.items.ItemCount() >= c.maxEntries {
			c.items.DeleteExpired()
			if c.items.ItemCount() >= c.maxEntries {
				internal.LogWarn("Resolution cache full (%d entries), not caching %s", c.maxEntries, id)
				return entry
			}
		}
	}

	c.items.Set(id, entry, cache.DefaultExpiration)
	return entry
}

// Len returns the number of stored entries, including expired ones not yet swept
func (c *ResolutionCache) Len() int {
	return c.items.ItemCount()
}

func (c *ResolutionCache) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}
