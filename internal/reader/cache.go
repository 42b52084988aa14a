package reader

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	page      Page
	createdAt time.Time
	expiresAt time.Time
}

// Cache is a TTL cache in front of another Reader. Only pages with content
// are stored; errors and empty pages are always refetched.
type Cache struct {
	next    Reader
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(next Reader, maxSize int, ttl time.Duration, opts ...CacheOption) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &Cache{
		next:    next,
		entries: map[string]*cacheEntry{},
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) ReadURL(ctx context.Context, url string) (Page, error) {
	if page, ok := c.get(url); ok {
		return page, nil
	}
	page, err := c.next.ReadURL(ctx, url)
	if err != nil {
		return page, err
	}
	if page.Content != "" && c.ttl > 0 {
		c.set(url, page)
	}
	return page, nil
}

func (c *Cache) get(url string) (Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[url]
	if !ok || c.now().After(entry.expiresAt) {
		return Page{}, false
	}
	page := entry.page
	page.Links = append([]string(nil), entry.page.Links...)
	return page, true
}

func (c *Cache) set(url string, page Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	now := c.now()
	page.Links = append([]string(nil), page.Links...)
	c.entries[url] = &cacheEntry{page: page, createdAt: now, expiresAt: now.Add(c.ttl)}
}

// evictLocked drops expired entries, or the oldest one when none expired.
func (c *Cache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.createdAt.Before(oldest) {
			oldestKey = key
			oldest = entry.createdAt
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
