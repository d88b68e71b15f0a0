// Package proxycache is a small LRU with per-entry TTL for responses on the
// configured cacheable read-only paths. Entries expire lazily on access.
package proxycache

import (
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCapacity = 100

// Entry is a cached upstream response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	expires    time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	lru   *lru.Cache[string, *Entry]
	nowFn func() time.Time
}

// New builds a cache with the given capacity (<=0 means the default 100).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c, err := lru.New[string, *Entry](capacity)
	if err != nil {
		// Only reachable with a non-positive capacity, which we just fixed.
		panic(err)
	}
	return &Cache{lru: c, nowFn: time.Now}
}

// Key builds the cache key from the HTTP method and full URL with query.
func Key(method, fullURL string) string {
	return method + " " + fullURL
}

// Get returns a live entry, evicting it if expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.nowFn().After(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e, true
}

// Put stores a response with the given TTL.
func (c *Cache) Put(key string, statusCode int, header http.Header, body []byte, ttl time.Duration) {
	c.lru.Add(key, &Entry{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
		expires:    c.nowFn().Add(ttl),
	})
}

// Len reports live plus not-yet-evicted entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
