package downloader

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// existsRecord remembers the outcome of a full origin probe for one symbol
// key. The record is an optimisation only; the origin stays the source of
// truth, which is why every record expires.
type existsRecord struct {
	present     bool
	originIndex int
	// url is the direct URL for public origins. Private origins re-sign
	// on every use instead.
	url      string
	probedAt time.Time
}

// ExistsCache is the in-process, short-TTL cache of probe outcomes, both
// positive and negative. Safe for concurrent use.
type ExistsCache struct {
	lru *expirable.LRU[string, existsRecord]
}

// NewExistsCache builds a cache bounded by maxSize entries, each expiring
// after ttl.
func NewExistsCache(maxSize int, ttl time.Duration) *ExistsCache {
	return &ExistsCache{
		lru: expirable.NewLRU[string, existsRecord](maxSize, nil, ttl),
	}
}

func (c *ExistsCache) get(key string) (existsRecord, bool) {
	return c.lru.Get(key)
}

func (c *ExistsCache) putPresent(key string, originIndex int, url string) {
	c.lru.Add(key, existsRecord{
		present:     true,
		originIndex: originIndex,
		url:         url,
		probedAt:    time.Now(),
	})
}

func (c *ExistsCache) putAbsent(key string) {
	c.lru.Add(key, existsRecord{probedAt: time.Now()})
}

func (c *ExistsCache) remove(key string) {
	c.lru.Remove(key)
}

// Len reports the number of live entries. Used by tests.
func (c *ExistsCache) Len() int { return c.lru.Len() }
