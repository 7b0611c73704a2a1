package cache

import (
	"sync"
	"time"

	"NextMind/internal/suggest"
)

// CachedAnswer represents a fetched precomputed answer
type CachedAnswer struct {
	Answer    suggest.PrecomputedAnswer
	Timestamp time.Time
}

// AnswerCache holds precomputed answers by id so an id announced twice is fetched once
type AnswerCache struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewAnswerCache creates a cache whose entries expire after ttl.
// A ttl of zero or less keeps entries until Purge.
func NewAnswerCache(ttl time.Duration) *AnswerCache {
	return &AnswerCache{ttl: ttl, now: time.Now}
}

// Get returns the unexpired answer for id
func (c *AnswerCache) Get(id string) (suggest.PrecomputedAnswer, bool) {
	val, ok := c.entries.Load(id)
	if !ok {
		return suggest.PrecomputedAnswer{}, false
	}
	cached := val.(CachedAnswer)
	if c.expired(cached) {
		c.entries.CompareAndDelete(id, val)
		return suggest.PrecomputedAnswer{}, false
	}
	return cached.Answer, true
}

// Put stores an answer under its id
func (c *AnswerCache) Put(answer suggest.PrecomputedAnswer) {
	if answer.ID == "" {
		return
	}
	c.entries.Store(answer.ID, CachedAnswer{Answer: answer, Timestamp: c.now()})
}

// Purge drops expired entries, or all entries when all is set, and returns how many were removed
func (c *AnswerCache) Purge(all bool) int {
	removed := 0
	c.entries.Range(func(key, val interface{}) bool {
		if all || c.expired(val.(CachedAnswer)) {
			if c.entries.CompareAndDelete(key, val) {
				removed++
			}
		}
		return true
	})
	return removed
}

func (c *AnswerCache) expired(cached CachedAnswer) bool {
	return c.ttl > 0 && c.now().Sub(cached.Timestamp) >= c.ttl
}
