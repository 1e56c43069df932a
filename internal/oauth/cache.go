package oauth

import (
	"sync"
	"time"
)

// Token is a bearer access token with its absolute expiry. Tokens live
// only in process memory, owned by the cache.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Cache is the in-memory token store keyed by token id. Safe for
// concurrent readers and writers; concurrent refreshes for the same id
// are not serialized, last write wins.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewCache returns an empty token cache.
func NewCache() *Cache {
	return &Cache{tokens: make(map[string]Token)}
}

// Put stores or replaces the token for id.
func (c *Cache) Put(id string, token Token) {
	c.mu.Lock()
	c.tokens[id] = token
	c.mu.Unlock()
}

// Get returns the cached token for id, if any.
func (c *Cache) Get(id string) (Token, bool) {
	c.mu.RLock()
	token, ok := c.tokens[id]
	c.mu.RUnlock()
	return token, ok
}

// Remove drops the token for id.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.tokens, id)
	c.mu.Unlock()
}

// IsExpired reports whether the token for id has reached its expiry at
// instant now. An id with no cached token is not known to be expired;
// callers that need a token must still generate one.
func (c *Cache) IsExpired(id string, now time.Time) bool {
	token, ok := c.Get(id)
	if !ok {
		return false
	}
	return !now.Before(token.Expiry)
}
