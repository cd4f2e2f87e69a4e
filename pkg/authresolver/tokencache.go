package authresolver

import (
	"sync"
	"time"
)

// expiryBuffer is how close to expiry a cached token may get before it
// is treated as absent and re-fetched.
const expiryBuffer = 60 * time.Second

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenCache is an in-memory expiring store of OAuth2 access tokens.
// It is safe for concurrent use; two callers racing on the same key may
// both miss and both fetch, which is harmless (last write wins).
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewTokenCache creates an empty token cache
func NewTokenCache() *TokenCache {
	return &TokenCache{
		tokens: make(map[string]cachedToken),
	}
}

// Get returns the cached token for key, or false if no entry exists or
// the entry is within the expiry buffer.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tokens[key]
	if !ok {
		return "", false
	}
	if !time.Now().Before(entry.expiry.Add(-expiryBuffer)) {
		return "", false
	}
	return entry.token, true
}

// Put stores a token under key, overwriting any existing entry. The
// entry expires ttl from now.
func (c *TokenCache) Put(key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[key] = cachedToken{
		token:  token,
		expiry: time.Now().Add(ttl),
	}
}

// Size returns the number of entries, expired or not
func (c *TokenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}
