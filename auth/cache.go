package auth

import "sync"

// authorizeURLCache maps a callback URL to its previously resolved authorize
// URL, so each distinct callback URL costs at most one provider round trip.
// Entries never expire; they are invalidated only through the reset methods.
// Entries are idempotent reconstructions of the same provider-side URL, so
// last-writer-wins on concurrent fills is fine.
type authorizeURLCache struct {
	mu   sync.Mutex
	urls map[string]string
}

func newAuthorizeURLCache() *authorizeURLCache {
	return &authorizeURLCache{urls: make(map[string]string)}
}

func (c *authorizeURLCache) get(callbackURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.urls[callbackURL]
	return u, ok
}

func (c *authorizeURLCache) put(callbackURL, authorizeURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[callbackURL] = authorizeURL
}

func (c *authorizeURLCache) reset(callbackURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.urls, callbackURL)
}

func (c *authorizeURLCache) resetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.urls)
}
