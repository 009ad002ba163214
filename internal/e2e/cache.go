package e2e

import (
	"crypto/cipher"
	"sync"
)

type cacheKey struct {
	self, peer, fingerprint string
}

// KeyCache holds derived conversation ciphers keyed by (self, peer, peer
// fingerprint). A rotated peer key has a new fingerprint and so misses.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cipher.AEAD
}

// NewKeyCache returns an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{entries: make(map[cacheKey]cipher.AEAD)}
}

func (c *KeyCache) Get(self, peer, fingerprint string) (cipher.AEAD, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[cacheKey{self, peer, fingerprint}]
	return a, ok
}

func (c *KeyCache) Put(self, peer, fingerprint string, aead cipher.AEAD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{self, peer, fingerprint}] = aead
}

// ForgetPeer drops every entry for peer.
func (c *KeyCache) ForgetPeer(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.peer == peer {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
