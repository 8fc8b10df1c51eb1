package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// PersistedResource records where a resource payload was stored
type PersistedResource struct {
	RemoteID  string
	Timestamp time.Time
}

// ResourceCache maps resource payloads to the remote ids they were persisted
// under, so identical content is not uploaded twice. Entries older than the
// ttl are dropped on lookup; a zero ttl keeps them for the process lifetime.
type ResourceCache struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewResourceCache creates an empty cache
func NewResourceCache(ttl time.Duration) *ResourceCache {
	return &ResourceCache{ttl: ttl, now: time.Now}
}

// GenerateCacheKey generates a cache key from a resource payload
func GenerateCacheKey(title, mediaType, content string) string {
	h := sha256.New()
	for _, part := range []string{title, mediaType, content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Lookup returns the remote id stored for key
func (c *ResourceCache) Lookup(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	entry := val.(PersistedResource)
	if c.ttl > 0 && c.now().Sub(entry.Timestamp) > c.ttl {
		c.Forget(key)
		return "", false
	}
	return entry.RemoteID, true
}

// Store remembers the remote id a payload was persisted under
func (c *ResourceCache) Store(key, remoteID string) {
	c.entries.Store(key, PersistedResource{
		RemoteID:  remoteID,
		Timestamp: c.now(),
	})
}

// Forget drops a cached payload
func (c *ResourceCache) Forget(key string) {
	c.entries.Delete(key)
}
