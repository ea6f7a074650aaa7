package pyramid

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"regkit/internal/volume"
)

const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// Cache keeps downsampled level images keyed by source fingerprint and
// level spacing. Cached images are shared and must not be mutated.
type Cache struct {
	cache *gocache.Cache
}

func NewCache(defaultExpiration, cleanupInterval time.Duration) *Cache {
	return &Cache{cache: gocache.New(defaultExpiration, cleanupInterval)}
}

func (c *Cache) get(key string) (*volume.Image, bool) {
	value, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	img, ok := value.(*volume.Image)
	return img, ok
}

func (c *Cache) set(key string, img *volume.Image) {
	c.cache.SetDefault(key, img)
}

func (c *Cache) Len() int {
	return c.cache.ItemCount()
}

func (c *Cache) Flush() {
	c.cache.Flush()
}
