package tool

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached result remains valid.
	TTL time.Duration
}

type cacheEntry struct {
	content  any
	storedAt time.Time
}

// ResultCache is an LRU cache of successful results of cacheable tools, keyed
// by tool name plus normalised arguments.
type ResultCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewResultCache creates a cache; zero config values fall back to defaults.
func NewResultCache(cfg CacheConfig) *ResultCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultCacheMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	c, _ := lru.New[string, cacheEntry](cfg.MaxSize)
	return &ResultCache{cache: c, ttl: cfg.TTL, now: time.Now}
}

// Get returns a fresh cached result.
func (c *ResultCache) Get(tool string, args map[string]any) (any, bool) {
	if c == nil {
		return nil, false
	}
	key := cacheKey(tool, args)
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.content, true
}

// Put stores a successful result.
func (c *ResultCache) Put(tool string, args map[string]any, content any) {
	if c == nil {
		return
	}
	c.cache.Add(cacheKey(tool, args), cacheEntry{content: content, storedAt: c.now()})
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// cacheKey produces a deterministic key; json.Marshal sorts map keys at
// every nesting level.
func cacheKey(tool string, args map[string]any) string {
	if len(args) == 0 {
		return tool + ":{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s:%v", tool, args)
	}
	return tool + ":" + string(data)
}
