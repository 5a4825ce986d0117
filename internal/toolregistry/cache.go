package toolregistry

import (
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 128
	defaultCacheTTL  = 2 * time.Minute
)

// CacheConfig controls result caching. Tools is the allowlist of cacheable
// names; most of this registry's tools dispatch work or report live state,
// so nothing outside the list is ever cached. A nil list means the
// defaults, an empty list disables caching.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
	Tools   []string
}

// DefaultCacheTools lists the read-only tools cached out of the box.
func DefaultCacheTools() []string {
	return []string{"fetch_page", "search_registry", "list_skills"}
}

type cacheEntry struct {
	content  string
	storedAt time.Time
}

// resultCache is an LRU of tool results keyed by name plus normalised
// arguments. Entries expire after the TTL; Invalidate purges everything.
type resultCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	allowed map[string]bool
}

func newResultCache(cfg CacheConfig) *resultCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Tools == nil {
		cfg.Tools = DefaultCacheTools()
	}
	allowed := make(map[string]bool, len(cfg.Tools))
	for _, name := range cfg.Tools {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = true
		}
	}
	entries, err := lru.New[string, cacheEntry](cfg.MaxSize)
	if err != nil {
		return &resultCache{allowed: map[string]bool{}}
	}
	return &resultCache{entries: entries, ttl: cfg.TTL, allowed: allowed}
}

func (c *resultCache) cacheable(name string) bool {
	return c.entries != nil && c.allowed[name]
}

func (c *resultCache) get(name string, args map[string]any) (string, bool) {
	if !c.cacheable(name) {
		return "", false
	}
	key := cacheKey(name, args)
	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		c.entries.Remove(key)
		return "", false
	}
	return entry.content, true
}

func (c *resultCache) put(name string, args map[string]any, content string) {
	if !c.cacheable(name) {
		return
	}
	c.entries.Add(cacheKey(name, args), cacheEntry{content: content, storedAt: time.Now()})
}

func (c *resultCache) purge() {
	if c.entries != nil {
		c.entries.Purge()
	}
}

// cacheKey is deterministic: json.Marshal sorts map keys at every level.
func cacheKey(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + ":{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return name + ":{}"
	}
	return name + ":" + string(data)
}
