package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/spigell/cv-matcher/internal/domain"
)

const DefaultCacheSize = 1024

// Cache keeps recent results keyed by the pair text. Oldest entries are
// evicted first once the size limit is reached.
type Cache struct {
	mu      sync.Mutex
	size    int
	entries map[string]*domain.MatchResult
	order   []string
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{size: size, entries: make(map[string]*domain.MatchResult, size)}
}

// Key hashes a candidate/job pair.
func Key(candidateText, jobText string) string {
	h := sha256.New()
	h.Write([]byte(candidateText))
	h.Write([]byte{0})
	h.Write([]byte(jobText))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(key string) (*domain.MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	out := res.Clone()
	out.Cached = true
	return out, true
}

func (c *Cache) Put(key string, res *domain.MatchResult) {
	if res == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.size {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = res.Clone()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
