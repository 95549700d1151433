package estimation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aristath/allocator/internal/domain"
)

// DefaultCacheTTL bounds how long a covariance estimate is reused.
const DefaultCacheTTL = 24 * time.Hour

// hashKey creates a deterministic cache key from the asset list and the date
// span of the window. Assets are sorted so the key is order-independent; the
// dates keep rolling windows over the same universe from colliding.
func hashKey(assets []string, dates []string) string {
	sorted := make([]string, len(assets))
	copy(sorted, assets)
	sort.Strings(sorted)
	span := ""
	if len(dates) > 0 {
		span = dates[0] + ".." + dates[len(dates)-1]
	}
	keyData := fmt.Sprintf("%s|%d|%s", strings.Join(sorted, ","), len(dates), span)
	h := sha256.Sum256([]byte(keyData))
	return hex.EncodeToString(h[:16])
}

type cacheEntry struct {
	estimate  *Estimate
	expiresAt time.Time
}

// Cache is a read-mostly covariance cache keyed by (window, asset-set).
// Concurrent requests for the same key block on one computation via
// single-flight semantics instead of duplicating work.
type Cache struct {
	estimator *Estimator
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache wraps an estimator with a single-flight TTL cache.
func NewCache(estimator *Estimator, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		estimator: estimator,
		ttl:       ttl,
		entries:   make(map[string]cacheEntry),
	}
}

// Estimate returns the cached estimate for the series' trailing window,
// computing it at most once per key even under concurrent callers.
func (c *Cache) Estimate(series *domain.ReturnSeries, window int) (*Estimate, error) {
	windowed := series.Window(window)
	key := hashKey(windowed.Assets(), windowed.Dates())

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.estimate, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have stored it
		// between the read above and the singleflight admission.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.estimate, nil
		}

		estimate, err := c.estimator.Estimate(windowed)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{estimate: estimate, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return estimate, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Estimate), nil
}

// Invalidate drops all cached estimates.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
