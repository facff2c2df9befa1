package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/al-bashkir/schoolfront/internal/backend"
	"github.com/al-bashkir/schoolfront/internal/metrics"
)

// cachedProfile is one hydrated profile with its expiry.
type cachedProfile struct {
	profile   backend.UserProfile
	expiresAt time.Time
}

// ProfileCache keeps hydrated profiles in memory with TTL-based cleanup so
// that page loads do not refetch the current user on every request.
// Entries are keyed by a digest of the access token, never the token itself.
// It is thread-safe and shared by all Managers of a process.
type ProfileCache struct {
	mu            sync.RWMutex
	entries       map[string]*cachedProfile
	ttl           time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewProfileCache creates a cache whose entries live for ttl.
// It starts a background cleanup goroutine that runs every minute.
func NewProfileCache(ttl time.Duration, m *metrics.Metrics) *ProfileCache {
	c := &ProfileCache{
		entries:       make(map[string]*cachedProfile),
		ttl:           ttl,
		now:           time.Now,
		metrics:       m,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *ProfileCache) Stop() {
	c.stopOnce.Do(func() {
		c.cleanupTicker.Stop()
		close(c.stopCleanup)
	})
}

// Get returns a copy of the profile cached for accessToken.
func (c *ProfileCache) Get(accessToken string) (*backend.UserProfile, bool) {
	if c == nil || accessToken == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(accessToken)]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}

	profile := entry.profile
	return &profile, true
}

// Put stores profile for accessToken. A non-positive TTL disables caching.
func (c *ProfileCache) Put(accessToken string, profile *backend.UserProfile) {
	if c == nil || c.ttl <= 0 || accessToken == "" || profile == nil {
		return
	}

	c.mu.Lock()
	c.entries[cacheKey(accessToken)] = &cachedProfile{
		profile:   *profile,
		expiresAt: c.now().Add(c.ttl),
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCachedProfiles(n)
}

// Evict removes the entry for accessToken.
func (c *ProfileCache) Evict(accessToken string) {
	if c == nil || accessToken == "" {
		return
	}

	c.mu.Lock()
	delete(c.entries, cacheKey(accessToken))
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCachedProfiles(n)
}

// Count returns the number of cached profiles, expired ones included.
func (c *ProfileCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}
