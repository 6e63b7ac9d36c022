package cache

import (
	"context"
	"sync"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

type memoryEntry struct {
	view      models.SubjectView
	expiresAt time.Time
}

// MemoryCache is a TTL-bounded in-process cache. A janitor goroutine evicts
// expired entries; reads also check expiry so a stalled janitor never serves
// stale views.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[id.SubjectID]memoryEntry
	ttl     time.Duration

	stop chan struct{}
	once sync.Once
}

const defaultTTL = 5 * time.Minute

// NewMemory constructs a memory cache with the given TTL and starts its janitor.
func NewMemory(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &MemoryCache{
		entries: make(map[id.SubjectID]memoryEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) GetView(_ context.Context, subject id.SubjectID) (*models.SubjectView, error) {
	c.mu.RLock()
	entry, ok := c.entries[subject]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, sentinel.ErrNotFound
	}
	view := copyView(entry.view)
	return &view, nil
}

func (c *MemoryCache) PutView(_ context.Context, view *models.SubjectView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[view.Subject] = memoryEntry{
		view:      copyView(*view),
		expiresAt: time.Now().Add(c.ttl),
	}
	return nil
}

// copyView detaches the category map so callers cannot mutate cached state.
func copyView(v models.SubjectView) models.SubjectView {
	categories := make(map[id.CategoryID]models.CategoryState, len(v.Categories))
	for cid, cs := range v.Categories {
		categories[cid] = cs
	}
	v.Categories = categories
	return v
}

func (c *MemoryCache) Invalidate(_ context.Context, subject id.SubjectID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subject)
	return nil
}

// Close stops the janitor goroutine.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for subject, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, subject)
				}
			}
			c.mu.Unlock()
		}
	}
}
