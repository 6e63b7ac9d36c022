package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"consentry/internal/consent/models"
	"consentry/internal/platform/redis"
	"consentry/internal/sentinel"
	id "consentry/pkg/domain"
)

// RedisCache stores subject views as JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed subject view cache.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func viewKey(subject id.SubjectID) string {
	return "consent:view:" + subject.String()
}

func (c *RedisCache) GetView(ctx context.Context, subject id.SubjectID) (*models.SubjectView, error) {
	raw, err := c.client.Get(ctx, viewKey(subject)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var view models.SubjectView
	if err := json.Unmarshal(raw, &view); err != nil {
		// Corrupt entry: treat as a miss after best-effort cleanup.
		_ = c.client.Del(ctx, viewKey(subject)).Err()
		return nil, sentinel.ErrNotFound
	}
	return &view, nil
}

func (c *RedisCache) PutView(ctx context.Context, view *models.SubjectView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, viewKey(view.Subject), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, subject id.SubjectID) error {
	if err := c.client.Del(ctx, viewKey(subject)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
