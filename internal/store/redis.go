package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/velesio/atrium/internal/domain"
)

const (
	tagListKey      = "atrium:tags"
	templateListKey = "atrium:templates"
)

// DefaultTagCacheTTL bounds staleness of the tag/template read cache. The
// database stays the source of truth; only the UI-facing tag lookups read
// through the cache.
const DefaultTagCacheTTL = 30 * time.Second

// CachedTagStore wraps a Store and serves ListTags/ListTemplates from Redis
// with a TTL. Writes to tags or templates invalidate the cached lists. All
// other methods delegate to the underlying store untouched; in particular
// the one-shot proxy-mapping resolution is never cached.
type CachedTagStore struct {
	Store

	client *redis.Client
	ttl    time.Duration
}

// NewCachedTagStore connects to Redis and returns the caching wrapper.
func NewCachedTagStore(underlying Store, addr, password string, db int, ttl time.Duration) (*CachedTagStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTagCacheTTL
	}
	return &CachedTagStore{Store: underlying, client: client, ttl: ttl}, nil
}

func (c *CachedTagStore) Close() error {
	c.client.Close()
	return c.Store.Close()
}

func (c *CachedTagStore) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	if data, err := c.client.Get(ctx, tagListKey).Bytes(); err == nil {
		var tags []*domain.Tag
		if err := json.Unmarshal(data, &tags); err == nil {
			return tags, nil
		}
	}

	tags, err := c.Store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(tags); err == nil {
		c.client.Set(ctx, tagListKey, data, c.ttl)
	}
	return tags, nil
}

func (c *CachedTagStore) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	if data, err := c.client.Get(ctx, templateListKey).Bytes(); err == nil {
		var templates []*domain.Template
		if err := json.Unmarshal(data, &templates); err == nil {
			return templates, nil
		}
	}

	templates, err := c.Store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(templates); err == nil {
		c.client.Set(ctx, templateListKey, data, c.ttl)
	}
	return templates, nil
}

func (c *CachedTagStore) SaveTag(ctx context.Context, tag *domain.Tag) error {
	if err := c.Store.SaveTag(ctx, tag); err != nil {
		return err
	}
	c.client.Del(ctx, tagListKey)
	return nil
}

func (c *CachedTagStore) SaveTemplate(ctx context.Context, t *domain.Template) error {
	if err := c.Store.SaveTemplate(ctx, t); err != nil {
		return err
	}
	c.client.Del(ctx, templateListKey)
	return nil
}
