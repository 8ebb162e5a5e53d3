// Package cache provides the Redis-backed prompt cache with an in-memory
// fallback when Redis is unavailable. System instructions are populated
// lazily from a loader and invalidated explicitly by an admin action;
// there is no ambient global prompt state.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"forgeline/internal/logging"
	"forgeline/internal/pipeline"
)

const (
	promptKeyPrefix = "forgeline:prompt:"
	promptTTL       = 12 * time.Hour
)

// Loader produces the system instruction for a step on a cache miss.
type Loader func(kind pipeline.StepKind) string

// PromptCache implements pipeline.PromptSource.
type PromptCache struct {
	client *redis.Client // nil when Redis is not configured
	loader Loader

	mu  sync.RWMutex
	mem map[pipeline.StepKind]string
}

// NewPromptCache creates a prompt cache. client may be nil; the cache then
// serves from memory only.
func NewPromptCache(client *redis.Client, loader Loader) *PromptCache {
	return &PromptCache{
		client: client,
		loader: loader,
		mem:    make(map[pipeline.StepKind]string),
	}
}

// System returns the system instruction for a step, populating the cache
// lazily on first use.
func (c *PromptCache) System(kind pipeline.StepKind) string {
	c.mu.RLock()
	cached, ok := c.mem[kind]
	c.mu.RUnlock()
	if ok {
		return cached
	}

	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if val, err := c.client.Get(ctx, promptKeyPrefix+string(kind)).Result(); err == nil && val != "" {
			c.remember(kind, val)
			return val
		}
	}

	val := c.loader(kind)
	c.remember(kind, val)
	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.client.Set(ctx, promptKeyPrefix+string(kind), val, promptTTL).Err(); err != nil {
			logging.L().Warn("prompt cache write failed", zap.String("step", string(kind)), zap.Error(err))
		}
	}
	return val
}

// Invalidate drops every cached prompt so the next use repopulates from
// the loader. Called from the admin surface after prompts change.
func (c *PromptCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.mem = make(map[pipeline.StepKind]string)
	c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	keys, err := c.client.Keys(ctx, promptKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *PromptCache) remember(kind pipeline.StepKind, val string) {
	c.mu.Lock()
	c.mem[kind] = val
	c.mu.Unlock()
}
