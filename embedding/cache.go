package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheEntry 进程内缓存条目，带时间戳以支持按龄清理。
type cacheEntry struct {
	vector []float64
	at     time.Time
}

// Cache 两层嵌入缓存：进程内 map 恒在，Redis 层可选。
// Redis 读写失败只记日志，不影响调用方。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	now func() time.Time
}

// NewCache 创建缓存。rdb 为 nil 时只有进程内层。
func NewCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "embedding_cache")),
		now:     time.Now,
	}
}

func redisKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "memflow:emb:" + hex.EncodeToString(sum[:])
}

// Get 按原始文本查缓存。
func (c *Cache) Get(ctx context.Context, text string) ([]float64, bool) {
	c.mu.RLock()
	entry, ok := c.entries[text]
	c.mu.RUnlock()
	if ok {
		return entry.vector, true
	}

	if c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, redisKey(text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("redis cache entry malformed", zap.Error(err))
		return nil, false
	}

	// 回填进程内层
	c.mu.Lock()
	c.entries[text] = cacheEntry{vector: vec, at: c.now()}
	c.mu.Unlock()
	return vec, true
}

// Set 写入两层缓存。
func (c *Cache) Set(ctx context.Context, text string, vector []float64) {
	c.mu.Lock()
	c.entries[text] = cacheEntry{vector: vector, at: c.now()}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(text), data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache write failed", zap.Error(err))
	}
}

// Clear 清空进程内缓存；olderThan > 0 时只清除早于该龄的条目。
// Redis 层按 TTL 自行过期，不在此处遍历。
func (c *Cache) Clear(olderThan time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if olderThan <= 0 {
		c.entries = make(map[string]cacheEntry)
		return
	}
	cutoff := c.now().Add(-olderThan)
	for k, v := range c.entries {
		if v.at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// Len 返回进程内缓存条目数。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
