// Package embedding 将文本变为定长向量：请求缓存、有界并发、
// 每分钟滚动预算、指数退避重试与长文本分块。
package embedding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/types"
)

const (
	maxAttempts = 3
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Second
)

// Chunk 一段 token 窗口及其向量。Start/End 为 token 偏移。
type Chunk struct {
	Text   string    `json:"text"`
	Vector []float64 `json:"vector"`
	Start  int       `json:"start"`
	End    int       `json:"end"`
}

// Manager 嵌入管理器。缓存与限流状态为进程级共享，
// 通过显式构造注入，没有包级单例。
type Manager struct {
	provider Provider
	tok      Tokenizer
	cache    *Cache
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	cfg      config.EmbeddingConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewManager 创建嵌入管理器。rdb 可为 nil（禁用 Redis 缓存层）。
func NewManager(cfg config.EmbeddingConfig, provider Provider, rdb *redis.Client, redisTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "embedding_manager"))

	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 10
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 150
	}

	return &Manager{
		provider: provider,
		tok:      newTokenizer(cfg.Model, logger),
		cache:    NewCache(rdb, redisTTL, logger),
		sem:      semaphore.NewWeighted(maxConc),
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Dimensions 返回提供者的向量维度。
func (mgr *Manager) Dimensions() int { return mgr.provider.Dimensions() }

// GetEmbedding 返回文本的向量。缓存按原始文本精确命中；
// 未命中时预处理后经限流调用提供者，3 次退避重试后以 ProviderError 失败。
func (mgr *Manager) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := mgr.cache.Get(ctx, text); ok {
		if mgr.metrics != nil {
			mgr.metrics.EmbeddingCacheHits.Inc()
		}
		return vec, nil
	}

	processed := mgr.preprocess(text)

	if err := mgr.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer mgr.sem.Release(1)

	// 每 60 秒滚动预算：超出时在此等待
	if err := mgr.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	vec, err := mgr.embedWithRetry(ctx, processed)
	if err != nil {
		if mgr.metrics != nil {
			mgr.metrics.EmbeddingFailures.Inc()
		}
		return nil, err
	}

	mgr.cache.Set(ctx, text, vec)
	return vec, nil
}

// embedWithRetry 以指数退避调用提供者。
func (mgr *Manager) embedWithRetry(ctx context.Context, text string) ([]float64, error) {
	var lastErr error
	backoff := baseBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if mgr.metrics != nil {
			mgr.metrics.EmbeddingCalls.Inc()
		}
		vecs, err := mgr.provider.Embed(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			return vecs[0], nil
		}
		if err == nil {
			err = types.Errorf(types.ErrProvider, "provider returned %d vectors for 1 input", len(vecs))
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if types.IsValidation(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		mgr.logger.Warn("embedding attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, &types.Error{
		Code:    types.ErrProvider,
		Message: "embedding failed after retries",
		Op:      "embedding.GetEmbedding",
		Err:     lastErr,
	}
}

// BatchGetEmbeddings 按固定批大小分批获取向量，输出顺序与输入一致。
func (mgr *Manager) BatchGetEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := mgr.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	out := make([][]float64, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i // per-iteration copy; required while the go directive is below 1.22
			g.Go(func() error {
				vec, err := mgr.GetEmbedding(gctx, texts[i])
				if err != nil {
					return err
				}
				out[i] = vec
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Chunks 将长文本切成带重叠的 token 窗口并逐窗口嵌入。
// 每个窗口（首个除外）包含前一窗口末尾的 ChunkOverlap 个 token。
func (mgr *Manager) Chunks(ctx context.Context, text string, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, types.Errorf(types.ErrValidation, "chunk size must be positive, got %d", chunkSize)
	}
	overlap := mgr.cfg.ChunkOverlap
	if overlap <= 0 {
		overlap = 100
	}

	tokens := mgr.tok.Encode(text)
	var chunks []Chunk

	for i := 0; i < len(tokens); i += chunkSize {
		start := i
		if i > 0 {
			start = i - overlap
			if start < 0 {
				start = 0
			}
		}
		end := i + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		chunkText := mgr.tok.Decode(tokens[start:end])
		vec, err := mgr.GetEmbedding(ctx, chunkText)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Text:   chunkText,
			Vector: vec,
			Start:  i,
			End:    end,
		})
	}
	return chunks, nil
}

// ClearCache 清空缓存；olderThan > 0 时只清除早于该龄的条目。
func (mgr *Manager) ClearCache(olderThan time.Duration) {
	mgr.cache.Clear(olderThan)
}

// preprocess 去换行、裁剪空白，并按 token 预算截断后解码。
func (mgr *Manager) preprocess(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))

	limit := mgr.cfg.TokenLimit
	if limit <= 0 {
		limit = 8191
	}
	tokens := mgr.tok.Encode(text)
	if len(tokens) > limit {
		text = mgr.tok.Decode(tokens[:limit])
	}
	return text
}
