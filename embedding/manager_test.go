package embedding

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// mockProvider 每次调用计数，向量内容由输入长度决定。
type mockProvider struct {
	calls    atomic.Int64
	failures int64 // 前 failures 次调用返回可重试错误
}

func (p *mockProvider) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	n := p.calls.Add(1)
	if n <= p.failures {
		return nil, types.Errorf(types.ErrProvider, "transient failure %d", n)
	}
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		out[i] = []float64{float64(len(in)), 1, 0}
	}
	return out, nil
}

func (p *mockProvider) Name() string    { return "mock" }
func (p *mockProvider) Dimensions() int { return 3 }

func testConfig() config.EmbeddingConfig {
	cfg := config.Default().Embedding
	cfg.Model = "test-model"
	return cfg
}

func TestGetEmbeddingCachesByExactText(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{}
	mgr := NewManager(testConfig(), provider, nil, 0, nil, zap.NewNop())
	ctx := context.Background()

	first, err := mgr.GetEmbedding(ctx, "hello world")
	require.NoError(t, err)
	second, err := mgr.GetEmbedding(ctx, "hello world")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, provider.calls.Load())

	// 不同文本是另一个缓存键
	_, err = mgr.GetEmbedding(ctx, "hello world!")
	require.NoError(t, err)
	require.EqualValues(t, 2, provider.calls.Load())
}

func TestGetEmbeddingRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{failures: 1}
	mgr := NewManager(testConfig(), provider, nil, 0, nil, zap.NewNop())

	vec, err := mgr.GetEmbedding(context.Background(), "retry me")
	require.NoError(t, err)
	require.Len(t, vec, 3)
	require.EqualValues(t, 2, provider.calls.Load())
}

func TestGetEmbeddingGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{failures: 100}
	mgr := NewManager(testConfig(), provider, nil, 0, nil, zap.NewNop())

	_, err := mgr.GetEmbedding(context.Background(), "always fails")
	require.Error(t, err)
	require.Equal(t, types.ErrProvider, types.CodeOf(err))
	require.EqualValues(t, maxAttempts, provider.calls.Load())
}

func TestBatchGetEmbeddingsPreservesOrder(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{}
	mgr := NewManager(testConfig(), provider, nil, 0, nil, zap.NewNop())

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg", "hhhhhhhh", "iiiiiiiii"}
	vecs, err := mgr.BatchGetEmbeddings(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		require.Equal(t, float64(len(text)), vecs[i][0], "position %d", i)
	}
}

func TestChunksOverlap(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{}
	cfg := testConfig()
	cfg.ChunkOverlap = 2
	mgr := NewManager(cfg, provider, nil, 0, nil, zap.NewNop())

	// WordTokenizer 兜底：每个词一个 token
	text := "one two three four five six seven eight nine ten"
	chunks, err := mgr.Chunks(context.Background(), text, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	require.Equal(t, 0, chunks[0].Start)
	require.Equal(t, 4, chunks[0].End)
	// 第二个窗口向前带 2 个 token 的重叠
	require.Contains(t, chunks[1].Text, "three")
	require.Contains(t, chunks[1].Text, "four")
	require.Equal(t, 4, chunks[1].Start)
	for _, c := range chunks {
		require.Len(t, c.Vector, 3)
	}
}

func TestChunksRejectsBadSize(t *testing.T) {
	t.Parallel()
	mgr := NewManager(testConfig(), &mockProvider{}, nil, 0, nil, zap.NewNop())
	_, err := mgr.Chunks(context.Background(), "text", 0)
	require.True(t, types.IsValidation(err))
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	provider := &mockProvider{}
	mgr := NewManager(testConfig(), provider, nil, 0, nil, zap.NewNop())
	ctx := context.Background()

	_, err := mgr.GetEmbedding(ctx, "cached")
	require.NoError(t, err)
	mgr.ClearCache(0)

	_, err = mgr.GetEmbedding(ctx, "cached")
	require.NoError(t, err)
	require.EqualValues(t, 2, provider.calls.Load())
}

func TestCacheRedisTier(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewCache(rdb, time.Hour, zap.NewNop())
	ctx := context.Background()

	cache.Set(ctx, "key text", []float64{0.1, 0.2})

	// 进程内层命中
	vec, ok := cache.Get(ctx, "key text")
	require.True(t, ok)
	require.Equal(t, []float64{0.1, 0.2}, vec)

	// 清掉进程内层后应从 redis 回填
	cache.Clear(0)
	vec, ok = cache.Get(ctx, "key text")
	require.True(t, ok)
	require.Equal(t, []float64{0.1, 0.2}, vec)
	require.Equal(t, 1, cache.Len())
}
