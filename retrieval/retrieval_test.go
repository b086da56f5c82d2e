package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// stubProvider 按固定表返回向量，未知文本给默认向量。
type stubProvider struct {
	vectors map[string][]float64
}

func (p *stubProvider) Embed(ctx context.Context, inputs []string) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		if vec, ok := p.vectors[in]; ok {
			out[i] = vec
		} else {
			out[i] = []float64{1, 0, 0}
		}
	}
	return out, nil
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Dimensions() int { return 3 }

type fixture struct {
	st        *store.Store
	vectors   *vector.Store
	retriever *Retriever
}

func newFixture(t *testing.T, provider embedding.Provider) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.New(db, zap.NewNop())
	require.NoError(t, err)

	if provider == nil {
		provider = &stubProvider{}
	}
	embCfg := config.Default().Embedding
	embCfg.Model = "test-model"
	mgr := embedding.NewManager(embCfg, provider, nil, 0, nil, zap.NewNop())
	vs := vector.NewStore(st, provider.Dimensions(), nil, zap.NewNop())

	return &fixture{
		st:        st,
		vectors:   vs,
		retriever: New(st, vs, mgr, config.Default().Retrieval, nil, zap.NewNop()),
	}
}

func (f *fixture) seed(t *testing.T, m *types.Memory, vec []float64) {
	t.Helper()
	if m.EmotionalContext == "" {
		m.EmotionalContext = "neutral"
	}
	if m.ArchiveStatus == "" {
		m.ArchiveStatus = types.ArchiveActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	require.NoError(t, f.st.InsertMemory(context.Background(), m))
	if vec != nil {
		require.NoError(t, f.vectors.StoreVector(context.Background(), m.ID, vec))
	}
}

func TestSearchRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.retriever.Search(context.Background(), "q", types.Strategy("fulltext"), 5, nil, nil)
	require.True(t, types.IsValidation(err))
}

func TestSemanticSearchRanksByCosine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{vectors: map[string][]float64{
		"breakout": {1, 0, 0},
	}})
	f.seed(t, &types.Memory{ID: "close", Content: "close match"}, []float64{0.95, 0.05, 0})
	f.seed(t, &types.Memory{ID: "far", Content: "far match"}, []float64{0, 1, 0})
	f.seed(t, &types.Memory{ID: "exact", Content: "exact match"}, []float64{1, 0, 0})

	results, err := f.retriever.Search(context.Background(), "breakout", types.StrategySemantic, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2) // "far" 低于相似度阈值
	require.Equal(t, "exact", results[0].MemoryID)
	require.Equal(t, "close", results[1].MemoryID)
	require.Greater(t, results[0].Relevance, results[1].Relevance)
}

func TestSemanticSearchAppliesFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seed(t, &types.Memory{ID: "a", Type: "analysis", Content: "a"}, []float64{1, 0, 0})
	f.seed(t, &types.Memory{ID: "b", Type: "chat", Content: "b"}, []float64{1, 0, 0})

	results, err := f.retriever.Search(context.Background(), "q", types.StrategySemantic, 5, nil,
		&types.SearchFilters{Type: "analysis"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].MemoryID)
}

func TestTemporalSearchPrefersRecent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seed(t, &types.Memory{
		ID: "stale", Content: "market update old",
		CreatedAt: time.Now().AddDate(0, 0, -40),
	}, nil)
	f.seed(t, &types.Memory{
		ID: "fresh", Content: "market update new",
		CreatedAt: time.Now().AddDate(0, 0, -1),
	}, nil)

	results, err := f.retriever.Search(context.Background(), "market update", types.StrategyTemporal, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "fresh", results[0].MemoryID)
	require.InDelta(t, 1.0/(1.0+1.0/30.0), results[0].Relevance, 0.01)
	require.InDelta(t, 1.0/(1.0+40.0/30.0), results[1].Relevance, 0.01)
}

func TestHybridCombinesBothScores(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubProvider{vectors: map[string][]float64{
		"market": {1, 0, 0},
	}})
	f.seed(t, &types.Memory{
		ID: "both", Content: "market summary",
		CreatedAt: time.Now().AddDate(0, 0, -1),
	}, []float64{1, 0, 0})
	f.seed(t, &types.Memory{
		ID: "semantic-only", Content: "unrelated words",
		CreatedAt: time.Now().AddDate(0, 0, -1),
	}, []float64{1, 0, 0})

	results, err := f.retriever.Search(context.Background(), "market", types.StrategyHybrid, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]float64{}
	for _, res := range results {
		byID[res.MemoryID] = res.Relevance
	}
	decay := 1.0 / (1.0 + 1.0/30.0)
	require.InDelta(t, 0.7*1.0+0.3*decay, byID["both"], 0.01)
	require.InDelta(t, 0.7*1.0, byID["semantic-only"], 0.01)
	require.Equal(t, "both", results[0].MemoryID)
}

func TestContextualBoostsMatchingMemories(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seed(t, &types.Memory{
		ID: "boosted", Content: "boosted",
		EmotionalContext: "positive", Platform: "telegram",
	}, []float64{1, 0, 0})
	f.seed(t, &types.Memory{
		ID: "plain", Content: "plain",
	}, []float64{1, 0, 0})

	qctx := &types.QueryContext{
		EmotionalState: "positive",
		Platform:       "telegram",
		Timeframe:      "recent",
	}
	results, err := f.retriever.Search(context.Background(), "q", types.StrategyContextual, 5, qctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "boosted", results[0].MemoryID)
	// 余弦 1.0 + 情绪 0.2 + 平台 0.1 + 7 天内 0.15
	require.InDelta(t, 1.45, results[0].Relevance, 0.01)
	// plain 只吃时间窗加成
	require.InDelta(t, 1.15, results[1].Relevance, 0.01)
}

func TestContextualFallsBackToHybrid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seed(t, &types.Memory{ID: "m", Content: "anything"}, []float64{1, 0, 0})

	results, err := f.retriever.Search(context.Background(), "anything", types.StrategyContextual, 5, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestExpandContextDecaysPerHop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.seed(t, &types.Memory{ID: id, Content: id}, nil)
	}
	require.NoError(t, f.st.InsertEdge(ctx, &types.HierarchyEdge{
		ParentMemoryID: "a", ChildMemoryID: "b",
		RelationType: types.RelationSemantic, RelevanceScore: 0.9, CreatedAt: time.Now(),
	}))
	require.NoError(t, f.st.InsertEdge(ctx, &types.HierarchyEdge{
		ParentMemoryID: "b", ChildMemoryID: "c",
		RelationType: types.RelationSemantic, RelevanceScore: 0.9, CreatedAt: time.Now(),
	}))

	seedResults := []types.SearchResult{{MemoryID: "a", Content: "a", Relevance: 1.0}}
	expanded, err := f.retriever.ExpandContext(ctx, seedResults, 2)
	require.NoError(t, err)
	require.Len(t, expanded, 3)

	scores := map[string]float64{}
	for _, res := range expanded {
		scores[res.MemoryID] = res.Relevance
	}
	require.InDelta(t, 1.0, scores["a"], 1e-9)
	require.InDelta(t, 0.5, scores["b"], 1e-9)
	require.InDelta(t, 0.25, scores["c"], 1e-9)

	// 深度 1 不到 c
	expanded, err = f.retriever.ExpandContext(ctx, seedResults, 1)
	require.NoError(t, err)
	require.Len(t, expanded, 2)
}

func TestEmotionalTrajectoryChains(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	base := time.Now().Add(-time.Hour)

	f.seed(t, &types.Memory{ID: "p1", Content: "p1", EmotionalContext: "positive", CreatedAt: base}, nil)
	f.seed(t, &types.Memory{ID: "n1", Content: "n1", EmotionalContext: "negative", CreatedAt: base.Add(10 * time.Minute)}, nil)
	f.seed(t, &types.Memory{ID: "p2", Content: "p2", EmotionalContext: "positive", CreatedAt: base.Add(20 * time.Minute)}, nil)

	chains, err := f.retriever.ByEmotionalTrajectory(context.Background(), []string{"positive", "negative"}, nil)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	require.Len(t, chains[0], 2)
	require.Equal(t, "p1", chains[0][0].MemoryID)
	require.Equal(t, "n1", chains[0][1].MemoryID)

	// 时间戳必须严格递增：negative 之后还有 positive，反序没有链
	chains, err = f.retriever.ByEmotionalTrajectory(context.Background(), []string{"negative", "positive"}, nil)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	require.Equal(t, "p2", chains[0][1].MemoryID)
}

func TestEmotionalTrajectoryValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.retriever.ByEmotionalTrajectory(context.Background(), nil, nil)
	require.True(t, types.IsValidation(err))

	long := []string{"a", "b", "c", "d", "e", "f", "g"}
	_, err = f.retriever.ByEmotionalTrajectory(context.Background(), long, nil)
	require.True(t, types.IsValidation(err))
}
