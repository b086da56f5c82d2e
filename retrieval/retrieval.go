// Package retrieval 实现四种检索策略（语义、时间、混合、上下文）
// 以及基于关联图的结果扩展与情绪轨迹搜索。
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// 混合检索的固定权重
const (
	hybridSemanticWeight = 0.7
	hybridTemporalWeight = 0.3
)

// 上下文向量混合权重与加性加成
const (
	contextQueryWeight  = 0.7
	contextSuffixWeight = 0.3
	boostEmotion        = 0.2
	boostPlatform       = 0.1
	boostRecent         = 0.15
	boostMonth          = 0.1
)

// Retriever 按策略分发查询并统一应用过滤条件。
type Retriever struct {
	db      *store.Store
	vectors *vector.Store
	embed   *embedding.Manager
	cfg     config.RetrievalConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New 创建检索器。
func New(db *store.Store, vectors *vector.Store, embed *embedding.Manager, cfg config.RetrievalConfig, m *metrics.Metrics, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		db:      db,
		vectors: vectors,
		embed:   embed,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "memory_retrieval")),
	}
}

// Search 执行一次检索。strategy 非法时返回 ValidationError。
func (r *Retriever) Search(ctx context.Context, query string, strategy types.Strategy, limit int, qctx *types.QueryContext, filters *types.SearchFilters) ([]types.SearchResult, error) {
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	if r.metrics != nil {
		r.metrics.SearchesByStrategy.WithLabelValues(string(strategy)).Inc()
		start := time.Now()
		defer func() {
			r.metrics.SearchLatencySeconds.Observe(time.Since(start).Seconds())
		}()
	}

	switch strategy {
	case types.StrategySemantic:
		return r.semantic(ctx, query, limit, filters)
	case types.StrategyTemporal:
		return r.temporal(ctx, query, limit, filters)
	case types.StrategyHybrid:
		return r.hybrid(ctx, query, limit, filters)
	case types.StrategyContextual:
		return r.contextual(ctx, query, limit, qctx, filters)
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown search strategy %q", strategy)
	}
}

// semantic 语义检索：嵌入查询、相似度搜索、补全行、过滤、排序、截断。
// 为给过滤留余量，候选按 limit 的两倍取。
func (r *Retriever) semantic(ctx context.Context, query string, limit int, filters *types.SearchFilters) ([]types.SearchResult, error) {
	vec, err := r.embed.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.vectors.SimilaritySearch(ctx, vec, limit*2, r.cfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	results, err := r.hydrate(ctx, matches, filters)
	if err != nil {
		return nil, err
	}
	sortResults(results)
	return truncate(results, limit), nil
}

// temporal 时间检索：文本匹配后按年龄衰减打分。
func (r *Retriever) temporal(ctx context.Context, query string, limit int, filters *types.SearchFilters) ([]types.SearchResult, error) {
	rows, err := r.db.SearchText(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []types.SearchResult
	for _, m := range rows {
		if !filters.Match(m) {
			continue
		}
		results = append(results, types.SearchResult{
			MemoryID:  m.ID,
			Content:   m.Content,
			Relevance: timeDecay(m.AgeDays(now)),
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	sortResults(results)
	return truncate(results, limit), nil
}

// hybrid 并发执行语义与时间两路子检索，两路都到齐后按 id 合并，
// 每路取该 id 见过的最高分，缺席记 0，再按 0.7/0.3 加权。
func (r *Retriever) hybrid(ctx context.Context, query string, limit int, filters *types.SearchFilters) ([]types.SearchResult, error) {
	var semResults, tempResults []types.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semResults, err = r.semantic(gctx, query, limit*2, filters)
		return err
	})
	g.Go(func() error {
		var err error
		tempResults, err = r.temporal(gctx, query, limit*2, filters)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type pair struct {
		res      types.SearchResult
		semantic float64
		temporal float64
	}
	byID := make(map[string]*pair)
	for _, res := range semResults {
		p, ok := byID[res.MemoryID]
		if !ok {
			p = &pair{res: res}
			byID[res.MemoryID] = p
		}
		p.semantic = math.Max(p.semantic, res.Relevance)
	}
	for _, res := range tempResults {
		p, ok := byID[res.MemoryID]
		if !ok {
			p = &pair{res: res}
			byID[res.MemoryID] = p
		}
		p.temporal = math.Max(p.temporal, res.Relevance)
	}

	results := make([]types.SearchResult, 0, len(byID))
	for _, p := range byID {
		res := p.res
		res.Relevance = hybridSemanticWeight*p.semantic + hybridTemporalWeight*p.temporal
		results = append(results, res)
	}
	sortResults(results)
	return truncate(results, limit), nil
}

// contextual 上下文检索。无上下文信号时退化为混合检索；
// 否则把查询向量与“查询+上下文”向量按 0.7/0.3 混合并重新归一化，
// 再对命中按情绪、平台与时间窗做加性加成。
func (r *Retriever) contextual(ctx context.Context, query string, limit int, qctx *types.QueryContext, filters *types.SearchFilters) ([]types.SearchResult, error) {
	if qctx.Empty() {
		return r.hybrid(ctx, query, limit, filters)
	}

	qVec, err := r.embed.GetEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	cVec, err := r.embed.GetEmbedding(ctx, query+" "+formatContext(qctx))
	if err != nil {
		return nil, err
	}

	blended := blendVectors(qVec, cVec)
	matches, err := r.vectors.SimilaritySearch(ctx, blended, limit*2, r.cfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, match := range matches {
		ids[i] = match.MemoryID
		scores[match.MemoryID] = match.Score
	}
	rows, err := r.db.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []types.SearchResult
	for _, m := range rows {
		if !filters.Match(m) {
			continue
		}
		score := scores[m.ID]
		if qctx.EmotionalState != "" && m.EmotionalContext == qctx.EmotionalState {
			score += boostEmotion
		}
		if qctx.Platform != "" && m.Platform == qctx.Platform {
			score += boostPlatform
		}
		age := m.AgeDays(now)
		switch qctx.Timeframe {
		case "recent":
			if age < 7 {
				score += boostRecent
			}
		case "month":
			if age < 30 {
				score += boostMonth
			}
		}
		results = append(results, types.SearchResult{
			MemoryID:  m.ID,
			Content:   m.Content,
			Relevance: score,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	sortResults(results)
	return truncate(results, limit), nil
}

// ExpandContext 以现有结果为种子沿关联图做 depth 轮广度扩展。
// 第 hop 轮新发现的记忆相关度记 0.5^hop，已见过的 id 不重访。
func (r *Retriever) ExpandContext(ctx context.Context, results []types.SearchResult, depth int) ([]types.SearchResult, error) {
	expanded := make([]types.SearchResult, len(results))
	copy(expanded, results)

	seen := make(map[string]bool, len(results))
	frontier := make([]string, 0, len(results))
	for _, res := range results {
		seen[res.MemoryID] = true
		frontier = append(frontier, res.MemoryID)
	}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		related, err := r.db.RelatedIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var fresh []string
		for _, id := range related {
			if !seen[id] {
				seen[id] = true
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			break
		}

		rows, err := r.db.GetMemories(ctx, fresh)
		if err != nil {
			return nil, err
		}
		relevance := math.Pow(0.5, float64(hop))
		for _, m := range rows {
			expanded = append(expanded, types.SearchResult{
				MemoryID:  m.ID,
				Content:   m.Content,
				Relevance: relevance,
				Metadata:  m.Metadata,
				CreatedAt: m.CreatedAt,
			})
		}
		frontier = fresh
	}
	return expanded, nil
}

// ByEmotionalTrajectory 搜索情绪标签逐位匹配且时间戳严格递增的
// 全部记忆链。序列长度与每标签候选数都有上限以约束回溯规模。
func (r *Retriever) ByEmotionalTrajectory(ctx context.Context, sequence []string, window *types.DateRange) ([][]types.SearchResult, error) {
	if len(sequence) == 0 {
		return nil, types.Errorf(types.ErrValidation, "emotion sequence is empty")
	}
	if len(sequence) > r.cfg.MaxTrajectoryLength {
		return nil, types.Errorf(types.ErrValidation,
			"emotion sequence length %d exceeds limit %d", len(sequence), r.cfg.MaxTrajectoryLength)
	}

	var since time.Time
	if window != nil {
		since = window.Start
	}
	rows, err := r.db.ListByEmotions(ctx, uniqueLabels(sequence), since)
	if err != nil {
		return nil, err
	}

	// 按标签分桶，桶内保持时间升序，每桶限量
	byLabel := make(map[string][]*types.Memory)
	for _, m := range rows {
		if window != nil && !window.End.IsZero() && m.CreatedAt.After(window.End) {
			continue
		}
		if len(byLabel[m.EmotionalContext]) < r.cfg.MaxCandidates {
			byLabel[m.EmotionalContext] = append(byLabel[m.EmotionalContext], m)
		}
	}

	var chains [][]types.SearchResult
	chain := make([]*types.Memory, 0, len(sequence))

	var walk func(pos int, after time.Time)
	walk = func(pos int, after time.Time) {
		if pos == len(sequence) {
			out := make([]types.SearchResult, len(chain))
			for i, m := range chain {
				out[i] = types.SearchResult{
					MemoryID:  m.ID,
					Content:   m.Content,
					Relevance: 1.0,
					Metadata:  m.Metadata,
					CreatedAt: m.CreatedAt,
				}
			}
			chains = append(chains, out)
			return
		}
		for _, m := range byLabel[sequence[pos]] {
			if !m.CreatedAt.After(after) {
				continue
			}
			chain = append(chain, m)
			walk(pos+1, m.CreatedAt)
			chain = chain[:len(chain)-1]
		}
	}
	walk(0, time.Time{})

	r.logger.Debug("emotional trajectory search done",
		zap.Strings("sequence", sequence),
		zap.Int("chains", len(chains)))
	return chains, nil
}

// hydrate 把相似度命中补全为完整结果并应用过滤条件。
func (r *Retriever) hydrate(ctx context.Context, matches []vector.Match, filters *types.SearchFilters) ([]types.SearchResult, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, match := range matches {
		ids[i] = match.MemoryID
		scores[match.MemoryID] = match.Score
	}

	rows, err := r.db.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}

	var results []types.SearchResult
	for _, m := range rows {
		if !filters.Match(m) {
			continue
		}
		results = append(results, types.SearchResult{
			MemoryID:  m.ID,
			Content:   m.Content,
			Relevance: scores[m.ID],
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	return results, nil
}

// formatContext 把上下文信号拼成附加给查询的短文本。
func formatContext(qctx *types.QueryContext) string {
	var parts []string
	if qctx.EmotionalState != "" {
		parts = append(parts, fmt.Sprintf("emotion: %s", qctx.EmotionalState))
	}
	if len(qctx.Topics) > 0 {
		parts = append(parts, fmt.Sprintf("topics: %s", strings.Join(qctx.Topics, ", ")))
	}
	if qctx.Timeframe != "" {
		parts = append(parts, fmt.Sprintf("timeframe: %s", qctx.Timeframe))
	}
	if qctx.Platform != "" {
		parts = append(parts, fmt.Sprintf("platform: %s", qctx.Platform))
	}
	return strings.Join(parts, "; ")
}

// blendVectors 按固定权重逐维混合并归一化为单位向量。
func blendVectors(query, contextual []float64) []float64 {
	blended := make([]float64, len(query))
	var norm float64
	for i := range query {
		blended[i] = contextQueryWeight*query[i] + contextSuffixWeight*contextual[i]
		norm += blended[i] * blended[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return blended
	}
	for i := range blended {
		blended[i] /= norm
	}
	return blended
}

func timeDecay(ageDays float64) float64 {
	return 1.0 / (1.0 + ageDays/30.0)
}

func sortResults(results []types.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
}

func truncate(results []types.SearchResult, limit int) []types.SearchResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}

func uniqueLabels(sequence []string) []string {
	seen := make(map[string]bool, len(sequence))
	var out []string
	for _, label := range sequence {
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out
}
