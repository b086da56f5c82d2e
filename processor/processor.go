// Package processor 是写入与合并层：内容规范化与压缩、轻量
// 内容分析、落库建向量、机会式自动建边，以及异构结果的合并排序。
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/hierarchy"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// 重要度混合权重
const (
	weightBase       = 0.4
	weightNeighbors  = 0.3
	weightComplexity = 0.3
)

// Analysis 单条记忆的轻量内容分析结果。
type Analysis struct {
	Sentiment        float64  `json:"sentiment"`
	EmotionalContext string   `json:"emotional_context"`
	KeyConcepts      []string `json:"key_concepts,omitempty"`
	Patterns         []string `json:"patterns,omitempty"`
	Complexity       float64  `json:"complexity"`
	Importance       float64  `json:"importance"`
}

// Result 一次写入的产出。
type Result struct {
	MemoryID string        `json:"memory_id"`
	Memory   *types.Memory `json:"memory"`
	Analysis *Analysis     `json:"analysis"`
}

// Stats 一组记忆的统计摘要。
type Stats struct {
	Total           int            `json:"total"`
	ByType          map[string]int `json:"by_type"`
	ByEmotion       map[string]int `json:"by_emotion"`
	MeanImportance  float64        `json:"mean_importance"`
	ArchivedCount   int            `json:"archived_count"`
	OldestCreatedAt time.Time      `json:"oldest_created_at"`
	NewestCreatedAt time.Time      `json:"newest_created_at"`
}

// Processor 记忆写入处理器。
type Processor struct {
	db      *store.Store
	vectors *vector.Store
	graph   *hierarchy.Graph
	embed   *embedding.Manager
	cfg     config.ProcessorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New 创建处理器。
func New(db *store.Store, vectors *vector.Store, graph *hierarchy.Graph, embed *embedding.Manager, cfg config.ProcessorConfig, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		db:      db,
		vectors: vectors,
		graph:   graph,
		embed:   embed,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "memory_processor")),
	}
}

// ProcessNewMemory 规范化并分析内容，持久化记忆与向量，
// 并尝试把新记忆挂到最相似的已有记忆上。
// 向量生产与自动建边都是尽力而为，失败不影响写入本身。
func (p *Processor) ProcessNewMemory(ctx context.Context, content any, metadata map[string]any) (*Result, error) {
	text, err := canonicalize(content)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.Errorf(types.ErrValidation, "memory content is empty")
	}

	if threshold := p.cfg.CompressThreshold; threshold > 0 && len(text) > threshold {
		compressed := compress(text, threshold)
		p.logger.Debug("content compressed",
			zap.Int("original", len(text)),
			zap.Int("compressed", len(compressed)))
		text = compressed
	}

	vec, embErr := p.embed.GetEmbedding(ctx, text)
	if embErr != nil {
		p.logger.Warn("embedding unavailable, storing without vector", zap.Error(embErr))
		vec = nil
	}

	// 近邻均值与最佳链接候选都来自同一次相似度搜索
	var meanNeighborSim float64
	var bestMatch *vector.Match
	if vec != nil {
		matches, err := p.vectors.SimilaritySearch(ctx, vec, 5, 0)
		if err == nil && len(matches) > 0 {
			var sum float64
			for _, match := range matches {
				sum += match.Score
			}
			meanNeighborSim = sum / float64(len(matches))
			bestMatch = &matches[0]
		}
	}

	analysis := p.analyze(text, meanNeighborSim)

	memory := &types.Memory{
		ID:               uuid.NewString(),
		Type:             stringField(metadata, "type", "general"),
		Content:          text,
		Metadata:         metadata,
		Importance:       analysis.Importance,
		EmotionalContext: analysis.EmotionalContext,
		Associations:     analysis.KeyConcepts,
		Platform:         stringField(metadata, "platform", ""),
		ArchiveStatus:    types.ArchiveActive,
		CreatedAt:        time.Now(),
	}
	if err := p.db.InsertMemory(ctx, memory); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.MemoriesStored.Inc()
	}

	if vec != nil {
		if err := p.vectors.StoreVector(ctx, memory.ID, vec); err != nil {
			p.logger.Warn("vector store failed", zap.String("memory_id", memory.ID), zap.Error(err))
		}
	}

	p.autoLink(ctx, memory.ID, bestMatch)

	return &Result{MemoryID: memory.ID, Memory: memory, Analysis: analysis}, nil
}

// autoLink 把新记忆挂到相似度超过下限的最佳已有记忆上。
func (p *Processor) autoLink(ctx context.Context, memoryID string, best *vector.Match) {
	if best == nil || best.Score < p.cfg.LinkFloor {
		return
	}
	if err := p.graph.AddEdge(ctx, best.MemoryID, memoryID, types.RelationSemantic, best.Score); err != nil {
		p.logger.Warn("auto link failed",
			zap.String("parent", best.MemoryID),
			zap.String("child", memoryID),
			zap.Error(err))
		return
	}
	p.logger.Debug("memory auto linked",
		zap.String("parent", best.MemoryID),
		zap.String("child", memoryID),
		zap.Float64("score", best.Score))
}

// CombineAndRank 合并数据库侧与语义侧两份按 id 归属的结果。
// 仅来自数据库的条目得 0.5 + 0.2·复杂度；语义条目在已有分上加 0.8，
// 且记忆重要度超过 0.7 时整体乘 1.2；非有限分数一律丢弃。
func (p *Processor) CombineAndRank(ctx context.Context, dbResults []*types.Memory, semResults []types.SearchResult) ([]types.SearchResult, error) {
	type entry struct {
		res       types.SearchResult
		score     float64
		semantic  bool
		memoryRow *types.Memory
	}
	byID := make(map[string]*entry)
	var order []string

	for _, m := range dbResults {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		byID[m.ID] = &entry{
			res: types.SearchResult{
				MemoryID:  m.ID,
				Content:   m.Content,
				Metadata:  m.Metadata,
				CreatedAt: m.CreatedAt,
			},
			score:     0.5 + 0.2*textComplexity(m.Content),
			memoryRow: m,
		}
		order = append(order, m.ID)
	}

	var missing []string
	for _, res := range semResults {
		if math.IsNaN(res.Relevance) || math.IsInf(res.Relevance, 0) {
			continue
		}
		e, ok := byID[res.MemoryID]
		if !ok {
			e = &entry{res: res}
			byID[res.MemoryID] = e
			order = append(order, res.MemoryID)
			missing = append(missing, res.MemoryID)
		}
		e.score += 0.8
		e.semantic = true
	}

	// 语义条目的重要度加成需要行数据
	if len(missing) > 0 {
		rows, err := p.db.GetMemories(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, m := range rows {
			if e, ok := byID[m.ID]; ok {
				e.memoryRow = m
			}
		}
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		e := byID[id]
		if e.semantic && e.memoryRow != nil && e.memoryRow.Importance > 0.7 {
			e.score *= 1.2
		}
		e.res.Relevance = e.score
		results = append(results, e.res)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	return results, nil
}

// Cluster 贪心单遍聚类。相似度取词集 Jaccard 与向量余弦的平均，
// 终簇大小不足 minSize 的丢弃。
func (p *Processor) Cluster(ctx context.Context, memories []*types.Memory, minSize int, threshold float64) ([][]*types.Memory, error) {
	if minSize <= 0 {
		return nil, types.Errorf(types.ErrValidation, "min cluster size must be positive, got %d", minSize)
	}

	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	vectors, err := p.db.GetEmbeddings(ctx, ids)
	if err != nil {
		return nil, err
	}

	var clusters [][]*types.Memory
	assigned := make(map[int]bool, len(memories))
	for i, seed := range memories {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		cluster := []*types.Memory{seed}
		for j := i + 1; j < len(memories); j++ {
			if assigned[j] {
				continue
			}
			if pairSimilarity(seed, memories[j], vectors) >= threshold {
				cluster = append(cluster, memories[j])
				assigned[j] = true
			}
		}
		if len(cluster) >= minSize {
			clusters = append(clusters, cluster)
		}
	}
	return clusters, nil
}

// FindMostSimilar 在候选中找与目标最相似的记忆及其相似度。
func (p *Processor) FindMostSimilar(ctx context.Context, target *types.Memory, candidates []*types.Memory) (*types.Memory, float64, error) {
	if target == nil || len(candidates) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, 0, len(candidates)+1)
	ids = append(ids, target.ID)
	for _, m := range candidates {
		ids = append(ids, m.ID)
	}
	vectors, err := p.db.GetEmbeddings(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var best *types.Memory
	bestScore := -1.0
	for _, m := range candidates {
		if m.ID == target.ID {
			continue
		}
		if score := pairSimilarity(target, m, vectors); score > bestScore {
			best, bestScore = m, score
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// Statistics 汇总一组记忆的分布情况。
func (p *Processor) Statistics(memories []*types.Memory) *Stats {
	stats := &Stats{
		Total:     len(memories),
		ByType:    make(map[string]int),
		ByEmotion: make(map[string]int),
	}
	if len(memories) == 0 {
		return stats
	}

	var importanceSum float64
	for _, m := range memories {
		stats.ByType[m.Type]++
		stats.ByEmotion[m.EmotionalContext]++
		importanceSum += m.Importance
		if m.ArchiveStatus == types.ArchiveArchived {
			stats.ArchivedCount++
		}
		if stats.OldestCreatedAt.IsZero() || m.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = m.CreatedAt
		}
		if m.CreatedAt.After(stats.NewestCreatedAt) {
			stats.NewestCreatedAt = m.CreatedAt
		}
	}
	stats.MeanImportance = importanceSum / float64(len(memories))
	return stats
}

// pairSimilarity 词集 Jaccard 与向量余弦各占一半；
// 任一方缺向量时退化为纯词集相似度。
func pairSimilarity(a, b *types.Memory, vectors map[string][]float64) float64 {
	lexical := jaccardWords(a.Content, b.Content)
	va, okA := vectors[a.ID]
	vb, okB := vectors[b.ID]
	if !okA || !okB {
		return lexical
	}
	return 0.5*lexical + 0.5*vector.Cosine(va, vb)
}

func jaccardWords(a, b string) float64 {
	setA := fieldSet(a)
	setB := fieldSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(setA)+len(setB)-inter)
}

func fieldSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// canonicalize 把任意内容转成规范文本：字符串原样，其余 JSON 序列化。
func canonicalize(content any) (string, error) {
	switch v := content.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", types.Wrap(types.ErrValidation, "processor.canonicalize",
				fmt.Errorf("content is not serializable: %w", err))
		}
		return string(data), nil
	}
}

// stringField 从元数据里取字符串字段，缺失或类型不符时用默认值。
func stringField(metadata map[string]any, key, fallback string) string {
	if metadata == nil {
		return fallback
	}
	if v, ok := metadata[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
