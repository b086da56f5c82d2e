package vector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

const (
	writeAttempts = 3
	writeBackoff  = 500 * time.Millisecond
)

// Match 相似度命中：记忆 id 与余弦得分。
type Match struct {
	MemoryID string  `json:"memory_id"`
	Score    float64 `json:"score"`
}

// Store 把持久化向量表与内存平铺索引配成一对。
// 写入先落库再进索引，两者在同一把写锁下保持槽位与 id 的对应。
type Store struct {
	mu      sync.RWMutex
	db      *store.Store
	index   *flatIndex
	slotIDs []string // 槽位号 -> 记忆 id
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStore 创建向量存储。调用方随后应执行一次 Sync 以装载已有向量。
func NewStore(db *store.Store, dim int, m *metrics.Metrics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		index:   newFlatIndex(dim),
		metrics: m,
		logger:  logger.With(zap.String("component", "vector_store")),
	}
}

// Size 索引中的向量数。
func (vs *Store) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.index.Size()
}

// StoreVector 持久化向量并追加进索引。持久化失败时带退避重试，
// 最终失败则索引不变。
func (vs *Store) StoreVector(ctx context.Context, memoryID string, vec []float64) error {
	if memoryID == "" {
		return types.Errorf(types.ErrValidation, "memory id is empty")
	}
	if len(vec) == 0 {
		return types.Errorf(types.ErrValidation, "vector is empty")
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	rec := &types.EmbeddingRecord{MemoryID: memoryID, Vector: vec, CreatedAt: time.Now()}
	var err error
	backoff := writeBackoff
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = vs.db.InsertEmbedding(ctx, rec); err == nil {
			break
		}
		if attempt == writeAttempts {
			return err
		}
		vs.logger.Warn("embedding insert failed, retrying",
			zap.String("memory_id", memoryID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	// InsertEmbedding 覆盖同 id 旧行；索引侧对应做槽位就地替换
	for slot, id := range vs.slotIDs {
		if id == memoryID {
			vs.index.vectors[slot] = vec
			return nil
		}
	}
	vs.index.Add(vec)
	vs.slotIDs = append(vs.slotIDs, memoryID)
	return nil
}

// SimilaritySearch 返回与查询向量余弦相似度不低于 threshold 的
// 至多 k 条命中，按得分降序。
func (vs *Store) SimilaritySearch(ctx context.Context, query []float64, k int, threshold float64) ([]Match, error) {
	if len(query) == 0 {
		return nil, types.Errorf(types.ErrValidation, "query vector is empty")
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	hits := vs.index.Search(query, k, threshold)
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{MemoryID: vs.slotIDs[h.Slot], Score: h.Score})
	}
	return matches, nil
}

// BatchSearch 逐个查询，结果列表与输入顺序一致。
func (vs *Store) BatchSearch(ctx context.Context, queries [][]float64, k int, threshold float64) ([][]Match, error) {
	out := make([][]Match, len(queries))
	for i, q := range queries {
		matches, err := vs.SimilaritySearch(ctx, q, k, threshold)
		if err != nil {
			return nil, err
		}
		out[i] = matches
	}
	return out, nil
}

// Sync 从持久化表整体重建索引。重建期间持写锁，读请求等待。
func (vs *Store) Sync(ctx context.Context) error {
	recs, err := vs.db.ListEmbeddings(ctx)
	if err != nil {
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.index.Reset()
	vs.slotIDs = vs.slotIDs[:0]
	for _, rec := range recs {
		vs.index.Add(rec.Vector)
		vs.slotIDs = append(vs.slotIDs, rec.MemoryID)
	}

	if vs.metrics != nil {
		vs.metrics.IndexRebuilds.Inc()
	}
	vs.logger.Info("vector index rebuilt", zap.Int("vectors", vs.index.Size()))
	return nil
}

// Delete 删除持久化向量并重建索引。平铺索引不支持打洞，
// 删除统一走整体重建。
func (vs *Store) Delete(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	if err := vs.db.DeleteEmbeddings(ctx, memoryIDs); err != nil {
		return err
	}
	return vs.Sync(ctx)
}

// RetrieveVector 从持久化表读取单条向量。
func (vs *Store) RetrieveVector(ctx context.Context, memoryID string) ([]float64, error) {
	rec, err := vs.db.GetEmbedding(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	return rec.Vector, nil
}

// GetVectors 批量读取持久化向量，缺失的 id 不在结果中。
func (vs *Store) GetVectors(ctx context.Context, memoryIDs []string) (map[string][]float64, error) {
	return vs.db.GetEmbeddings(ctx, memoryIDs)
}
