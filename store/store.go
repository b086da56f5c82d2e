// Package store 封装三张持久表：memories、memory_embeddings、memory_hierarchies。
// 所有主路径写失败以 StoreError 上报，查不到以 NotFoundError 上报。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/memflow/types"
)

// Store 持久层仓库。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New 创建仓库并迁移表结构。
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&memoryRow{}, &embeddingRow{}, &hierarchyRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// ====== memories ======

// InsertMemory 插入一条记忆。
func (s *Store) InsertMemory(ctx context.Context, m *types.Memory) error {
	row, err := toMemoryRow(m)
	if err != nil {
		return types.Wrap(types.ErrValidation, "store.InsertMemory", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.Wrap(types.ErrStore, "store.InsertMemory", err)
	}
	return nil
}

// GetMemory 按 ID 查询记忆。
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	var row memoryRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "memory %q not found", id)
	}
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.GetMemory", err)
	}
	return row.toMemory(), nil
}

// GetMemories 批量查询，返回的切片顺序与数据库返回一致。
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []memoryRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrStore, "store.GetMemories", err)
	}
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// UpdateImportance 回写重要度。
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) error {
	res := s.db.WithContext(ctx).Model(&memoryRow{}).
		Where("id = ?", id).
		Update("importance", importance)
	if res.Error != nil {
		return types.Wrap(types.ErrStore, "store.UpdateImportance", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "memory %q not found", id)
	}
	return nil
}

// Archive 将记忆置为 archived。只允许 active → archived，不删除行。
func (s *Store) Archive(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&memoryRow{}).
		Where("id = ? AND archive_status = ?", id, string(types.ArchiveActive)).
		Update("archive_status", string(types.ArchiveArchived))
	if res.Error != nil {
		return types.Wrap(types.ErrStore, "store.Archive", res.Error)
	}
	return nil
}

// SearchText 对 content 做提供方文本匹配（LIKE），只返回 active 记忆。
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]*types.Memory, error) {
	var rows []memoryRow
	err := s.db.WithContext(ctx).
		Where("archive_status = ?", string(types.ArchiveActive)).
		Where("content LIKE ?", "%"+query+"%").
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.SearchText", err)
	}
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// ListRoots 返回没有父边的 active 记忆（整合的候选根）。
func (s *Store) ListRoots(ctx context.Context) ([]*types.Memory, error) {
	var rows []memoryRow
	sub := s.db.Model(&hierarchyRow{}).Select("child_memory_id")
	err := s.db.WithContext(ctx).
		Where("archive_status = ?", string(types.ArchiveActive)).
		Where("id NOT IN (?)", sub).
		Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.ListRoots", err)
	}
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// ListPruneCandidates 返回早于 cutoff 且重要度低于阈值的 active 记忆。
func (s *Store) ListPruneCandidates(ctx context.Context, cutoff time.Time, importanceFloor float64) ([]*types.Memory, error) {
	var rows []memoryRow
	err := s.db.WithContext(ctx).
		Where("archive_status = ?", string(types.ArchiveActive)).
		Where("created_at < ?", cutoff).
		Where("importance < ?", importanceFloor).
		Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.ListPruneCandidates", err)
	}
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// ListByEmotions 返回情绪标签命中任一给定标签的 active 记忆，
// since 非零时要求 created_at 不早于 since。按时间升序返回。
func (s *Store) ListByEmotions(ctx context.Context, emotions []string, since time.Time) ([]*types.Memory, error) {
	if len(emotions) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).
		Where("archive_status = ?", string(types.ArchiveActive)).
		Where("emotional_context IN ?", emotions)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var rows []memoryRow
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrStore, "store.ListByEmotions", err)
	}
	out := make([]*types.Memory, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMemory())
	}
	return out, nil
}

// ====== memory_embeddings ======

// InsertEmbedding 插入向量行。同一 memory_id 重复插入视为替换。
func (s *Store) InsertEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error {
	data, err := json.Marshal(rec.Vector)
	if err != nil {
		return types.Wrap(types.ErrValidation, "store.InsertEmbedding", err)
	}
	row := &embeddingRow{
		MemoryID:  rec.MemoryID,
		Vector:    string(data),
		CreatedAt: rec.CreatedAt,
	}
	err = s.db.WithContext(ctx).
		Where("memory_id = ?", rec.MemoryID).
		Delete(&embeddingRow{}).Error
	if err != nil {
		return types.Wrap(types.ErrStore, "store.InsertEmbedding", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.Wrap(types.ErrStore, "store.InsertEmbedding", err)
	}
	return nil
}

// GetEmbedding 查询单条向量，不存在返回 NotFound。
func (s *Store) GetEmbedding(ctx context.Context, memoryID string) (*types.EmbeddingRecord, error) {
	var row embeddingRow
	err := s.db.WithContext(ctx).First(&row, "memory_id = ?", memoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "embedding for memory %q not found", memoryID)
	}
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.GetEmbedding", err)
	}
	return row.toRecord()
}

// GetEmbeddings 批量查询向量，返回 memory_id → vector 映射。
func (s *Store) GetEmbeddings(ctx context.Context, memoryIDs []string) (map[string][]float64, error) {
	if len(memoryIDs) == 0 {
		return map[string][]float64{}, nil
	}
	var rows []embeddingRow
	err := s.db.WithContext(ctx).Where("memory_id IN ?", memoryIDs).Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.GetEmbeddings", err)
	}
	out := make(map[string][]float64, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			s.logger.Warn("skipping malformed embedding row",
				zap.String("memory_id", rows[i].MemoryID), zap.Error(err))
			continue
		}
		out[rec.MemoryID] = rec.Vector
	}
	return out, nil
}

// ListEmbeddings 返回全部向量行，供索引重建使用。按创建时间升序。
func (s *Store) ListEmbeddings(ctx context.Context) ([]*types.EmbeddingRecord, error) {
	var rows []embeddingRow
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.ListEmbeddings", err)
	}
	out := make([]*types.EmbeddingRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			s.logger.Warn("skipping malformed embedding row",
				zap.String("memory_id", rows[i].MemoryID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteEmbeddings 删除给定记忆的向量行。
func (s *Store) DeleteEmbeddings(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("memory_id IN ?", memoryIDs).Delete(&embeddingRow{}).Error
	if err != nil {
		return types.Wrap(types.ErrStore, "store.DeleteEmbeddings", err)
	}
	return nil
}

// ====== memory_hierarchies ======

// InsertEdge 插入一条层级边。环检测由调用方（hierarchy.Graph）负责。
func (s *Store) InsertEdge(ctx context.Context, e *types.HierarchyEdge) error {
	row := &hierarchyRow{
		ParentMemoryID: e.ParentMemoryID,
		ChildMemoryID:  e.ChildMemoryID,
		RelationType:   string(e.RelationType),
		RelevanceScore: e.RelevanceScore,
		CreatedAt:      e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.Wrap(types.ErrStore, "store.InsertEdge", err)
	}
	return nil
}

// ListEdges 返回全部层级边，供图镜像加载。
func (s *Store) ListEdges(ctx context.Context) ([]types.HierarchyEdge, error) {
	var rows []hierarchyRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, types.Wrap(types.ErrStore, "store.ListEdges", err)
	}
	out := make([]types.HierarchyEdge, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEdge())
	}
	return out, nil
}

// IncidentEdgeCount 返回以该记忆为端点（任一方向）的边数。
func (s *Store) IncidentEdgeCount(ctx context.Context, memoryID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&hierarchyRow{}).
		Where("parent_memory_id = ? OR child_memory_id = ?", memoryID, memoryID).
		Count(&count).Error
	if err != nil {
		return 0, types.Wrap(types.ErrStore, "store.IncidentEdgeCount", err)
	}
	return count, nil
}

// RelatedIDs 返回与给定记忆集合直接相连（任一方向）的记忆 ID，
// 去重且不含输入自身，供检索结果扩张使用。
func (s *Store) RelatedIDs(ctx context.Context, memoryIDs []string) ([]string, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	var rows []hierarchyRow
	err := s.db.WithContext(ctx).
		Where("parent_memory_id IN ? OR child_memory_id IN ?", memoryIDs, memoryIDs).
		Find(&rows).Error
	if err != nil {
		return nil, types.Wrap(types.ErrStore, "store.RelatedIDs", err)
	}

	in := make(map[string]bool, len(memoryIDs))
	for _, id := range memoryIDs {
		in[id] = true
	}
	seen := make(map[string]bool)
	var out []string
	for i := range rows {
		for _, id := range []string{rows[i].ParentMemoryID, rows[i].ChildMemoryID} {
			if !in[id] && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}
