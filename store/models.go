package store

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/memflow/types"
)

// memoryRow 对应 memories 表。metadata 与 associations 以 JSON 文本存储，
// 保证在 sqlite 与 postgres 上行为一致。
type memoryRow struct {
	ID               string    `gorm:"column:id;primaryKey"`
	Type             string    `gorm:"column:type;index"`
	Content          string    `gorm:"column:content"`
	Metadata         string    `gorm:"column:metadata"`
	Importance       float64   `gorm:"column:importance"`
	EmotionalContext string    `gorm:"column:emotional_context;index"`
	Associations     string    `gorm:"column:associations"`
	Platform         string    `gorm:"column:platform"`
	ArchiveStatus    string    `gorm:"column:archive_status;index"`
	CreatedAt        time.Time `gorm:"column:created_at;index"`
}

func (memoryRow) TableName() string { return "memories" }

// embeddingRow 对应 memory_embeddings 表，一条记忆至多一行。
type embeddingRow struct {
	MemoryID  string    `gorm:"column:memory_id;primaryKey"`
	Vector    string    `gorm:"column:embedding"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (embeddingRow) TableName() string { return "memory_embeddings" }

// hierarchyRow 对应 memory_hierarchies 边表。
// 无环性由 hierarchy.Graph 在插入前保证，表本身不约束。
type hierarchyRow struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ParentMemoryID string    `gorm:"column:parent_memory_id;index"`
	ChildMemoryID  string    `gorm:"column:child_memory_id;index"`
	RelationType   string    `gorm:"column:relation_type"`
	RelevanceScore float64   `gorm:"column:relevance_score"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (hierarchyRow) TableName() string { return "memory_hierarchies" }

func toMemoryRow(m *types.Memory) (*memoryRow, error) {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, err
	}
	assoc, err := json.Marshal(m.Associations)
	if err != nil {
		return nil, err
	}
	return &memoryRow{
		ID:               m.ID,
		Type:             m.Type,
		Content:          m.Content,
		Metadata:         string(meta),
		Importance:       m.Importance,
		EmotionalContext: m.EmotionalContext,
		Associations:     string(assoc),
		Platform:         m.Platform,
		ArchiveStatus:    string(m.ArchiveStatus),
		CreatedAt:        m.CreatedAt,
	}, nil
}

func (r *memoryRow) toMemory() *types.Memory {
	m := &types.Memory{
		ID:               r.ID,
		Type:             r.Type,
		Content:          r.Content,
		Importance:       r.Importance,
		EmotionalContext: r.EmotionalContext,
		Platform:         r.Platform,
		ArchiveStatus:    types.ArchiveStatus(r.ArchiveStatus),
		CreatedAt:        r.CreatedAt,
	}
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &m.Metadata)
	}
	if r.Associations != "" {
		_ = json.Unmarshal([]byte(r.Associations), &m.Associations)
	}
	return m
}

func (r *embeddingRow) toRecord() (*types.EmbeddingRecord, error) {
	var vec []float64
	if err := json.Unmarshal([]byte(r.Vector), &vec); err != nil {
		return nil, err
	}
	return &types.EmbeddingRecord{
		MemoryID:  r.MemoryID,
		Vector:    vec,
		CreatedAt: r.CreatedAt,
	}, nil
}

func (r *hierarchyRow) toEdge() types.HierarchyEdge {
	return types.HierarchyEdge{
		ParentMemoryID: r.ParentMemoryID,
		ChildMemoryID:  r.ChildMemoryID,
		RelationType:   types.RelationType(r.RelationType),
		RelevanceScore: r.RelevanceScore,
		CreatedAt:      r.CreatedAt,
	}
}
