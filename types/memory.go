// Package types 提供 memflow 记忆引擎的统一类型定义。
package types

import (
	"reflect"
	"time"
)

// ArchiveStatus 记忆的归档状态。只允许 active → archived 单向迁移。
type ArchiveStatus string

const (
	ArchiveActive   ArchiveStatus = "active"
	ArchiveArchived ArchiveStatus = "archived"
)

// RelationType 层级边的关系类型。
type RelationType string

const (
	// RelationSemantic 语义相关边（自动链接时使用）。
	RelationSemantic RelationType = "semantic"

	// RelationConsolidated 整合边：整合记忆指向其来源记忆。
	RelationConsolidated RelationType = "consolidated"
)

// Memory 是引擎存储的基本单元：一段文本加元数据。
// importance 与 archive_status 在创建后仅由层级图维护例程修改。
type Memory struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Importance       float64        `json:"importance"`
	EmotionalContext string         `json:"emotional_context"`
	Associations     []string       `json:"associations,omitempty"`
	Platform         string         `json:"platform,omitempty"`
	ArchiveStatus    ArchiveStatus  `json:"archive_status"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AgeDays 返回记忆的年龄（天，按 now 计）。
func (m *Memory) AgeDays(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours() / 24
}

// EmbeddingRecord 记忆对应的向量行，一条记忆至多一条。
// 创建后不再修改，只替换或删除。
type EmbeddingRecord struct {
	MemoryID  string    `json:"memory_id"`
	Vector    []float64 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// HierarchyEdge 有向带分数的层级边。整个边集按构造保持无环。
type HierarchyEdge struct {
	ParentMemoryID string       `json:"parent_memory_id"`
	ChildMemoryID  string       `json:"child_memory_id"`
	RelationType   RelationType `json:"relation_type"`
	RelevanceScore float64      `json:"relevance_score"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SearchResult 单次查询产生的瞬态结果，从不持久化。
// Relevance 的含义依检索策略而定，不可跨策略比较。
type SearchResult struct {
	MemoryID  string         `json:"memory_id"`
	Content   string         `json:"content"`
	Relevance float64        `json:"relevance"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryTree 层级树节点，由 hierarchy.Graph.Tree 构建。
type MemoryTree struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance float64        `json:"importance"`
	Children   []*TreeChild   `json:"children,omitempty"`
}

// TreeChild 子树加上连接父节点的边信息。
type TreeChild struct {
	*MemoryTree
	RelationType   RelationType `json:"relation_type"`
	RelevanceScore float64      `json:"relevance_score"`
}

// QueryContext 上下文检索的附加信号，全部可选。
type QueryContext struct {
	EmotionalState string   `json:"emotional_state,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	Timeframe      string   `json:"timeframe,omitempty"` // "recent" | "month"
	Platform       string   `json:"platform,omitempty"`
}

// Empty 报告上下文是否不携带任何信号。
func (c *QueryContext) Empty() bool {
	return c == nil ||
		(c.EmotionalState == "" && len(c.Topics) == 0 && c.Timeframe == "" && c.Platform == "")
}

// SearchFilters 所有检索策略以相同方式应用的过滤条件。
type SearchFilters struct {
	Type          string         `json:"type,omitempty"`
	MinImportance float64        `json:"min_importance,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	DateRange     *DateRange     `json:"date_range,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DateRange 闭区间日期范围。
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Match 报告记忆是否通过全部过滤条件。nil 过滤器恒为真。
func (f *SearchFilters) Match(m *Memory) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.MinImportance > 0 && m.Importance < f.MinImportance {
		return false
	}
	if f.Platform != "" && m.Platform != f.Platform {
		return false
	}
	if f.DateRange != nil {
		if m.CreatedAt.Before(f.DateRange.Start) || m.CreatedAt.After(f.DateRange.End) {
			return false
		}
	}
	for k, want := range f.Metadata {
		got, ok := m.Metadata[k]
		// 元数据值可能是 JSON 反序列化出的切片或嵌套 map，
		// 不可用 == 直接比较
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
