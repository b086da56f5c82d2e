// Package hierarchy 维护记忆之间的有向关联图：
// 建边、树遍历、共同祖先、近重复整合、重要度重算与按龄修剪。
package hierarchy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

// Graph 持久化边表的内存镜像。所有写操作先落库再改内存，
// 整个邻接结构由一把读写锁保护。
type Graph struct {
	mu       sync.RWMutex
	db       *store.Store
	children map[string][]types.HierarchyEdge // parent id -> 出边
	parents  map[string][]types.HierarchyEdge // child id -> 入边
	logger   *zap.Logger
}

// NewGraph 创建空图。调用 Load 装载已有边。
func NewGraph(db *store.Store, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		db:       db,
		children: make(map[string][]types.HierarchyEdge),
		parents:  make(map[string][]types.HierarchyEdge),
		logger:   logger.With(zap.String("component", "memory_graph")),
	}
}

// Load 从持久化边表重建内存邻接结构。
func (g *Graph) Load(ctx context.Context) error {
	edges, err := g.db.ListEdges(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.children = make(map[string][]types.HierarchyEdge, len(edges))
	g.parents = make(map[string][]types.HierarchyEdge, len(edges))
	for _, e := range edges {
		g.children[e.ParentMemoryID] = append(g.children[e.ParentMemoryID], e)
		g.parents[e.ChildMemoryID] = append(g.parents[e.ChildMemoryID], e)
	}
	g.logger.Info("hierarchy loaded", zap.Int("edges", len(edges)))
	return nil
}

// EdgeCount 当前边数。
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, out := range g.children {
		n += len(out)
	}
	return n
}

// AddEdge 插入一条有向边。若会形成环则以 ConsolidationConflict 拒绝，
// 图与边表都不变。
func (g *Graph) AddEdge(ctx context.Context, parentID, childID string, relation types.RelationType, score float64) error {
	if parentID == "" || childID == "" {
		return types.Errorf(types.ErrValidation, "edge endpoints must be non-empty")
	}
	if parentID == childID {
		return types.Errorf(types.ErrConsolidationConflict, "self edge on %s", parentID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// 重复建同向边按幂等处理
	for _, e := range g.children[parentID] {
		if e.ChildMemoryID == childID {
			return nil
		}
	}

	// parent 可从 child 出发到达，则 parent->child 成环
	if g.reachableLocked(childID, parentID) {
		g.logger.Warn("edge rejected, would create cycle",
			zap.String("parent", parentID),
			zap.String("child", childID))
		return types.Errorf(types.ErrConsolidationConflict,
			"edge %s -> %s would create a cycle", parentID, childID)
	}

	edge := types.HierarchyEdge{
		ParentMemoryID: parentID,
		ChildMemoryID:  childID,
		RelationType:   relation,
		RelevanceScore: score,
		CreatedAt:      time.Now(),
	}
	if err := g.db.InsertEdge(ctx, &edge); err != nil {
		return err
	}

	g.children[parentID] = append(g.children[parentID], edge)
	g.parents[childID] = append(g.parents[childID], edge)
	return nil
}

// reachableLocked 沿出边判断 from 是否可达 to。调用方持锁。
func (g *Graph) reachableLocked(from, to string) bool {
	stack := []string{from}
	visited := map[string]bool{from: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, e := range g.children[cur] {
			if !visited[e.ChildMemoryID] {
				visited[e.ChildMemoryID] = true
				stack = append(stack, e.ChildMemoryID)
			}
		}
	}
	return false
}

// treeFrame 迭代建树的栈帧。path 按分支复制，保证
// “当前路径上不重访”而不在并发调用间共享状态。
type treeFrame struct {
	node  *types.MemoryTree
	id    string
	depth int
	path  map[string]bool
}

// Tree 从 root 出发沿得分不低于 minRelevance 的出边构建嵌套树，
// 最多 maxDepth 跳。根不存在时返回 NotFoundError。
func (g *Graph) Tree(ctx context.Context, rootID string, maxDepth int, minRelevance float64) (*types.MemoryTree, error) {
	rootMem, err := g.db.GetMemory(ctx, rootID)
	if err != nil {
		return nil, err
	}

	root := treeNode(rootMem)
	stack := []treeFrame{{
		node:  root,
		id:    rootID,
		depth: 0,
		path:  map[string]bool{rootID: true},
	}}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if frame.depth >= maxDepth {
			continue
		}

		for _, e := range g.children[frame.id] {
			if e.RelevanceScore < minRelevance || frame.path[e.ChildMemoryID] {
				continue
			}
			childMem, err := g.db.GetMemory(ctx, e.ChildMemoryID)
			if err != nil {
				if types.IsNotFound(err) {
					continue
				}
				return nil, err
			}

			childNode := treeNode(childMem)
			frame.node.Children = append(frame.node.Children, &types.TreeChild{
				MemoryTree:     childNode,
				RelationType:   e.RelationType,
				RelevanceScore: e.RelevanceScore,
			})

			childPath := make(map[string]bool, len(frame.path)+1)
			for id := range frame.path {
				childPath[id] = true
			}
			childPath[e.ChildMemoryID] = true
			stack = append(stack, treeFrame{
				node:  childNode,
				id:    e.ChildMemoryID,
				depth: frame.depth + 1,
				path:  childPath,
			})
		}
	}
	return root, nil
}

func treeNode(m *types.Memory) *types.MemoryTree {
	return &types.MemoryTree{
		ID:         m.ID,
		Type:       m.Type,
		Content:    m.Content,
		Metadata:   m.Metadata,
		Importance: m.Importance,
	}
}

// CommonAncestors 求每个 id 在 maxDistance 跳内可达祖先集合的交集。
func (g *Graph) CommonAncestors(ctx context.Context, memoryIDs []string, maxDistance int) ([]string, error) {
	if len(memoryIDs) == 0 {
		return nil, types.Errorf(types.ErrValidation, "memory ids are empty")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var common map[string]bool
	for _, id := range memoryIDs {
		ancestors := g.ancestorsLocked(id, maxDistance)
		if common == nil {
			common = ancestors
			continue
		}
		for a := range common {
			if !ancestors[a] {
				delete(common, a)
			}
		}
		if len(common) == 0 {
			break
		}
	}

	out := make([]string, 0, len(common))
	for a := range common {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// ancestorsLocked 沿入边做限深 BFS。调用方持锁。
func (g *Graph) ancestorsLocked(id string, maxDistance int) map[string]bool {
	ancestors := make(map[string]bool)
	frontier := []string{id}
	for hop := 0; hop < maxDistance && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range g.parents[cur] {
				if !ancestors[e.ParentMemoryID] {
					ancestors[e.ParentMemoryID] = true
					next = append(next, e.ParentMemoryID)
				}
			}
		}
		frontier = next
	}
	return ancestors
}

// Consolidate 把相似度不低于 threshold 的活跃根记忆组整合为一条
// 汇总记忆：内容拼接、重要度取均值、情绪取众数、关联取并集，
// 原记忆以 consolidated 边挂为子节点。返回新建的汇总记忆 id。
// 已归档记忆不参与整合。
func (g *Graph) Consolidate(ctx context.Context, threshold float64) ([]string, error) {
	roots, err := g.db.ListRoots(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) < 2 {
		return nil, nil
	}

	ids := make([]string, len(roots))
	for i, m := range roots {
		ids[i] = m.ID
	}
	vectors, err := g.db.GetEmbeddings(ctx, ids)
	if err != nil {
		return nil, err
	}

	var merged []string
	used := make(map[int]bool, len(roots))
	for i := range roots {
		if used[i] {
			continue
		}
		group := []*types.Memory{roots[i]}
		for j := i + 1; j < len(roots); j++ {
			if used[j] {
				continue
			}
			if g.similarity(roots[i], roots[j], vectors) >= threshold {
				group = append(group, roots[j])
				used[j] = true
			}
		}
		if len(group) < 2 {
			continue
		}
		used[i] = true

		id, err := g.mergeGroup(ctx, group)
		if err != nil {
			return merged, err
		}
		merged = append(merged, id)
	}

	if len(merged) > 0 {
		g.logger.Info("memories consolidated",
			zap.Int("groups", len(merged)),
			zap.Float64("threshold", threshold))
	}
	return merged, nil
}

// similarity 优先用已存向量的余弦，缺向量时退化为词集 Jaccard。
func (g *Graph) similarity(a, b *types.Memory, vectors map[string][]float64) float64 {
	va, okA := vectors[a.ID]
	vb, okB := vectors[b.ID]
	if okA && okB {
		return vector.Cosine(va, vb)
	}
	return jaccard(a.Content, b.Content)
}

func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// mergeGroup 落库汇总记忆并为每个来源建 consolidated 边。
func (g *Graph) mergeGroup(ctx context.Context, group []*types.Memory) (string, error) {
	contents := make([]string, len(group))
	var importanceSum float64
	emotionCount := make(map[string]int)
	assocSet := make(map[string]bool)
	for i, m := range group {
		contents[i] = m.Content
		importanceSum += m.Importance
		emotionCount[m.EmotionalContext]++
		for _, a := range m.Associations {
			assocSet[a] = true
		}
	}

	topEmotion := "neutral"
	best := 0
	for label, n := range emotionCount {
		if n > best {
			topEmotion, best = label, n
		}
	}

	associations := make([]string, 0, len(assocSet))
	for a := range assocSet {
		associations = append(associations, a)
	}
	sort.Strings(associations)

	summary := &types.Memory{
		ID:               uuid.NewString(),
		Type:             "consolidated",
		Content:          strings.Join(contents, "\n\n"),
		Metadata:         map[string]any{"source_count": len(group)},
		Importance:       importanceSum / float64(len(group)),
		EmotionalContext: topEmotion,
		Associations:     associations,
		ArchiveStatus:    types.ArchiveActive,
		CreatedAt:        time.Now(),
	}
	if err := g.db.InsertMemory(ctx, summary); err != nil {
		return "", err
	}

	for _, m := range group {
		if err := g.AddEdge(ctx, summary.ID, m.ID, types.RelationConsolidated, 1.0); err != nil {
			return summary.ID, fmt.Errorf("link consolidated child %s: %w", m.ID, err)
		}
	}
	return summary.ID, nil
}

// RecomputeImportance 按边数、边分均值与时间衰减重算重要度并写回。
func (g *Graph) RecomputeImportance(ctx context.Context, memoryID string) (float64, error) {
	m, err := g.db.GetMemory(ctx, memoryID)
	if err != nil {
		return 0, err
	}

	g.mu.RLock()
	var scoreSum float64
	edgeCount := 0
	for _, e := range g.children[memoryID] {
		scoreSum += e.RelevanceScore
		edgeCount++
	}
	for _, e := range g.parents[memoryID] {
		scoreSum += e.RelevanceScore
		edgeCount++
	}
	g.mu.RUnlock()

	connectivity := math.Min(float64(edgeCount)/10.0, 1.0)
	var meanScore float64
	if edgeCount > 0 {
		meanScore = scoreSum / float64(edgeCount)
	}
	decay := 1.0 / (1.0 + m.AgeDays(time.Now())/30.0)

	importance := 0.3*connectivity + 0.5*meanScore + 0.2*decay
	importance = math.Max(0, math.Min(1, importance))

	if err := g.db.UpdateImportance(ctx, memoryID, importance); err != nil {
		return 0, err
	}
	return importance, nil
}

// Prune 归档超龄且低重要度的记忆。带边的候选直接跳过，
// 从不为归档而摘除边；归档不删行也不删向量。返回归档条数。
func (g *Graph) Prune(ctx context.Context, ageThresholdDays int, importanceFloor float64) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -ageThresholdDays)
	candidates, err := g.db.ListPruneCandidates(ctx, cutoff, importanceFloor)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, m := range candidates {
		n, err := g.db.IncidentEdgeCount(ctx, m.ID)
		if err != nil {
			return archived, err
		}
		if n > 0 {
			continue
		}
		if err := g.db.Archive(ctx, m.ID); err != nil {
			return archived, err
		}
		archived++
	}

	if archived > 0 {
		g.logger.Info("hierarchy pruned",
			zap.Int("archived", archived),
			zap.Int("age_days", ageThresholdDays))
	}
	return archived, nil
}
