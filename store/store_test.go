package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/memflow/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := New(db, zap.NewNop())
	require.NoError(t, err)
	return st
}

func testMemory(id string) *types.Memory {
	return &types.Memory{
		ID:               id,
		Type:             "analysis",
		Content:          "content of " + id,
		Metadata:         map[string]any{"source": "test"},
		Importance:       0.5,
		EmotionalContext: "neutral",
		Associations:     []string{"alpha", "beta"},
		Platform:         "cli",
		ArchiveStatus:    types.ArchiveActive,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	m := testMemory("m1")
	require.NoError(t, st.InsertMemory(ctx, m))

	got, err := st.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Associations, got.Associations)
	require.Equal(t, "test", got.Metadata["source"])
	require.Equal(t, types.ArchiveActive, got.ArchiveStatus)
}

func TestGetMemoryNotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	_, err := st.GetMemory(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, types.IsNotFound(err))
}

func TestUpdateImportance(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, testMemory("m1")))
	require.NoError(t, st.UpdateImportance(ctx, "m1", 0.9))

	got, err := st.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.InDelta(t, 0.9, got.Importance, 1e-9)

	err = st.UpdateImportance(ctx, "missing", 0.1)
	require.True(t, types.IsNotFound(err))
}

func TestArchiveIsOneWay(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, testMemory("m1")))
	require.NoError(t, st.Archive(ctx, "m1"))

	got, err := st.GetMemory(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, types.ArchiveArchived, got.ArchiveStatus)

	// 已归档记忆不出现在文本检索里
	rows, err := st.SearchText(ctx, "content", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEmbeddingReplaceAndList(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, testMemory("m1")))
	require.NoError(t, st.InsertEmbedding(ctx, &types.EmbeddingRecord{
		MemoryID: "m1", Vector: []float64{1, 0, 0}, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.InsertEmbedding(ctx, &types.EmbeddingRecord{
		MemoryID: "m1", Vector: []float64{0, 1, 0}, CreatedAt: time.Now(),
	}))

	rec, err := st.GetEmbedding(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 0}, rec.Vector)

	all, err := st.ListEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestListRootsExcludesChildren(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, testMemory("parent")))
	require.NoError(t, st.InsertMemory(ctx, testMemory("child")))
	require.NoError(t, st.InsertEdge(ctx, &types.HierarchyEdge{
		ParentMemoryID: "parent",
		ChildMemoryID:  "child",
		RelationType:   types.RelationSemantic,
		RelevanceScore: 0.9,
		CreatedAt:      time.Now(),
	}))

	roots, err := st.ListRoots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "parent", roots[0].ID)
}

func TestIncidentEdgeCountAndRelatedIDs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.InsertMemory(ctx, testMemory(id)))
	}
	require.NoError(t, st.InsertEdge(ctx, &types.HierarchyEdge{
		ParentMemoryID: "a", ChildMemoryID: "b",
		RelationType: types.RelationSemantic, RelevanceScore: 0.8, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.InsertEdge(ctx, &types.HierarchyEdge{
		ParentMemoryID: "b", ChildMemoryID: "c",
		RelationType: types.RelationSemantic, RelevanceScore: 0.7, CreatedAt: time.Now(),
	}))

	n, err := st.IncidentEdgeCount(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	related, err := st.RelatedIDs(ctx, []string{"b"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, related)
}

func TestListPruneCandidates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	old := testMemory("old")
	old.CreatedAt = time.Now().AddDate(0, 0, -60)
	old.Importance = 0.1
	recent := testMemory("recent")
	recent.Importance = 0.1
	strong := testMemory("strong")
	strong.CreatedAt = time.Now().AddDate(0, 0, -60)
	strong.Importance = 0.9
	for _, m := range []*types.Memory{old, recent, strong} {
		require.NoError(t, st.InsertMemory(ctx, m))
	}

	cands, err := st.ListPruneCandidates(ctx, time.Now().AddDate(0, 0, -30), 0.3)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "old", cands[0].ID)
}

func TestListByEmotionsOrderAndWindow(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, emotion := range []string{"positive", "negative", "positive"} {
		m := testMemory(fmt.Sprintf("m%d", i))
		m.EmotionalContext = emotion
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.InsertMemory(ctx, m))
	}

	rows, err := st.ListByEmotions(ctx, []string{"positive"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].CreatedAt.Before(rows[1].CreatedAt))

	rows, err = st.ListByEmotions(ctx, []string{"positive"}, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "m2", rows[0].ID)
}
