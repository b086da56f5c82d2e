// Package vector 提供平铺式余弦相似度索引与持久化配对的向量存储。
package vector

import (
	"math"
	"sort"
)

// flatIndex 槽位连续的平铺索引。槽位只追加、不挪动，
// 槽位号与外部 id 映射的稳定性由调用方依赖。
type flatIndex struct {
	dim     int
	vectors [][]float64
}

func newFlatIndex(dim int) *flatIndex {
	return &flatIndex{dim: dim}
}

// Add 追加一个向量，返回其槽位号。
func (idx *flatIndex) Add(vec []float64) int {
	idx.vectors = append(idx.vectors, vec)
	return len(idx.vectors) - 1
}

// Size 当前槽位数。
func (idx *flatIndex) Size() int { return len(idx.vectors) }

// Reset 清空所有槽位。
func (idx *flatIndex) Reset() { idx.vectors = idx.vectors[:0] }

// slotScore 槽位与得分。
type slotScore struct {
	Slot  int
	Score float64
}

// Search 逐槽位算余弦相似度，返回得分不低于 threshold 的前 k 个，
// 按得分降序。k <= 0 表示不限个数。
func (idx *flatIndex) Search(query []float64, k int, threshold float64) []slotScore {
	var hits []slotScore
	for slot, vec := range idx.vectors {
		score := Cosine(query, vec)
		if score >= threshold {
			hits = append(hits, slotScore{Slot: slot, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Cosine 余弦相似度。维度不一致或任一向量为零向量时返回 0。
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
