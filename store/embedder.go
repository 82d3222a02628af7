package store

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder 为文本生成向量表示。嵌入的具体计算是外部关注点，
// 向量存储只依赖这一接口。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

// LocalEmbedder 基于特征哈希的确定性嵌入器。
// 离线与测试场景使用；生产环境换用 llm.EmbeddingClient。
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder 创建本地嵌入器，dims <= 0 时使用 256 维。
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEmbedder{dims: dims}
}

// Dimensions 返回向量维度。
func (e *LocalEmbedder) Dimensions() int { return e.dims }

// Embed 将 token 哈希到固定桶并做 L2 归一化。
// 同一文本永远得到同一向量。
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dims))
		// 符号位来自哈希高位，避免全部正向堆积
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// CosineSimilarity 计算余弦相似度。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// similarityScore 将余弦相似度收敛到 [0,1]。
func similarityScore(sim float64) float64 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
