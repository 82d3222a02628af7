package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// vectorDoc 向量存储内部记录
type vectorDoc struct {
	doc       types.Document
	embedding []float64
}

// MemoryVectorStore 内存向量存储适配器（余弦相似度）。
type MemoryVectorStore struct {
	docs     map[string]vectorDoc
	embedder Embedder
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewMemoryVectorStore 创建内存向量存储。
func NewMemoryVectorStore(embedder Embedder, logger *zap.Logger) *MemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryVectorStore{
		docs:     make(map[string]vectorDoc),
		embedder: embedder,
		logger:   logger.With(zap.String("component", "vector_store")),
	}
}

// Source 返回存储来源标识。
func (s *MemoryVectorStore) Source() Source { return SourceVector }

// Ingest 幂等 upsert：同 ID 覆盖，不产生重复。
func (s *MemoryVectorStore) Ingest(ctx context.Context, doc types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	emb, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "embed document failed").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}

	s.mu.Lock()
	s.docs[doc.ID] = vectorDoc{doc: doc, embedding: emb}
	total := len(s.docs)
	s.mu.Unlock()

	s.logger.Debug("document ingested into vector store",
		zap.String("id", doc.ID),
		zap.Int("total", total))
	return nil
}

// Delete 幂等删除。
func (s *MemoryVectorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

// Retrieve 相似度检索，返回 top-k。
func (s *MemoryVectorStore) Retrieve(ctx context.Context, query string, p Params) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrMalformedQuery, "empty query").
			WithSource(string(SourceVector))
	}
	if err := classifyCtxErr(ctx, SourceVector); err != nil {
		return nil, err
	}

	start := time.Now()

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, retrievalErr(err, SourceVector)
	}

	topK := p.TopK
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	results := make([]Result, 0, len(s.docs))
	for _, vd := range s.docs {
		score := similarityScore(CosineSimilarity(queryEmb, vd.embedding))
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			Source:     SourceVector,
			Content:    vd.doc.Content,
			Score:      score,
			Provenance: vd.doc.ID,
		})
	}
	s.mu.RUnlock()

	if err := classifyCtxErr(ctx, SourceVector); err != nil {
		return nil, err
	}

	sortResults(results)
	results = capResults(results, topK)

	elapsed := time.Since(start)
	for i := range results {
		results[i].Latency = elapsed
	}

	s.logger.Debug("vector retrieve completed",
		zap.Int("results", len(results)),
		zap.Int("top_k", topK),
		zap.Duration("elapsed", elapsed))

	return results, nil
}

// Count 返回文档数量。
func (s *MemoryVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}
