package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// RedisConfig Redis 向量存储配置
type RedisConfig struct {
	Addr         string `yaml:"addr" json:"addr"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	KeyPrefix    string `yaml:"key_prefix" json:"key_prefix"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// RedisVectorStore is a Redis-backed implementation of the vector store adapter.
// Suitable for deployments where the index must survive process restarts.
// Documents live in hashes keyed by document ID; an auxiliary set tracks IDs.
type RedisVectorStore struct {
	client    *redis.Client
	embedder  Embedder
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisVectorStore creates a new Redis-backed vector store.
func NewRedisVectorStore(cfg RedisConfig, embedder Embedder, logger *zap.Logger) (*RedisVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "failed to connect to Redis").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "memflow:"
	}

	return &RedisVectorStore{
		client:    client,
		embedder:  embedder,
		keyPrefix: keyPrefix + "vec:",
		logger:    logger.With(zap.String("component", "redis_vector_store")),
	}, nil
}

// NewRedisVectorStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisVectorStoreFromClient(client *redis.Client, embedder Embedder, logger *zap.Logger) *RedisVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisVectorStore{
		client:    client,
		embedder:  embedder,
		keyPrefix: "memflow:vec:",
		logger:    logger.With(zap.String("component", "redis_vector_store")),
	}
}

// Close closes the underlying client.
func (s *RedisVectorStore) Close() error {
	return s.client.Close()
}

// Source 返回存储来源标识。
func (s *RedisVectorStore) Source() Source { return SourceVector }

func (s *RedisVectorStore) docKey(id string) string { return s.keyPrefix + "doc:" + id }
func (s *RedisVectorStore) idsKey() string          { return s.keyPrefix + "ids" }

// Ingest 幂等 upsert：HSET 覆盖同键字段，ID 集合 SADD 去重。
func (s *RedisVectorStore) Ingest(ctx context.Context, doc types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	emb, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "embed document failed").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}

	embJSON, err := json.Marshal(emb)
	if err != nil {
		return types.NewError(types.ErrIngestValidation, "marshal embedding failed").
			WithSource(string(SourceVector)).WithCause(err)
	}
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return types.NewError(types.ErrIngestValidation, "marshal metadata failed").
			WithSource(string(SourceVector)).WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.docKey(doc.ID), map[string]any{
		"content":   doc.Content,
		"kind":      string(doc.Kind),
		"metadata":  string(metaJSON),
		"embedding": string(embJSON),
		"timestamp": doc.Timestamp.Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, s.idsKey(), doc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis ingest failed").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}

	s.logger.Debug("document ingested into redis vector store", zap.String("id", doc.ID))
	return nil
}

// Delete 幂等删除：不存在的 ID 静默成功。
func (s *RedisVectorStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.docKey(id))
	pipe.SRem(ctx, s.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "redis delete failed").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}
	return nil
}

// Retrieve 全量取回后在客户端计算余弦相似度，返回 top-k。
// 个人知识库规模（千级文档）下足够，不依赖 Redis 模块。
func (s *RedisVectorStore) Retrieve(ctx context.Context, query string, p Params) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrMalformedQuery, "empty query").
			WithSource(string(SourceVector))
	}

	start := time.Now()

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, retrievalErr(err, SourceVector)
	}

	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, retrievalErr(err, SourceVector)
	}

	topK := p.TopK
	if topK <= 0 {
		topK = 5
	}

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		if err := classifyCtxErr(ctx, SourceVector); err != nil {
			return nil, err
		}

		fields, err := s.client.HGetAll(ctx, s.docKey(id)).Result()
		if err != nil {
			return nil, retrievalErr(err, SourceVector)
		}
		if len(fields) == 0 {
			continue
		}

		var emb []float64
		if err := json.Unmarshal([]byte(fields["embedding"]), &emb); err != nil {
			s.logger.Warn("skipping document with corrupt embedding",
				zap.String("id", id), zap.Error(err))
			continue
		}

		score := similarityScore(CosineSimilarity(queryEmb, emb))
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			Source:     SourceVector,
			Content:    fields["content"],
			Score:      score,
			Provenance: id,
		})
	}

	sortResults(results)
	results = capResults(results, topK)

	elapsed := time.Since(start)
	for i := range results {
		results[i].Latency = elapsed
	}

	s.logger.Debug("redis vector retrieve completed",
		zap.Int("candidates", len(ids)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed))

	return results, nil
}

// Count 返回文档数量。
func (s *RedisVectorStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.idsKey()).Result()
	if err != nil {
		return 0, types.NewError(types.ErrStoreUnavailable, "redis count failed").
			WithSource(string(SourceVector)).WithRetryable(true).WithCause(err)
	}
	return int(n), nil
}
