// Package store 提供图存储与向量存储的统一适配层。
//
// 两类存储共享同一能力接口 {Ingest, Delete, Retrieve}：
//   - 图存储：面向实体/关系的结构化检索（exact-fact / neighborhood / overview）
//   - 向量存储：面向非结构化文本的相似度检索（top-k）
//
// 存储集合是封闭的，恰好两个变体；不做开放式插件分发。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/memflow/types"
)

// Source 标识检索结果的来源存储。
type Source string

const (
	SourceGraph  Source = "graph"
	SourceVector Source = "vector"
)

// GraphMode 图存储检索模式
type GraphMode string

const (
	ModeExactFact    GraphMode = "exact-fact"    // 精确事实匹配
	ModeNeighborhood GraphMode = "neighborhood"  // 实体邻域遍历
	ModeOverview     GraphMode = "overview"      // 全局概览
)

// Params 检索参数。Mode 仅图存储使用，TopK 仅向量存储使用。
type Params struct {
	Mode GraphMode `json:"mode,omitempty"`
	TopK int       `json:"top_k,omitempty"`
}

// Result 归一化后的检索结果。
// 不同来源的分数不可直接比较，合并逻辑按来源分组处理。
type Result struct {
	Source     Source        `json:"source"`
	Content    string        `json:"content"`
	Score      float64       `json:"score"`
	Provenance string        `json:"provenance"` // 文档 ID 或图路径
	Latency    time.Duration `json:"latency,omitempty"`
}

// Store 是两个存储适配器共享的封闭能力接口。
//
// Ingest 为按 document.ID 的幂等 upsert；Delete 对不存在的 ID 静默成功；
// Retrieve 必须响应调用方取消，并以类型化错误报告失败
// （RETRIEVAL_TIMEOUT / STORE_UNAVAILABLE / MALFORMED_QUERY）。
type Store interface {
	Source() Source
	Ingest(ctx context.Context, doc types.Document) error
	Delete(ctx context.Context, id string) error
	Retrieve(ctx context.Context, query string, p Params) ([]Result, error)
	Count(ctx context.Context) (int, error)
}

// retrievalErr 将底层错误归类为类型化检索错误。
func retrievalErr(err error, source Source) error {
	if err == nil {
		return nil
	}
	if types.GetErrorCode(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrRetrievalTimeout, "retrieve timed out").
			WithSource(string(source)).WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrStoreUnavailable, "store call failed").
		WithSource(string(source)).WithRetryable(true).WithCause(err)
}

// classifyCtxErr 将 context 错误映射为检索错误。
func classifyCtxErr(ctx context.Context, source Source) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return types.NewError(types.ErrRetrievalTimeout, "retrieve timed out").
			WithSource(string(source)).WithRetryable(true).WithCause(ctx.Err())
	case context.Canceled:
		return types.NewError(types.ErrRetrievalTimeout, "retrieve canceled").
			WithSource(string(source)).WithCause(ctx.Err())
	}
	return nil
}
