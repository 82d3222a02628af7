package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// ExecutorConfig 配置检索执行器。
type ExecutorConfig struct {
	// 单个存储调用超时
	StoreTimeout time.Duration
}

// DefaultExecutorConfig 返回默认执行器配置。
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{StoreTimeout: 10 * time.Second}
}

// RetrievalExecutor 按计划并行访问各存储并汇合结果。
//
// 部分存储失败不会中断其余存储；只有所有被启用的
// 存储都失败时，整次检索才报错。
type RetrievalExecutor struct {
	graph     store.Store
	vector    store.Store
	cfg       ExecutorConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRetrievalExecutor 创建检索执行器。collector 可为 nil。
func NewRetrievalExecutor(graph, vector store.Store, cfg ExecutorConfig, collector *metrics.Collector, logger *zap.Logger) *RetrievalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &RetrievalExecutor{
		graph:     graph,
		vector:    vector,
		cfg:       cfg,
		collector: collector,
		logger:    logger.With(zap.String("component", "retrieval_executor")),
	}
}

type storeCall struct {
	source store.Source
	st     store.Store
	params store.Params
}

// Execute 并行执行计划中的全部存储调用，等待所有调用
// 返回后汇合结果。所有启用的存储都失败时返回
// ALL_SOURCES_FAILED。
func (e *RetrievalExecutor) Execute(ctx context.Context, plan QueryPlan) ([]store.Result, error) {
	calls := e.buildCalls(plan)
	if len(calls) == 0 {
		return nil, types.NewError(types.ErrMalformedQuery, "plan enables no stores")
	}

	perCall := make([][]store.Result, len(calls))
	errs := make([]error, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			cctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
			defer cancel()

			results, err := call.st.Retrieve(cctx, plan.Query, call.params)
			if err != nil {
				// 记录失败但不中断其他存储
				errs[i] = err
				if e.collector != nil {
					e.collector.RecordRetrieval(string(call.source), "failed", time.Since(start))
				}
				e.logger.Warn("store retrieval failed",
					zap.String("source", string(call.source)),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
				return nil
			}
			perCall[i] = results
			if e.collector != nil {
				e.collector.RecordRetrieval(string(call.source), "ok", time.Since(start))
			}
			e.logger.Debug("store retrieval done",
				zap.String("source", string(call.source)),
				zap.Int("results", len(results)),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	// 汇合屏障：所有存储调用结束后才继续
	_ = g.Wait()

	var combined []store.Result
	failed := 0
	var failures []string
	for i, call := range calls {
		if errs[i] != nil {
			failed++
			failures = append(failures, fmt.Sprintf("%s: %v", call.source, errs[i]))
			continue
		}
		combined = append(combined, perCall[i]...)
	}

	if failed == len(calls) {
		return nil, types.NewError(types.ErrAllSourcesFailed,
			"all enabled stores failed: "+strings.Join(failures, "; ")).
			WithRetryable(true)
	}

	return combined, nil
}

func (e *RetrievalExecutor) buildCalls(plan QueryPlan) []storeCall {
	var calls []storeCall
	if plan.UseGraph && e.graph != nil {
		calls = append(calls, storeCall{
			source: store.SourceGraph,
			st:     e.graph,
			params: store.Params{Mode: plan.GraphMode},
		})
	}
	if plan.UseVector && e.vector != nil {
		calls = append(calls, storeCall{
			source: store.SourceVector,
			st:     e.vector,
			params: store.Params{TopK: plan.VectorTopK},
		})
	}
	return calls
}
