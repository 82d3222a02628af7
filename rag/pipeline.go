package rag

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/types"
)

// PipelineConfig 配置查询管线。
type PipelineConfig struct {
	// 单次查询整体超时
	QueryTimeout time.Duration
}

// DefaultPipelineConfig 返回默认管线配置。
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{QueryTimeout: 30 * time.Second}
}

// Pipeline 串联规划、检索、评估与合成，对外提供单一 Query 入口。
//
// 首轮证据不足时扩大检索范围重试一次；扩大后无论证据
// 好坏都进入合成，绝不第二次扩大。
type Pipeline struct {
	planner     *QueryPlanner
	executor    *RetrievalExecutor
	evaluator   *RelevanceEvaluator
	synthesizer *AnswerSynthesizer
	cfg         PipelineConfig
	collector   *metrics.Collector
	logger      *zap.Logger
}

// NewPipeline 创建查询管线。collector 可为 nil。
func NewPipeline(
	planner *QueryPlanner,
	executor *RetrievalExecutor,
	evaluator *RelevanceEvaluator,
	synthesizer *AnswerSynthesizer,
	cfg PipelineConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	return &Pipeline{
		planner:     planner,
		executor:    executor,
		evaluator:   evaluator,
		synthesizer: synthesizer,
		cfg:         cfg,
		collector:   collector,
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// Query 执行一次完整查询。
func (p *Pipeline) Query(ctx context.Context, text string) (*Answer, error) {
	start := time.Now()
	queryID := uuid.NewString()
	log := p.logger.With(zap.String("query_id", queryID))

	if strings.TrimSpace(text) == "" {
		p.recordQuery("rejected", start)
		return nil, types.NewError(types.ErrMalformedQuery, "query is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	// PLAN
	plan, _ := p.planner.Plan(text, nil)
	log.Info("query planned",
		zap.Bool("use_graph", plan.UseGraph),
		zap.Bool("use_vector", plan.UseVector),
		zap.String("graph_mode", string(plan.GraphMode)))

	// RETRIEVE
	results, err := p.executor.Execute(ctx, plan)
	if err != nil {
		p.recordQuery("failed", start)
		return nil, err
	}

	// EVALUATE
	eval := p.evaluator.Evaluate(results, plan)

	// 证据不足且尚未扩大：扩大一次后重走检索与评估
	if !eval.Sufficient {
		if next, ok := p.planner.Plan(text, &plan); ok {
			plan = next
			if p.collector != nil {
				p.collector.RecordBroadened()
			}
			log.Info("broadening retrieval", zap.Int("vector_top_k", plan.VectorTopK))

			results, err = p.executor.Execute(ctx, plan)
			if err != nil {
				p.recordQuery("failed", start)
				return nil, err
			}
			eval = p.evaluator.Evaluate(results, plan)
		}
	}

	// SYNTHESIZE
	answer, err := p.synthesizer.Synthesize(ctx, text, eval)
	if err != nil {
		p.recordQuery("failed", start)
		return nil, err
	}

	answer.QueryID = queryID
	answer.Broadened = plan.Broadened
	answer.Elapsed = time.Since(start)

	p.recordQuery("done", start)
	log.Info("query done",
		zap.Bool("sufficient", answer.Sufficient),
		zap.Bool("broadened", answer.Broadened),
		zap.Duration("elapsed", answer.Elapsed))

	return answer, nil
}

func (p *Pipeline) recordQuery(outcome string, start time.Time) {
	if p.collector != nil {
		p.collector.RecordQuery(outcome, time.Since(start))
	}
}
