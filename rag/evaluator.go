package rag

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/store"
)

// EvaluatorConfig 配置证据评估器。
type EvaluatorConfig struct {
	// 单源证据被视为充分的最低分数
	MinConfidence float64
}

// DefaultEvaluatorConfig 返回默认评估配置。
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{MinConfidence: 0.5}
}

// Evaluation 是一轮检索结果的评估结论。
type Evaluation struct {
	// 按源内排序、跨源交错后的证据列表
	Results []store.Result
	// 证据是否足以进入合成阶段
	Sufficient bool
	// 评估理由（日志与诊断用）
	Rationale string
	// 产出了结果的源数量
	SourceCount int
}

// RelevanceEvaluator 对检索结果做充分性评估。
//
// 不同源的分数量纲不同（图侧词项重合度，向量侧余弦相似度），
// 不做跨源数值比较：每个源只在自身内部排序，随后按计划信号
// 强弱交错合并。
type RelevanceEvaluator struct {
	cfg    EvaluatorConfig
	logger *zap.Logger
}

// NewRelevanceEvaluator 创建评估器。
func NewRelevanceEvaluator(cfg EvaluatorConfig, logger *zap.Logger) *RelevanceEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	return &RelevanceEvaluator{cfg: cfg, logger: logger.With(zap.String("component", "relevance_evaluator"))}
}

// Evaluate 评估一轮检索结果。
//
// 充分性判定：至少有一条结果，且满足以下任一条件——
// 本轮已是扩大检索；最高分结果达到阈值；多个源相互印证。
func (ev *RelevanceEvaluator) Evaluate(results []store.Result, plan QueryPlan) Evaluation {
	merged, sourceCount := ev.merge(results, plan)

	out := Evaluation{Results: merged, SourceCount: sourceCount}

	switch {
	case len(merged) == 0:
		out.Sufficient = false
		out.Rationale = "no results from any source"

	case plan.Broadened:
		out.Sufficient = true
		out.Rationale = "broadened round, best available evidence accepted"

	case merged[0].Score >= ev.cfg.MinConfidence:
		out.Sufficient = true
		out.Rationale = fmt.Sprintf("top score %.2f >= %.2f", merged[0].Score, ev.cfg.MinConfidence)

	case sourceCount >= 2:
		out.Sufficient = true
		out.Rationale = fmt.Sprintf("corroborated by %d sources", sourceCount)

	default:
		out.Sufficient = false
		out.Rationale = fmt.Sprintf("insufficient: top score %.2f below %.2f, single source",
			merged[0].Score, ev.cfg.MinConfidence)
	}

	ev.logger.Debug("evaluation done",
		zap.Int("results", len(merged)),
		zap.Int("sources", sourceCount),
		zap.Bool("sufficient", out.Sufficient),
		zap.String("rationale", out.Rationale))

	return out
}

// merge 源内排序后按信号强弱交错合并。
func (ev *RelevanceEvaluator) merge(results []store.Result, plan QueryPlan) ([]store.Result, int) {
	bySource := make(map[store.Source][]store.Result)
	for _, r := range results {
		bySource[r.Source] = append(bySource[r.Source], r)
	}
	for src := range bySource {
		group := bySource[src]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].Provenance < group[j].Provenance
		})
	}

	// 信号更强的源优先出牌；持平时图源在前
	order := []store.Source{store.SourceGraph, store.SourceVector}
	if plan.VectorSignal > plan.GraphSignal {
		order = []store.Source{store.SourceVector, store.SourceGraph}
	}

	merged := make([]store.Result, 0, len(results))
	idx := map[store.Source]int{}
	for len(merged) < len(results) {
		advanced := false
		for _, src := range order {
			group := bySource[src]
			if idx[src] < len(group) {
				merged = append(merged, group[idx[src]])
				idx[src]++
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}

	count := 0
	for _, group := range bySource {
		if len(group) > 0 {
			count++
		}
	}
	return merged, count
}
