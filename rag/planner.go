package rag

import (
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/store"
)

// QueryPlan 描述一次检索要访问哪些存储以及检索参数。
type QueryPlan struct {
	Query        string
	UseGraph     bool
	UseVector    bool
	GraphMode    store.GraphMode
	VectorTopK   int
	Broadened    bool
	GraphSignal  int
	VectorSignal int
}

// PlannerConfig 配置查询规划器。
type PlannerConfig struct {
	DefaultTopK int
	RecencyTopK int
	MaxTopK     int
}

// DefaultPlannerConfig 返回默认规划配置。
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DefaultTopK: 5,
		RecencyTopK: 10,
		MaxTopK:     20,
	}
}

// QueryPlanner 基于词法信号生成检索计划。
// 无需 LLM 调用，规划纯粹由查询文本决定。
type QueryPlanner struct {
	cfg    PlannerConfig
	logger *zap.Logger
}

// NewQueryPlanner 创建查询规划器。
func NewQueryPlanner(cfg PlannerConfig, logger *zap.Logger) *QueryPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.RecencyTopK <= 0 {
		cfg.RecencyTopK = 10
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 20
	}
	return &QueryPlanner{cfg: cfg, logger: logger.With(zap.String("component", "query_planner"))}
}

// 结构化信息关键词：指向图存储（人物特征、关系、事实）
var graphKeywords = []string{
	"性格", "personality",
	"价值观", "values",
	"思维", "thinking",
	"关系", "relationship",
	"人际", "social",
	"特征", "traits",
	"喜欢什么", "身份", "identity",
}

// 关系类关键词：倾向 neighborhood 图检索模式
var relationKeywords = []string{
	"关系", "relationship", "人际", "social", "认识", "朋友", "friend",
}

// 情景/片段关键词：指向向量存储（对话、笔记）
var vectorKeywords = []string{
	"最近", "recently",
	"对话", "conversation",
	"说过", "mentioned",
	"讨论", "discussed",
	"昨天", "yesterday",
	"上次", "last time",
	"聊过", "笔记", "note",
}

// 概览类关键词：两源并查 + overview 图模式
var summaryKeywords = []string{
	"总结", "summary", "summarize",
	"概述", "overview",
	"整体", "全面", "overall",
}

// 时效性关键词：扩大向量取回条数
var recencyKeywords = []string{
	"最近", "recently", "昨天", "yesterday", "这周", "this week",
}

func countHits(query string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(query, kw) {
			n++
		}
	}
	return n
}

// Plan 生成检索计划。
//
// prior 为 nil 时做初始规划：检测到的信号决定访问哪些存储；
// 没有任何信号时两源并查（安全兜底，计划永不为空）。
//
// prior 非 nil 时做扩大检索：启用全部存储、提高 top-k 并置
// Broadened 标记。已扩大过的计划是终态，返回 ok=false。
func (p *QueryPlanner) Plan(query string, prior *QueryPlan) (QueryPlan, bool) {
	if prior != nil {
		return p.broaden(prior)
	}

	lower := strings.ToLower(query)

	plan := QueryPlan{
		Query:        query,
		GraphSignal:  countHits(lower, graphKeywords),
		VectorSignal: countHits(lower, vectorKeywords),
		VectorTopK:   p.cfg.DefaultTopK,
	}

	switch {
	case countHits(lower, summaryKeywords) > 0:
		// 概览类查询：两源并查，图侧给全局摘要
		plan.UseGraph = true
		plan.UseVector = true
		plan.GraphMode = store.ModeOverview

	case plan.GraphSignal > 0 || plan.VectorSignal > 0:
		if plan.GraphSignal > 0 {
			plan.UseGraph = true
			if countHits(lower, relationKeywords) > 0 {
				plan.GraphMode = store.ModeNeighborhood
			} else {
				plan.GraphMode = store.ModeExactFact
			}
		}
		if plan.VectorSignal > 0 {
			plan.UseVector = true
			if countHits(lower, recencyKeywords) > 0 {
				plan.VectorTopK = p.cfg.RecencyTopK
			}
		}

	default:
		// 无信号：两源并查
		plan.UseGraph = true
		plan.UseVector = true
		plan.GraphMode = store.ModeNeighborhood
	}

	p.logger.Debug("query planned",
		zap.Bool("use_graph", plan.UseGraph),
		zap.Bool("use_vector", plan.UseVector),
		zap.String("graph_mode", string(plan.GraphMode)),
		zap.Int("vector_top_k", plan.VectorTopK))

	return plan, true
}

// broaden 在首轮证据不足时扩大检索范围，最多扩大一次。
func (p *QueryPlanner) broaden(prior *QueryPlan) (QueryPlan, bool) {
	if prior.Broadened {
		return *prior, false
	}

	next := *prior
	next.UseGraph = true
	next.UseVector = true
	if next.GraphMode == "" {
		next.GraphMode = store.ModeNeighborhood
	}
	topK := next.VectorTopK * 2
	if topK <= 0 {
		topK = p.cfg.DefaultTopK * 2
	}
	if topK > p.cfg.MaxTopK {
		topK = p.cfg.MaxTopK
	}
	next.VectorTopK = topK
	next.Broadened = true

	p.logger.Debug("plan broadened", zap.Int("vector_top_k", next.VectorTopK))
	return next, true
}
