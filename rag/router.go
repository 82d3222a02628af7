package rag

import (
	"strings"

	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// RoutingDecision 描述一个文档应写入哪些存储。
type RoutingDecision struct {
	DocumentID string
	Graph      bool
	Vector     bool
}

// Destinations 以固定顺序（graph 在前）返回目标存储列表。
func (d RoutingDecision) Destinations() []store.Source {
	dests := make([]store.Source, 0, 2)
	if d.Graph {
		dests = append(dests, store.SourceGraph)
	}
	if d.Vector {
		dests = append(dests, store.SourceVector)
	}
	return dests
}

// DocumentRouter 根据文档类型、元数据与内容结构决定索引目标。
// Route 是纯函数：同一文档永远得到同一决策，不做任何 I/O。
type DocumentRouter struct{}

// NewDocumentRouter 创建文档路由器。
func NewDocumentRouter() *DocumentRouter {
	return &DocumentRouter{}
}

// Route 计算文档的路由决策。
//
// 规则:
//   - profile-fact / relationship / timeline-entry → 图存储
//   - conversation / note → 向量存储
//   - 未知类型 → 向量存储（宽松兜底，文档不丢失）
//   - 结构化内容（多行 key: value 事实）额外进入图存储
//   - metadata.importance == "high" → 两个存储都进入
func (r *DocumentRouter) Route(doc types.Document) RoutingDecision {
	decision := RoutingDecision{DocumentID: doc.ID}

	switch doc.Kind {
	case types.KindProfileFact, types.KindRelationship, types.KindTimelineEntry:
		decision.Graph = true
	case types.KindConversation, types.KindNote:
		decision.Vector = true
	default:
		// 未识别类型默认进向量存储
		decision.Vector = true
	}

	// 未显式进图的文档，若内容呈结构化事实形态，补充图目标
	if !decision.Graph && structuredFactLines(doc.Content) >= 2 {
		decision.Graph = true
	}

	if doc.HighImportance() {
		decision.Graph = true
		decision.Vector = true
	}

	return decision
}

// structuredFactLines 统计形如 "key: value" 的行数（支持中文冒号）。
func structuredFactLines(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.IndexAny(line, ":："); idx > 0 && idx < len(line)-1 {
			n++
		}
	}
	return n
}
