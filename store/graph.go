package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// Node 知识图中的节点。
type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // "document" / "fact" / "entity"
	Label      string            `json:"label"`
	Properties map[string]string `json:"properties,omitempty"`
	DocID      string            `json:"doc_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Edge 节点之间的关系。
type Edge struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// GraphStore 内存知识图存储适配器。
//
// 并发模型：多读单写。读（Retrieve）与写（Ingest/Delete）通过 RWMutex 隔离，
// 读方永远不会观察到半应用的 upsert。
type GraphStore struct {
	nodes    map[string]*Node
	edges    map[string]*Edge
	outEdges map[string][]string // nodeID -> edgeIDs
	inEdges  map[string][]string // nodeID -> edgeIDs
	docNodes map[string][]string // docID -> 该文档派生的全部节点
	docs     map[string]types.Document
	maxDepth int
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewGraphStore 创建内存知识图存储。
func NewGraphStore(logger *zap.Logger) *GraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outEdges: make(map[string][]string),
		inEdges:  make(map[string][]string),
		docNodes: make(map[string][]string),
		docs:     make(map[string]types.Document),
		maxDepth: 2,
		logger:   logger.With(zap.String("component", "graph_store")),
	}
}

// Source 返回存储来源标识。
func (g *GraphStore) Source() Source { return SourceGraph }

// Ingest 以文档 ID 为键做幂等 upsert：先整体移除旧版本派生的节点与边，
// 再重建，重复入库与单次入库状态一致。
func (g *GraphStore) Ingest(ctx context.Context, doc types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "ingest canceled").
			WithSource(string(SourceGraph)).WithCause(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.removeDocLocked(doc.ID)

	docNode := &Node{
		ID:        doc.ID,
		Type:      "document",
		Label:     firstLine(doc.Content),
		DocID:     doc.ID,
		CreatedAt: doc.Timestamp,
	}
	g.addNodeLocked(doc.ID, docNode)

	// 行级 "key: value" 结构抽取为事实节点
	for _, fact := range parseFacts(doc.Content) {
		factNode := &Node{
			ID:         doc.ID + "#" + fact.key,
			Type:       "fact",
			Label:      fact.key + ": " + fact.value,
			Properties: map[string]string{"key": fact.key, "value": fact.value},
			DocID:      doc.ID,
			CreatedAt:  doc.Timestamp,
		}
		g.addNodeLocked(doc.ID, factNode)
		g.addEdgeLocked(doc.ID, &Edge{
			Source: docNode.ID,
			Target: factNode.ID,
			Type:   "has_fact",
			Weight: 1,
		})
	}

	// 元数据中的实体名建立实体节点，共享实体在文档之间形成连接
	for _, key := range []string{"name", "entity"} {
		name := doc.Meta(key)
		if name == "" {
			continue
		}
		entityID := "entity:" + name
		if _, ok := g.nodes[entityID]; !ok {
			g.nodes[entityID] = &Node{
				ID:        entityID,
				Type:      "entity",
				Label:     name,
				CreatedAt: doc.Timestamp,
			}
		}
		g.addEdgeLocked(doc.ID, &Edge{
			Source: docNode.ID,
			Target: entityID,
			Type:   "mentions",
			Weight: 1,
		})
	}

	g.docs[doc.ID] = doc

	g.logger.Debug("document ingested into graph",
		zap.String("id", doc.ID),
		zap.String("kind", string(doc.Kind)),
		zap.Int("nodes", len(g.docNodes[doc.ID])))

	return nil
}

// Delete 幂等删除：ID 不存在时静默成功。
func (g *GraphStore) Delete(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.docs[id]; !ok {
		return nil
	}
	g.removeDocLocked(id)
	delete(g.docs, id)

	g.logger.Debug("document deleted from graph", zap.String("id", id))
	return nil
}

// Retrieve 按模式检索。
func (g *GraphStore) Retrieve(ctx context.Context, query string, p Params) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrMalformedQuery, "empty query").
			WithSource(string(SourceGraph))
	}
	if err := classifyCtxErr(ctx, SourceGraph); err != nil {
		return nil, err
	}

	start := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	mode := p.Mode
	if mode == "" {
		mode = ModeNeighborhood
	}

	var results []Result
	switch mode {
	case ModeExactFact:
		results = g.exactFactLocked(query)
	case ModeNeighborhood:
		results = g.neighborhoodLocked(query)
	case ModeOverview:
		results = g.overviewLocked()
	default:
		return nil, types.NewError(types.ErrMalformedQuery,
			fmt.Sprintf("unknown graph mode %q", mode)).WithSource(string(SourceGraph))
	}

	if err := classifyCtxErr(ctx, SourceGraph); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	for i := range results {
		results[i].Latency = elapsed
	}

	g.logger.Debug("graph retrieve completed",
		zap.String("mode", string(mode)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed))

	return results, nil
}

// Count 返回已入库的文档数量。
func (g *GraphStore) Count(ctx context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.docs), nil
}

// exactFactLocked 对事实节点做精确匹配。
func (g *GraphStore) exactFactLocked(query string) []Result {
	var results []Result
	for _, n := range g.nodes {
		if n.Type != "fact" {
			continue
		}
		score := termOverlap(query, n.Label)
		if score <= 0 {
			continue
		}
		results = append(results, Result{
			Source:     SourceGraph,
			Content:    n.Label,
			Score:      score,
			Provenance: n.DocID,
		})
	}
	sortResults(results)
	return capResults(results, 10)
}

// neighborhoodLocked 以匹配节点为锚点做邻域遍历。
func (g *GraphStore) neighborhoodLocked(query string) []Result {
	type anchor struct {
		node  *Node
		score float64
	}

	var anchors []anchor
	for _, n := range g.nodes {
		// 双向重叠：短实体标签（如人名）也能命中长查询
		score := termOverlap(query, n.Label)
		if rev := termOverlap(n.Label, query); rev > score {
			score = rev
		}
		if score >= 0.2 {
			anchors = append(anchors, anchor{node: n, score: score})
		}
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].score > anchors[j].score })
	if len(anchors) > 5 {
		anchors = anchors[:5]
	}

	var results []Result
	for _, a := range anchors {
		visited := map[string]bool{}
		var neighbors []*Node
		g.traverseLocked(a.node.ID, g.maxDepth, visited, &neighbors)

		content := a.node.Label
		if len(neighbors) > 0 {
			labels := make([]string, 0, len(neighbors))
			for _, n := range neighbors {
				labels = append(labels, n.Label)
			}
			content += " | 关联: " + strings.Join(labels, "; ")
		}

		provenance := a.node.DocID
		if provenance == "" {
			provenance = a.node.ID
		}
		provenance += "/" + a.node.ID

		results = append(results, Result{
			Source:     SourceGraph,
			Content:    content,
			Score:      a.score,
			Provenance: provenance,
		})
	}
	return results
}

// overviewLocked 按文档类型汇总全局概览。
func (g *GraphStore) overviewLocked() []Result {
	byKind := make(map[types.DocKind][]types.Document)
	for _, doc := range g.docs {
		byKind[doc.Kind] = append(byKind[doc.Kind], doc)
	}

	var results []Result
	for kind, docs := range byKind {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		labels := make([]string, 0, len(docs))
		for _, d := range docs {
			labels = append(labels, firstLine(d.Content))
			if len(labels) == 5 {
				break
			}
		}
		results = append(results, Result{
			Source:     SourceGraph,
			Content:    fmt.Sprintf("%s (%d): %s", kind, len(docs), strings.Join(labels, "; ")),
			Score:      0.6,
			Provenance: "overview:" + string(kind),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Provenance < results[j].Provenance })
	return results
}

func (g *GraphStore) traverseLocked(nodeID string, depth int, visited map[string]bool, out *[]*Node) {
	if depth <= 0 || visited[nodeID] {
		return
	}
	visited[nodeID] = true

	for _, edgeID := range g.outEdges[nodeID] {
		edge := g.edges[edgeID]
		if n, ok := g.nodes[edge.Target]; ok && !visited[edge.Target] {
			*out = append(*out, n)
			g.traverseLocked(edge.Target, depth-1, visited, out)
		}
	}
	for _, edgeID := range g.inEdges[nodeID] {
		edge := g.edges[edgeID]
		if n, ok := g.nodes[edge.Source]; ok && !visited[edge.Source] {
			*out = append(*out, n)
			g.traverseLocked(edge.Source, depth-1, visited, out)
		}
	}
}

// Relationships 列出关系类文档，entity 非空时仅保留与其相关的条目。
// 薄查询，供管理接口使用。
func (g *GraphStore) Relationships(entity string) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var results []Result
	for _, doc := range g.docs {
		if doc.Kind != types.KindRelationship {
			continue
		}
		if entity != "" {
			if termOverlap(entity, doc.Content) <= 0 && doc.Meta("name") != entity {
				continue
			}
		}
		results = append(results, Result{
			Source:     SourceGraph,
			Content:    doc.Content,
			Score:      1,
			Provenance: doc.ID,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Provenance < results[j].Provenance })
	return results
}

// Timeline 按时间区间列出时间轴文档，零值边界表示不限制。
func (g *GraphStore) Timeline(from, to time.Time) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var entries []types.Document
	for _, doc := range g.docs {
		if doc.Kind != types.KindTimelineEntry {
			continue
		}
		if !from.IsZero() && doc.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && doc.Timestamp.After(to) {
			continue
		}
		entries = append(entries, doc)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	results := make([]Result, 0, len(entries))
	for _, doc := range entries {
		results = append(results, Result{
			Source:     SourceGraph,
			Content:    doc.Content,
			Score:      1,
			Provenance: doc.ID,
		})
	}
	return results
}

// --- 内部辅助 ---

func (g *GraphStore) addNodeLocked(docID string, n *Node) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	g.nodes[n.ID] = n
	g.docNodes[docID] = append(g.docNodes[docID], n.ID)
}

func (g *GraphStore) addEdgeLocked(docID string, e *Edge) {
	if e.ID == "" {
		e.ID = fmt.Sprintf("%s->%s:%s", e.Source, e.Target, e.Type)
	}
	g.edges[e.ID] = e
	g.outEdges[e.Source] = append(g.outEdges[e.Source], e.ID)
	g.inEdges[e.Target] = append(g.inEdges[e.Target], e.ID)
}

func (g *GraphStore) removeDocLocked(docID string) {
	for _, nodeID := range g.docNodes[docID] {
		g.removeNodeLocked(nodeID)
	}
	delete(g.docNodes, docID)
	g.pruneOrphanEntitiesLocked()
}

// pruneOrphanEntitiesLocked 移除不再被任何文档提及的实体节点。
// 实体节点由文档共享，最后一条边消失后不能再作为检索锚点。
func (g *GraphStore) pruneOrphanEntitiesLocked() {
	for id, n := range g.nodes {
		if n.Type != "entity" {
			continue
		}
		if len(g.inEdges[id]) == 0 && len(g.outEdges[id]) == 0 {
			delete(g.inEdges, id)
			delete(g.outEdges, id)
			delete(g.nodes, id)
		}
	}
}

func (g *GraphStore) removeNodeLocked(nodeID string) {
	for _, edgeID := range g.outEdges[nodeID] {
		if e, ok := g.edges[edgeID]; ok {
			g.inEdges[e.Target] = removeString(g.inEdges[e.Target], edgeID)
			delete(g.edges, edgeID)
		}
	}
	for _, edgeID := range g.inEdges[nodeID] {
		if e, ok := g.edges[edgeID]; ok {
			g.outEdges[e.Source] = removeString(g.outEdges[e.Source], edgeID)
			delete(g.edges, edgeID)
		}
	}
	delete(g.outEdges, nodeID)
	delete(g.inEdges, nodeID)
	delete(g.nodes, nodeID)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

type factLine struct {
	key   string
	value string
}

// parseFacts 抽取 "key: value" 形式的行，兼容中文冒号。
func parseFacts(content string) []factLine {
	var facts []factLine
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexAny(line, ":：")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(strings.TrimLeft(line[idx:], ":： "))
		if key == "" || value == "" || len(key) > 64 {
			continue
		}
		facts = append(facts, factLine{key: key, value: value})
	}
	return facts
}

func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if runes := []rune(line); len(runes) > 120 {
				return string(runes[:120])
			}
			return line
		}
	}
	return ""
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Provenance < results[j].Provenance
	})
}

func capResults(results []Result, n int) []Result {
	if len(results) > n {
		return results[:n]
	}
	return results
}
