// indexer 包实现双索引写入：按路由决策把文档分发到图存储
// 与向量存储，并通过登记表支持增量重建。
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/rag"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// BatchReport 汇总一次批量索引的结果。
type BatchReport struct {
	Total   int           `json:"total"`
	Indexed int           `json:"indexed"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Errors  []string      `json:"errors,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Stats 是索引层的运行快照。
type Stats struct {
	GraphDocuments  int   `json:"graph_documents"`
	VectorDocuments int   `json:"vector_documents"`
	Registered      int64 `json:"registered"`
}

// HybridIndexer 把文档路由到一个或两个存储。
//
// 同一文档重复写入是幂等的：内容未变更时直接跳过（除非
// 强制重建）；内容变更时各目标存储整体替换旧数据。
type HybridIndexer struct {
	// 串行化批量重建：两个批次绝不交错写入
	batchMu sync.Mutex

	router    *rag.DocumentRouter
	graph     store.Store
	vector    store.Store
	registry  *Registry
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewHybridIndexer 创建双索引写入器。collector 可为 nil。
func NewHybridIndexer(
	router *rag.DocumentRouter,
	graph, vector store.Store,
	registry *Registry,
	collector *metrics.Collector,
	logger *zap.Logger,
) *HybridIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridIndexer{
		router:    router,
		graph:     graph,
		vector:    vector,
		registry:  registry,
		collector: collector,
		logger:    logger.With(zap.String("component", "hybrid_indexer")),
	}
}

// IndexDocument 索引单个文档。
// 返回 true 表示实际写入了存储，false 表示因内容未变更而跳过。
func (ix *HybridIndexer) IndexDocument(ctx context.Context, doc types.Document, force bool) (bool, error) {
	if err := doc.Validate(); err != nil {
		return false, err
	}

	decision := ix.router.Route(doc)
	hash := contentHash(doc)
	dests := joinDestinations(decision.Destinations())

	prior, err := ix.registry.Lookup(doc.ID)
	if err != nil {
		return false, err
	}
	if !force && prior != nil && prior.ContentHash == hash && prior.Destinations == dests {
		ix.logger.Debug("document unchanged, skipping", zap.String("doc_id", doc.ID))
		return false, nil
	}

	// 路由目标收窄时清理不再归属的存储
	if prior != nil {
		for _, old := range prior.DestinationList() {
			if !containsSource(decision.Destinations(), old) {
				if st := ix.storeFor(old); st != nil {
					if err := st.Delete(ctx, doc.ID); err != nil {
						ix.logger.Warn("stale destination cleanup failed",
							zap.String("doc_id", doc.ID),
							zap.String("destination", string(old)),
							zap.Error(err))
					}
				}
			}
		}
	}

	for _, dest := range decision.Destinations() {
		st := ix.storeFor(dest)
		if st == nil {
			continue
		}
		if err := st.Ingest(ctx, doc); err != nil {
			if ix.collector != nil {
				ix.collector.RecordIngestFailure(string(dest))
			}
			return false, fmt.Errorf("ingest %s into %s: %w", doc.ID, dest, err)
		}
		if ix.collector != nil {
			ix.collector.RecordIndexed(string(dest))
		}
	}

	if err := ix.registry.Save(DocumentRecord{
		ID:           doc.ID,
		Kind:         string(doc.Kind),
		ContentHash:  hash,
		Destinations: dests,
		IndexedAt:    time.Now(),
	}); err != nil {
		return false, err
	}

	ix.logger.Debug("document indexed",
		zap.String("doc_id", doc.ID),
		zap.String("destinations", dests))
	return true, nil
}

// IndexBatch 索引一批文档，单个文档失败不影响其余文档。
func (ix *HybridIndexer) IndexBatch(ctx context.Context, docs []types.Document, force bool) BatchReport {
	ix.batchMu.Lock()
	defer ix.batchMu.Unlock()

	start := time.Now()
	report := BatchReport{Total: len(docs)}

	for _, doc := range docs {
		indexed, err := ix.IndexDocument(ctx, doc, force)
		switch {
		case err != nil:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", doc.ID, err))
			ix.logger.Warn("document index failed", zap.String("doc_id", doc.ID), zap.Error(err))
		case indexed:
			report.Indexed++
		default:
			report.Skipped++
		}
	}

	report.Elapsed = time.Since(start)
	if ix.collector != nil {
		ix.collector.RecordRebuildBatch()
	}
	ix.logger.Info("batch indexed",
		zap.Int("total", report.Total),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed))
	return report
}

// DeleteDocument 从所有存储与登记表中移除文档。幂等。
func (ix *HybridIndexer) DeleteDocument(ctx context.Context, id string) error {
	for _, st := range []store.Store{ix.graph, ix.vector} {
		if st == nil {
			continue
		}
		if err := st.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, st.Source(), err)
		}
	}
	return ix.registry.Remove(id)
}

// Stats 返回各存储的文档计数。
func (ix *HybridIndexer) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error

	if ix.graph != nil {
		if s.GraphDocuments, err = ix.graph.Count(ctx); err != nil {
			return s, fmt.Errorf("graph count: %w", err)
		}
	}
	if ix.vector != nil {
		if s.VectorDocuments, err = ix.vector.Count(ctx); err != nil {
			return s, fmt.Errorf("vector count: %w", err)
		}
	}
	if s.Registered, err = ix.registry.Count(); err != nil {
		return s, err
	}
	return s, nil
}

func (ix *HybridIndexer) storeFor(src store.Source) store.Store {
	switch src {
	case store.SourceGraph:
		return ix.graph
	case store.SourceVector:
		return ix.vector
	default:
		return nil
	}
}

func containsSource(list []store.Source, s store.Source) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
