// api 包提供查询、重建与诊断的 HTTP 接口。
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/indexer"
	"github.com/BaSui01/memflow/rag"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// Rebuilder 触发一次全量重建。
type Rebuilder interface {
	RebuildAll(ctx context.Context, force bool) (indexer.BatchReport, error)
}

// Handlers 持有各端点依赖。
type Handlers struct {
	pipeline  *rag.Pipeline
	indexer   *indexer.HybridIndexer
	rebuilder Rebuilder
	graph     *store.GraphStore
	version   string
	startTime time.Time
	logger    *zap.Logger
}

// NewHandlers 创建 HTTP 处理器集合。
func NewHandlers(
	pipeline *rag.Pipeline,
	ix *indexer.HybridIndexer,
	rebuilder Rebuilder,
	graph *store.GraphStore,
	version string,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		pipeline:  pipeline,
		indexer:   ix,
		rebuilder: rebuilder,
		graph:     graph,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With(zap.String("component", "api")),
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

// HandleQuery POST /api/query
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, types.ErrMalformedQuery, "method not allowed", nil)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorMessage(w, types.ErrMalformedQuery, "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, types.ErrMalformedQuery, "query is required", h.logger)
		return
	}

	answer, err := h.pipeline.Query(r.Context(), req.Query)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, answer)
}

type rebuildRequest struct {
	Force bool `json:"force"`
}

// HandleRebuild POST /api/rebuild
func (h *Handlers) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, types.ErrMalformedQuery, "method not allowed", nil)
		return
	}

	var req rebuildRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteErrorMessage(w, types.ErrMalformedQuery, "invalid request body", h.logger)
			return
		}
	}

	report, err := h.rebuilder.RebuildAll(r.Context(), req.Force)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, report)
}

// HandleStats GET /api/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.indexer.Stats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"version": h.version,
		"uptime":  time.Since(h.startTime).String(),
		"index":   stats,
	})
}

// HandleRelationships GET /api/relationships?entity=
func (h *Handlers) HandleRelationships(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	results := h.graph.Relationships(entity)
	WriteSuccess(w, map[string]interface{}{
		"entity":        entity,
		"relationships": results,
	})
}

// HandleTimeline GET /api/timeline?from=&to=
func (h *Handlers) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTimeParam(r.URL.Query().Get("from"))
	if !ok {
		WriteErrorMessage(w, types.ErrMalformedQuery, "invalid from parameter", h.logger)
		return
	}
	to, ok := parseTimeParam(r.URL.Query().Get("to"))
	if !ok {
		WriteErrorMessage(w, types.ErrMalformedQuery, "invalid to parameter", h.logger)
		return
	}

	results := h.graph.Timeline(from, to)
	WriteSuccess(w, map[string]interface{}{
		"from":    from,
		"to":      to,
		"entries": results,
	})
}

// HandleHealth GET /healthz
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   h.version,
		"timestamp": time.Now(),
	})
}

// parseTimeParam 解析时间参数；空值表示不限。
func parseTimeParam(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
