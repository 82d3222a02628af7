// HTTP 接口测试。
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/indexer"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/llm"
	"github.com/BaSui01/memflow/loader"
	"github.com/BaSui01/memflow/rag"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/watcher"
)

type fixedProvider struct{ answer string }

func (p fixedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return p.answer, nil
}

var _ llm.CompletionProvider = fixedProvider{}

func newTestServer(t *testing.T) (*Server, *indexer.HybridIndexer, string) {
	t.Helper()

	corpusDir := t.TempDir()
	registry, err := indexer.OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)

	graph := store.NewGraphStore(nil)
	vector := store.NewMemoryVectorStore(store.NewLocalEmbedder(64), nil)
	ix := indexer.NewHybridIndexer(rag.NewDocumentRouter(), graph, vector, registry, nil, nil)

	pipeline := rag.NewPipeline(
		rag.NewQueryPlanner(rag.DefaultPlannerConfig(), nil),
		rag.NewRetrievalExecutor(graph, vector, rag.DefaultExecutorConfig(), nil, nil),
		rag.NewRelevanceEvaluator(rag.DefaultEvaluatorConfig(), nil),
		rag.NewAnswerSynthesizer(fixedProvider{answer: "合成的答案。"}, rag.DefaultSynthesizerConfig(), nil),
		rag.DefaultPipelineConfig(),
		nil,
		nil,
	)

	l := loader.NewCorpusLoader(corpusDir, nil)
	w := watcher.New(l, ix, watcher.DefaultConfig(), nil)

	handlers := NewHandlers(pipeline, ix, w, graph, "test", nil)
	srv := NewServer(ServerConfig{Port: 0}, handlers, metrics.NewCollector("memflow_test", nil), nil)
	return srv, ix, corpusDir
}

func seedDocs(t *testing.T, ix *indexer.HybridIndexer) {
	t.Helper()
	docs := []types.Document{
		{ID: "person_张三", Kind: types.KindRelationship, Content: "关系: 好友\n认识于: 2020",
			Metadata: map[string]string{"name": "张三"}, Timestamp: time.Now()},
		{ID: "timeline_2026", Kind: types.KindTimelineEntry, Content: "开始学习围棋",
			Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "conversation_hike", Kind: types.KindConversation, Content: "我们聊了去山里徒步的计划",
			Timestamp: time.Now()},
	}
	report := ix.IndexBatch(context.Background(), docs, false)
	require.Equal(t, 3, report.Indexed)
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleQuery(t *testing.T) {
	srv, ix, _ := newTestServer(t)
	seedDocs(t, ix)

	rec, resp := doRequest(t, srv, http.MethodPost, "/api/query", `{"query": "我和张三的关系如何"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var answer rag.Answer
	require.NoError(t, json.Unmarshal(data, &answer))
	assert.Equal(t, "合成的答案。", answer.Text)
	assert.NotEmpty(t, answer.QueryID)
}

func TestHandleQuery_EmptyRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, resp := doRequest(t, srv, http.MethodPost, "/api/query", `{"query": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, resp.Success)
	assert.Equal(t, string(types.ErrMalformedQuery), resp.Error.Code)
}

func TestHandleQuery_BadJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := doRequest(t, srv, http.MethodPost, "/api/query", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := doRequest(t, srv, http.MethodGet, "/api/query", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRebuild(t *testing.T) {
	srv, _, corpusDir := newTestServer(t)

	writeCorpus(t, corpusDir, "conversations/a.md", "对话 A")
	writeCorpus(t, corpusDir, "long_term/personality.json", `{"traits": "内向"}`)

	rec, resp := doRequest(t, srv, http.MethodPost, "/api/rebuild", `{"force": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data, _ := json.Marshal(resp.Data)
	var report indexer.BatchReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 2, report.Indexed)

	// 无变更的重建全部跳过
	_, resp = doRequest(t, srv, http.MethodPost, "/api/rebuild", "")
	data, _ = json.Marshal(resp.Data)
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 0, report.Indexed)
	assert.Equal(t, 2, report.Skipped)
}

func TestHandleStats(t *testing.T) {
	srv, ix, _ := newTestServer(t)
	seedDocs(t, ix)

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data, _ := json.Marshal(resp.Data)
	var stats struct {
		Version string        `json:"version"`
		Index   indexer.Stats `json:"index"`
	}
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, "test", stats.Version)
	assert.Equal(t, 2, stats.Index.GraphDocuments)
	assert.Equal(t, 1, stats.Index.VectorDocuments)
	assert.Equal(t, int64(3), stats.Index.Registered)
}

func TestHandleRelationships(t *testing.T) {
	srv, ix, _ := newTestServer(t)
	seedDocs(t, ix)

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/relationships?entity=张三", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data, _ := json.Marshal(resp.Data)
	var body struct {
		Entity        string         `json:"entity"`
		Relationships []store.Result `json:"relationships"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "张三", body.Entity)
	require.Len(t, body.Relationships, 1)
	assert.Equal(t, "person_张三", body.Relationships[0].Provenance)
}

func TestHandleTimeline(t *testing.T) {
	srv, ix, _ := newTestServer(t)
	seedDocs(t, ix)

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/timeline?from=2026-01-01&to=2026-12-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data, _ := json.Marshal(resp.Data)
	var body struct {
		Entries []store.Result `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "timeline_2026", body.Entries[0].Provenance)

	// 区间外为空
	_, resp = doRequest(t, srv, http.MethodGet, "/api/timeline?from=2027-01-01", "")
	data, _ = json.Marshal(resp.Data)
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Empty(t, body.Entries)
}

func TestHandleTimeline_BadRange(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, _ := doRequest(t, srv, http.MethodGet, "/api/timeline?from=not-a-date", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func writeCorpus(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
