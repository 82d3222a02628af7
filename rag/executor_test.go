// 检索执行器测试。
package rag

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// stubStore 是测试用的存储替身。
type stubStore struct {
	source  store.Source
	results []store.Result
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (s *stubStore) Source() store.Source { return s.source }

func (s *stubStore) Ingest(ctx context.Context, doc types.Document) error { return s.err }

func (s *stubStore) Delete(ctx context.Context, id string) error { return s.err }

func (s *stubStore) Count(ctx context.Context) (int, error) { return len(s.results), s.err }

func (s *stubStore) Retrieve(ctx context.Context, query string, params store.Params) ([]store.Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, types.NewError(types.ErrRetrievalTimeout, "canceled").WithSource(string(s.source))
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func graphResult(prov string, score float64) store.Result {
	return store.Result{Source: store.SourceGraph, Content: "事实: " + prov, Score: score, Provenance: prov}
}

func vectorResult(prov string, score float64) store.Result {
	return store.Result{Source: store.SourceVector, Content: "片段: " + prov, Score: score, Provenance: prov}
}

func bothStoresPlan(query string) QueryPlan {
	return QueryPlan{
		Query:      query,
		UseGraph:   true,
		UseVector:  true,
		GraphMode:  store.ModeNeighborhood,
		VectorTopK: 5,
	}
}

func TestExecute_CombinesBothSources(t *testing.T) {
	graph := &stubStore{source: store.SourceGraph, results: []store.Result{graphResult("g1", 0.8)}}
	vector := &stubStore{source: store.SourceVector, results: []store.Result{vectorResult("v1", 0.7)}}
	e := NewRetrievalExecutor(graph, vector, DefaultExecutorConfig(), nil, nil)

	results, err := e.Execute(context.Background(), bothStoresPlan("问题"))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(1), graph.calls.Load())
	assert.Equal(t, int32(1), vector.calls.Load())
}

func TestExecute_RespectsPlanFlags(t *testing.T) {
	graph := &stubStore{source: store.SourceGraph, results: []store.Result{graphResult("g1", 0.8)}}
	vector := &stubStore{source: store.SourceVector, results: []store.Result{vectorResult("v1", 0.7)}}
	e := NewRetrievalExecutor(graph, vector, DefaultExecutorConfig(), nil, nil)

	plan := bothStoresPlan("问题")
	plan.UseVector = false

	results, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(0), vector.calls.Load())
}

func TestExecute_PartialFailureReturnsSurvivors(t *testing.T) {
	graph := &stubStore{
		source: store.SourceGraph,
		err:    types.NewError(types.ErrStoreUnavailable, "graph down").WithSource("graph"),
	}
	vector := &stubStore{source: store.SourceVector, results: []store.Result{vectorResult("v1", 0.7)}}
	e := NewRetrievalExecutor(graph, vector, DefaultExecutorConfig(), nil, nil)

	results, err := e.Execute(context.Background(), bothStoresPlan("问题"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.SourceVector, results[0].Source)
}

func TestExecute_AllSourcesFailed(t *testing.T) {
	graph := &stubStore{
		source: store.SourceGraph,
		err:    types.NewError(types.ErrStoreUnavailable, "graph down").WithSource("graph"),
	}
	vector := &stubStore{
		source: store.SourceVector,
		err:    types.NewError(types.ErrStoreUnavailable, "vector down").WithSource("vector"),
	}
	e := NewRetrievalExecutor(graph, vector, DefaultExecutorConfig(), nil, nil)

	_, err := e.Execute(context.Background(), bothStoresPlan("问题"))
	require.Error(t, err)
	assert.Equal(t, types.ErrAllSourcesFailed, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestExecute_SlowStoreTimesOutAlone(t *testing.T) {
	graph := &stubStore{source: store.SourceGraph, delay: 200 * time.Millisecond}
	vector := &stubStore{source: store.SourceVector, results: []store.Result{vectorResult("v1", 0.7)}}
	e := NewRetrievalExecutor(graph, vector, ExecutorConfig{StoreTimeout: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	results, err := e.Execute(context.Background(), bothStoresPlan("问题"))
	require.NoError(t, err)
	assert.Len(t, results, 1)
	// 汇合屏障等待慢调用超时，但不等它跑完全部延迟
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestExecute_EmptyPlanRejected(t *testing.T) {
	e := NewRetrievalExecutor(&stubStore{source: store.SourceGraph}, &stubStore{source: store.SourceVector}, DefaultExecutorConfig(), nil, nil)

	_, err := e.Execute(context.Background(), QueryPlan{Query: "问题"})
	require.Error(t, err)
	assert.Equal(t, types.ErrMalformedQuery, types.GetErrorCode(err))
}

func TestExecute_RecordsRetrievalMetrics(t *testing.T) {
	graph := &stubStore{source: store.SourceGraph, results: []store.Result{graphResult("g1", 0.8)}}
	vector := &stubStore{
		source: store.SourceVector,
		err:    types.NewError(types.ErrStoreUnavailable, "vector down").WithSource("vector"),
	}
	collector := metrics.NewCollector("memflow", nil)
	e := NewRetrievalExecutor(graph, vector, DefaultExecutorConfig(), collector, nil)

	_, err := e.Execute(context.Background(), bothStoresPlan("张三"))
	require.NoError(t, err)

	families, err := collector.Registry().Gather()
	require.NoError(t, err)

	counts := make(map[string]float64)
	for _, fam := range families {
		if fam.GetName() != "memflow_retrievals_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			var source, outcome string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "source":
					source = l.GetValue()
				case "outcome":
					outcome = l.GetValue()
				}
			}
			counts[source+"/"+outcome] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts["graph/ok"])
	assert.Equal(t, 1.0, counts["vector/failed"])
}
