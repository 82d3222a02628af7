// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	registry *prometheus.Registry

	// 查询管线指标
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	queriesBroadened prometheus.Counter

	// 检索指标
	retrievalsTotal   *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec

	// 索引指标
	documentsIndexed *prometheus.CounterVec
	ingestFailures   *prometheus.CounterVec
	rebuildBatches   prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用独立的 registry 便于测试与隔离
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 查询管线指标
	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of queries by outcome",
		},
		[]string{"outcome"},
	)

	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	c.queriesBroadened = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_broadened_total",
			Help:      "Number of queries that required a broadened retrieval round",
		},
	)

	// 检索指标
	c.retrievalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Store retrieval calls by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	c.retrievalDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Store retrieval duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// 索引指标
	c.documentsIndexed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Documents indexed by destination store",
		},
		[]string{"destination"},
	)

	c.ingestFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Document ingest failures by destination store",
		},
		[]string{"destination"},
	)

	c.rebuildBatches = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuild_batches_total",
			Help:      "Number of index rebuild batches processed",
		},
	)

	return c
}

// RecordQuery 记录一次查询结果
func (c *Collector) RecordQuery(outcome string, duration time.Duration) {
	c.queriesTotal.WithLabelValues(outcome).Inc()
	c.queryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordBroadened 记录一次扩大检索
func (c *Collector) RecordBroadened() {
	c.queriesBroadened.Inc()
}

// RecordRetrieval 记录一次存储检索调用
func (c *Collector) RecordRetrieval(source, outcome string, duration time.Duration) {
	c.retrievalsTotal.WithLabelValues(source, outcome).Inc()
	c.retrievalDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordIndexed 记录文档写入目标存储
func (c *Collector) RecordIndexed(destination string) {
	c.documentsIndexed.WithLabelValues(destination).Inc()
}

// RecordIngestFailure 记录文档写入失败
func (c *Collector) RecordIngestFailure(destination string) {
	c.ingestFailures.WithLabelValues(destination).Inc()
}

// RecordRebuildBatch 记录一次重建批次
func (c *Collector) RecordRebuildBatch() {
	c.rebuildBatches.Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 暴露底层 registry（测试用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
