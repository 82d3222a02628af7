package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/internal/metrics"
)

// ServerConfig 配置 HTTP 服务。
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server 是 MemFlow 的 HTTP 服务。
type Server struct {
	cfg      ServerConfig
	handlers *Handlers
	srv      *http.Server
	logger   *zap.Logger
}

// NewServer 创建 HTTP 服务。collector 可为 nil（不暴露 /metrics）。
func NewServer(cfg ServerConfig, handlers *Handlers, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/query", handlers.HandleQuery)
	mux.HandleFunc("/api/rebuild", handlers.HandleRebuild)
	mux.HandleFunc("/api/stats", handlers.HandleStats)
	mux.HandleFunc("/api/relationships", handlers.HandleRelationships)
	mux.HandleFunc("/api/timeline", handlers.HandleTimeline)
	mux.HandleFunc("/healthz", handlers.HandleHealth)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With(zap.String("component", "http_server")),
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Handler 返回路由根（测试用）。
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start 启动服务并阻塞，直到服务关闭。
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭服务。
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	return s.srv.Shutdown(ctx)
}
