// =============================================================================
// MemFlow 主入口
// =============================================================================
// 个人知识库的自适应多源检索服务
//
// 使用方法:
//
//	memflow serve                       # 启动服务（索引 + 监听 + HTTP）
//	memflow serve --config memflow.yaml # 指定配置文件
//	memflow index                       # 一次性全量索引
//	memflow index --force               # 强制重建全部索引
//	memflow query "我和张三的关系如何"     # 命令行查询
//	memflow version                     # 显示版本信息
//	memflow health                      # 健康检查
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/memflow/api"
	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/indexer"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/llm"
	"github.com/BaSui01/memflow/loader"
	"github.com/BaSui01/memflow/rag"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/watcher"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "index":
		runIndex(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🔌 组件装配
// =============================================================================

// components 持有装配完成的全部服务组件。
type components struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	graph     *store.GraphStore
	vector    store.Store
	indexer   *indexer.HybridIndexer
	loader    *loader.CorpusLoader
	watcher   *watcher.CorpusWatcher
	pipeline  *rag.Pipeline
}

func loadConfig(configPath string) *config.Config {
	l := config.NewLoader()
	if configPath != "" {
		l = l.WithConfigPath(configPath)
	}
	cfg, err := l.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	collector := metrics.NewCollector("memflow", logger)

	// 嵌入器
	var embedder store.Embedder
	switch cfg.Stores.EmbeddingBackend {
	case "http":
		embedder = llm.NewEmbeddingClient(llm.EmbeddingConfig{
			BaseURL:    cfg.LLM.Embedding.BaseURL,
			APIKey:     cfg.LLM.Embedding.APIKey,
			Model:      cfg.LLM.Embedding.Model,
			Dimensions: cfg.LLM.Embedding.Dimensions,
			Timeout:    cfg.LLM.Embedding.Timeout,
			RPS:        cfg.LLM.Embedding.RPS,
			Burst:      cfg.LLM.Embedding.Burst,
		}, logger)
	default:
		embedder = store.NewLocalEmbedder(cfg.Stores.EmbeddingDims)
	}

	// 向量存储
	var vector store.Store
	switch cfg.Stores.VectorBackend {
	case "redis":
		rv, err := store.NewRedisVectorStore(store.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis vector store: %w", err)
		}
		vector = rv
	default:
		vector = store.NewMemoryVectorStore(embedder, logger)
	}

	graph := store.NewGraphStore(logger)

	registry, err := indexer.OpenRegistry(cfg.Corpus.RegistryPath, logger)
	if err != nil {
		return nil, err
	}

	ix := indexer.NewHybridIndexer(rag.NewDocumentRouter(), graph, vector, registry, collector, logger)
	corpusLoader := loader.NewCorpusLoader(cfg.Corpus.Dir, logger)

	w := watcher.New(corpusLoader, ix, watcher.Config{
		Debounce:     cfg.Watcher.Debounce,
		InitialIndex: cfg.Watcher.InitialIndex,
	}, logger)

	provider := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.Completion.BaseURL,
		APIKey:      cfg.LLM.Completion.APIKey,
		Model:       cfg.LLM.Completion.Model,
		Temperature: cfg.LLM.Completion.Temperature,
		MaxTokens:   cfg.LLM.Completion.MaxTokens,
		Timeout:     cfg.LLM.Completion.Timeout,
		RPS:         cfg.LLM.Completion.RPS,
		Burst:       cfg.LLM.Completion.Burst,
	}, logger)

	pipeline := rag.NewPipeline(
		rag.NewQueryPlanner(rag.PlannerConfig{
			DefaultTopK: cfg.Retrieval.TopK,
			MaxTopK:     cfg.Retrieval.MaxTopK,
		}, logger),
		rag.NewRetrievalExecutor(graph, vector, rag.ExecutorConfig{
			StoreTimeout: cfg.Retrieval.StoreTimeout,
		}, collector, logger),
		rag.NewRelevanceEvaluator(rag.EvaluatorConfig{
			MinConfidence: cfg.Retrieval.MinConfidence,
		}, logger),
		rag.NewAnswerSynthesizer(provider, rag.SynthesizerConfig{
			MaxContextTokens: cfg.Retrieval.MaxContextTokens,
		}, logger),
		rag.PipelineConfig{QueryTimeout: cfg.Retrieval.QueryTimeout},
		collector,
		logger,
	)

	return &components{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		graph:     graph,
		vector:    vector,
		indexer:   ix,
		loader:    corpusLoader,
		watcher:   w,
		pipeline:  pipeline,
	}, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting MemFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build components", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 语料库监听（含初始全量索引）
	watcherDone := make(chan error, 1)
	if cfg.Watcher.Enabled {
		go func() { watcherDone <- c.watcher.Start(ctx) }()
	} else if cfg.Watcher.InitialIndex {
		report, err := c.watcher.RebuildAll(ctx, false)
		if err != nil {
			logger.Fatal("Initial index failed", zap.Error(err))
		}
		logger.Info("initial index done",
			zap.Int("indexed", report.Indexed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}

	// HTTP 服务
	handlers := api.NewHandlers(c.pipeline, c.indexer, c.watcher, c.graph, Version, logger)
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.Server.HTTPPort,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handlers, c.collector, logger)

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start() }()

	// 等待关闭信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("Shutdown signal received", zap.String("signal", s.String()))
	case err := <-serverDone:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	case err := <-watcherDone:
		if err != nil {
			logger.Error("Corpus watcher failed", zap.Error(err))
		}
	}

	if cfg.Watcher.Enabled {
		c.watcher.Stop()
	}
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("MemFlow stopped")
}

// =============================================================================
// 🗂️ index 命令
// =============================================================================

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	force := fs.Bool("force", false, "Rebuild all documents ignoring content hashes")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build components", zap.Error(err))
	}

	report, err := c.watcher.RebuildAll(context.Background(), *force)
	if err != nil {
		logger.Fatal("Index rebuild failed", zap.Error(err))
	}

	fmt.Printf("Indexed %d, skipped %d, failed %d (%.2fs)\n",
		report.Indexed, report.Skipped, report.Failed, report.Elapsed.Seconds())
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", e)
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}

// =============================================================================
// 👀 watch 命令
// =============================================================================

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build components", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- c.watcher.Start(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("Shutdown signal received", zap.String("signal", s.String()))
	case err := <-watcherDone:
		if err != nil {
			logger.Fatal("Corpus watcher failed", zap.Error(err))
		}
	}

	c.watcher.Stop()
	logger.Info("Watcher stopped")
}

// =============================================================================
// 💬 query 命令
// =============================================================================

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: memflow query [--config <path>] <question>")
		os.Exit(1)
	}
	question := fs.Arg(0)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build components", zap.Error(err))
	}

	// 查询前先把语料库装入存储
	if _, err := c.watcher.RebuildAll(context.Background(), false); err != nil {
		logger.Fatal("Corpus load failed", zap.Error(err))
	}

	answer, err := c.pipeline.Query(context.Background(), question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(answer.Text)
	if len(answer.Provenance) > 0 {
		fmt.Println("\n来源:")
		for _, p := range answer.Provenance {
			fmt.Printf("  - %s\n", p)
		}
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("MemFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`MemFlow - Adaptive multi-source retrieval for personal knowledge bases

Usage:
  memflow <command> [options]

Commands:
  serve     Start the MemFlow server (index + watch + HTTP API)
  index     Run a one-shot full index rebuild
  watch     Watch the corpus and index changes (no HTTP API)
  query     Ask a question from the command line
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' / 'index' / 'watch' / 'query':
  --config <path>   Path to configuration file (YAML)

Options for 'index':
  --force           Rebuild all documents ignoring content hashes

Examples:
  memflow serve
  memflow serve --config /etc/memflow/memflow.yaml
  memflow index --force
  memflow query "我和张三的关系如何"
  memflow health --addr http://localhost:8080
  memflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}
	if len(zapConfig.OutputPaths) == 0 {
		zapConfig.OutputPaths = []string{"stdout"}
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
