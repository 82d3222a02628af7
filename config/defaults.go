// =============================================================================
// 📦 MemFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Corpus:    DefaultCorpusConfig(),
		Redis:     DefaultRedisConfig(),
		Stores:    DefaultStoresConfig(),
		Retrieval: DefaultRetrievalConfig(),
		LLM:       DefaultLLMConfig(),
		Watcher:   DefaultWatcherConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultCorpusConfig 返回默认语料库配置
func DefaultCorpusConfig() CorpusConfig {
	return CorpusConfig{
		Dir:          "./memory",
		RegistryPath: "./memory/index_registry.db",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "memflow:",
	}
}

// DefaultStoresConfig 返回默认存储层配置
func DefaultStoresConfig() StoresConfig {
	return StoresConfig{
		VectorBackend:    "memory",
		EmbeddingBackend: "local",
		EmbeddingDims:    256,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:             5,
		MaxTopK:          20,
		MinConfidence:    0.5,
		QueryTimeout:     30 * time.Second,
		StoreTimeout:     10 * time.Second,
		MaxContextTokens: 2000,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Completion: CompletionConfig{
			BaseURL:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			RPS:         2,
			Burst:       4,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
			RPS:        5,
			Burst:      10,
		},
	}
}

// DefaultWatcherConfig 返回默认监听配置
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Enabled:      true,
		Debounce:     2 * time.Second,
		InitialIndex: true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
