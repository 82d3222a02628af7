// =============================================================================
// 📦 MemFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("memflow.yaml").
//	    WithEnvPrefix("MEMFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 MemFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Corpus 记忆语料库配置
	Corpus CorpusConfig `yaml:"corpus" env:"CORPUS"`

	// Redis 缓存/向量后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Stores 存储层配置
	Stores StoresConfig `yaml:"stores" env:"STORES"`

	// Retrieval 检索管线配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Watcher 语料库监听配置
	Watcher WatcherConfig `yaml:"watcher" env:"WATCHER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// CorpusConfig 记忆语料库配置
type CorpusConfig struct {
	// 语料库根目录（long_term/short_term/relationships/timeline/conversations）
	Dir string `yaml:"dir" env:"DIR"`
	// 索引登记表（SQLite）路径
	RegistryPath string `yaml:"registry_path" env:"REGISTRY_PATH"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoresConfig 存储层配置
type StoresConfig struct {
	// 向量存储后端: memory, redis
	VectorBackend string `yaml:"vector_backend" env:"VECTOR_BACKEND"`
	// 嵌入后端: local, http
	EmbeddingBackend string `yaml:"embedding_backend" env:"EMBEDDING_BACKEND"`
	// 本地嵌入向量维度
	EmbeddingDims int `yaml:"embedding_dims" env:"EMBEDDING_DIMS"`
}

// RetrievalConfig 检索管线配置
type RetrievalConfig struct {
	// 默认向量检索条数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 扩大检索时的条数上限
	MaxTopK int `yaml:"max_top_k" env:"MAX_TOP_K"`
	// 证据充分性阈值（0.0-1.0）
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// 单次查询整体超时
	QueryTimeout time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	// 单个存储调用超时
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	// 合成阶段证据上下文 token 预算
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// 补全服务配置
	Completion CompletionConfig `yaml:"completion" env:"COMPLETION"`
	// 嵌入服务配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
}

// CompletionConfig 补全服务配置
type CompletionConfig struct {
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大生成 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒请求数限制
	RPS float64 `yaml:"rps" env:"RPS"`
	// 突发请求数
	Burst int `yaml:"burst" env:"BURST"`
}

// EmbeddingConfig 嵌入服务配置
type EmbeddingConfig struct {
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒请求数限制
	RPS float64 `yaml:"rps" env:"RPS"`
	// 突发请求数
	Burst int `yaml:"burst" env:"BURST"`
}

// WatcherConfig 语料库监听配置
type WatcherConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 变更防抖窗口
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	// 启动时是否执行全量索引
	InitialIndex bool `yaml:"initial_index" env:"INITIAL_INDEX"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 嵌套结构体递归处理
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	switch c.Stores.VectorBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown vector backend: %s", c.Stores.VectorBackend))
	}
	switch c.Stores.EmbeddingBackend {
	case "local", "http":
	default:
		errs = append(errs, fmt.Sprintf("unknown embedding backend: %s", c.Stores.EmbeddingBackend))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval top_k must be positive")
	}
	if c.Retrieval.MaxTopK < c.Retrieval.TopK {
		errs = append(errs, "retrieval max_top_k must be >= top_k")
	}
	if c.Retrieval.MinConfidence < 0 || c.Retrieval.MinConfidence > 1 {
		errs = append(errs, "retrieval min_confidence must be in [0, 1]")
	}
	if c.Retrieval.QueryTimeout <= 0 {
		errs = append(errs, "retrieval query_timeout must be positive")
	}

	if c.Watcher.Enabled && c.Watcher.Debounce <= 0 {
		errs = append(errs, "watcher debounce must be positive when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
