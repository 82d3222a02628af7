// Package llm 封装外部补全服务与嵌入服务（OpenAI 兼容 HTTP 接口）。
//
// 服务被视为黑盒：可能高延迟、可能失败，调用必须带超时，
// 错误以类型化 SynthesisError 上报。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/types"
)

// CompletionProvider 生成给定提示的补全。
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config 补全客户端配置
type Config struct {
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	RPS         float64       `yaml:"rps" json:"rps"`     // 客户端限速
	Burst       int           `yaml:"burst" json:"burst"` // 限速突发额度
}

// DefaultConfig 返回默认补全配置（DeepSeek 兼容端点）。
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.deepseek.com/v1",
		Model:       "deepseek-chat",
		Temperature: 0,
		MaxTokens:   2048,
		Timeout:     60 * time.Second,
		RPS:         2,
		Burst:       4,
	}
}

// Client 是 OpenAI 兼容补全接口的 HTTP 客户端。
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient 创建补全客户端。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(zap.String("component", "completion_client")),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete 调用 /chat/completions 生成补全。
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", synthesisErr(err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", types.NewError(types.ErrCompletionUnavailable, "marshal request failed").WithCause(err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", types.NewError(types.ErrCompletionUnavailable, "build request failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", synthesisErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", synthesisErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", types.NewError(types.ErrCompletionUnavailable,
			fmt.Sprintf("completion service returned %d", resp.StatusCode)).
			WithRetryable(retryable)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", types.NewError(types.ErrCompletionUnavailable, "decode response failed").WithCause(err)
	}
	if parsed.Error != nil {
		return "", types.NewError(types.ErrCompletionUnavailable, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewError(types.ErrCompletionUnavailable, "empty completion response")
	}

	c.logger.Debug("completion finished",
		zap.String("model", c.cfg.Model),
		zap.Duration("elapsed", time.Since(start)))

	return parsed.Choices[0].Message.Content, nil
}

// synthesisErr 将传输层错误映射为合成错误。
func synthesisErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrCompletionTimeout, "completion timed out").
			WithRetryable(true).WithCause(err)
	}
	var urlTimeout interface{ Timeout() bool }
	if errors.As(err, &urlTimeout) && urlTimeout.Timeout() {
		return types.NewError(types.ErrCompletionTimeout, "completion timed out").
			WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrCompletionUnavailable, "completion call failed").
		WithRetryable(true).WithCause(err)
}
