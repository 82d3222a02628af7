package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/types"
)

// EmbeddingConfig 嵌入客户端配置
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	RPS        float64       `yaml:"rps" json:"rps"`
	Burst      int           `yaml:"burst" json:"burst"`
}

// EmbeddingClient 是 OpenAI 兼容 /embeddings 接口的 HTTP 客户端。
// 实现 store.Embedder。
type EmbeddingClient struct {
	cfg     EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewEmbeddingClient 创建嵌入客户端。
func NewEmbeddingClient(cfg EmbeddingConfig, logger *zap.Logger) *EmbeddingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &EmbeddingClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(zap.String("component", "embedding_client")),
	}
}

// Dimensions 返回配置的向量维度。
func (c *EmbeddingClient) Dimensions() int { return c.cfg.Dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 为单段文本生成嵌入向量。
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("embedding service returned %d", resp.StatusCode)).
			WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, types.NewError(types.ErrStoreUnavailable, "empty embedding response")
	}

	return parsed.Data[0].Embedding, nil
}
