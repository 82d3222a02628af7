package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/llm"
)

// NoEvidenceAnswer 是没有任何证据时返回的固定答复。
const NoEvidenceAnswer = "抱歉，我没有找到相关信息来回答这个问题。"

// SynthesizerConfig 配置答案合成器。
type SynthesizerConfig struct {
	// 证据上下文 token 预算
	MaxContextTokens int
	// tiktoken 编码名称
	Encoding string
}

// DefaultSynthesizerConfig 返回默认合成配置。
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		MaxContextTokens: 2000,
		Encoding:         "cl100k_base",
	}
}

// Answer 是一次查询的最终产出。
type Answer struct {
	QueryID    string        `json:"query_id"`
	Query      string        `json:"query"`
	Text       string        `json:"text"`
	Provenance []string      `json:"provenance"`
	Sufficient bool          `json:"sufficient"`
	Broadened  bool          `json:"broadened"`
	Sources    int           `json:"sources"`
	Elapsed    time.Duration `json:"elapsed"`
}

// AnswerSynthesizer 将证据组装成提示词并调用补全服务生成答案。
//
// 证据按评估排序逐条纳入，超出 token 预算的部分被截断。
// 没有任何证据时不调用 LLM，直接返回固定答复。
type AnswerSynthesizer struct {
	provider llm.CompletionProvider
	cfg      SynthesizerConfig
	logger   *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// NewAnswerSynthesizer 创建答案合成器。
func NewAnswerSynthesizer(provider llm.CompletionProvider, cfg SynthesizerConfig, logger *zap.Logger) *AnswerSynthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 2000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}
	return &AnswerSynthesizer{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "answer_synthesizer")),
	}
}

// Synthesize 根据评估结论生成答案。
func (s *AnswerSynthesizer) Synthesize(ctx context.Context, query string, eval Evaluation) (*Answer, error) {
	if len(eval.Results) == 0 {
		return &Answer{
			Query:      query,
			Text:       NoEvidenceAnswer,
			Sufficient: false,
		}, nil
	}

	prompt, provenance := s.buildPrompt(query, eval)

	text, err := s.provider.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &Answer{
		Query:      query,
		Text:       text,
		Provenance: provenance,
		Sufficient: eval.Sufficient,
		Sources:    eval.SourceCount,
	}, nil
}

// buildPrompt 组装接地提示词，证据逐条纳入直到耗尽 token 预算。
func (s *AnswerSynthesizer) buildPrompt(query string, eval Evaluation) (string, []string) {
	var b strings.Builder
	b.WriteString("基于以下检索到的信息，回答用户的问题。\n\n")
	b.WriteString("问题: ")
	b.WriteString(query)
	b.WriteString("\n\n检索到的信息:\n")

	budget := s.cfg.MaxContextTokens
	var provenance []string
	included := 0
	for i, r := range eval.Results {
		block := fmt.Sprintf("[来源 %d - %s - 相关度: %.2f]\n%s\n---\n",
			i+1, r.Source, r.Score, r.Content)
		cost := s.countTokens(block)
		if included > 0 && cost > budget {
			break
		}
		b.WriteString(block)
		budget -= cost
		provenance = append(provenance, r.Provenance)
		included++
	}

	b.WriteString("\n请提供一个准确、有帮助的答案。只依据检索到的信息作答，不要编造信息之外的内容。")
	b.WriteString("如果信息不足以完全回答问题，请诚实说明。\n")
	if !eval.Sufficient {
		b.WriteString("注意：检索到的证据可能不完整，请在答案开头注明这是基于有限信息的回答。\n")
	}

	if included < len(eval.Results) {
		s.logger.Debug("evidence truncated by token budget",
			zap.Int("included", included),
			zap.Int("total", len(eval.Results)))
	}

	return b.String(), provenance
}

// countTokens 计算文本 token 数。
// tiktoken 初始化失败时回退到字符估算。
func (s *AnswerSynthesizer) countTokens(text string) int {
	s.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(s.cfg.Encoding)
		if err != nil {
			s.encErr = err
			s.logger.Warn("tiktoken init failed, falling back to estimate", zap.Error(err))
			return
		}
		s.enc = enc
	})
	if s.encErr != nil || s.enc == nil {
		// 中英混排的粗略估算
		return len([]rune(text)) / 2
	}
	return len(s.enc.Encode(text, nil, nil))
}
