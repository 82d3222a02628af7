// Package types 定义 memflow 的共享数据模型与错误类型。
package types

import (
	"fmt"
	"time"
)

// DocKind 文档类型
type DocKind string

const (
	KindProfileFact   DocKind = "profile-fact"   // 结构化画像事实（性格、价值观等）
	KindRelationship  DocKind = "relationship"   // 人际关系
	KindTimelineEntry DocKind = "timeline-entry" // 时间轴快照
	KindConversation  DocKind = "conversation"   // 对话历史
	KindNote          DocKind = "note"           // 自由笔记 / 短期记忆
	KindOther         DocKind = "other"          // 未识别类型
)

// String returns the string representation of DocKind.
func (k DocKind) String() string {
	return string(k)
}

// Known reports whether the kind is one of the enumerated values.
func (k DocKind) Known() bool {
	switch k {
	case KindProfileFact, KindRelationship, KindTimelineEntry,
		KindConversation, KindNote, KindOther:
		return true
	}
	return false
}

// MetadataImportance 标记高重要性文档的元数据键
const MetadataImportance = "importance"

// ImportanceHigh 高重要性取值，触发双索引
const ImportanceHigh = "high"

// Document 语料库中的一条文档。
// 一旦入库即不可变，仅允许以相同 ID 的幂等重索引覆盖。
type Document struct {
	ID        string            `json:"id" yaml:"id"`
	Kind      DocKind           `json:"kind" yaml:"kind"`
	Content   string            `json:"content" yaml:"content"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
}

// Validate 校验文档的最小完整性。
func (d *Document) Validate() error {
	if d.ID == "" {
		return NewError(ErrIngestValidation, "document id is empty")
	}
	if d.Content == "" {
		return NewError(ErrIngestValidation, fmt.Sprintf("document %s has empty content", d.ID))
	}
	return nil
}

// HighImportance 报告文档是否被元数据标记为高重要性。
func (d *Document) HighImportance() bool {
	return d.Metadata[MetadataImportance] == ImportanceHigh
}

// Meta 返回元数据值，键不存在时返回空字符串。
func (d *Document) Meta(key string) string {
	return d.Metadata[key]
}
