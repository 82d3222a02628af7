// loader 包从记忆语料库目录加载文档。
//
// 语料库布局:
//
//	memory/
//	  long_term/       *.json  人格、价值观、思维模式
//	  short_term/      *.json  近期状态
//	  relationships/   *.json  关系网络; *.md 人物档案
//	  timeline/        *.json *.md  思想演变时间轴
//	  environment/     *.json  环境系统
//	  conversations/   *.md    对话历史
package loader

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// CorpusLoader 读取语料库目录并产出待索引文档。
type CorpusLoader struct {
	baseDir string
	logger  *zap.Logger
}

// NewCorpusLoader 创建语料库加载器。
func NewCorpusLoader(dir string, logger *zap.Logger) *CorpusLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorpusLoader{
		baseDir: dir,
		logger:  logger.With(zap.String("component", "corpus_loader")),
	}
}

// BaseDir 返回语料库根目录。
func (l *CorpusLoader) BaseDir() string { return l.baseDir }

// LoadAll 遍历语料库目录，加载全部可索引文档。
// 单个文件加载失败只记日志，不中断整体加载。
func (l *CorpusLoader) LoadAll() ([]types.Document, error) {
	if _, err := os.Stat(l.baseDir); err != nil {
		return nil, fmt.Errorf("corpus dir %s: %w", l.baseDir, err)
	}

	var docs []types.Document
	err := filepath.WalkDir(l.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		doc, ok, err := l.LoadFile(path)
		if err != nil {
			l.logger.Warn("failed to load corpus file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ok {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus dir: %w", err)
	}

	l.logger.Info("corpus loaded", zap.Int("documents", len(docs)))
	return docs, nil
}

// LoadFile 加载单个语料库文件。
// 文件不属于可索引布局时返回 ok=false（不报错）。
func (l *CorpusLoader) LoadFile(path string) (types.Document, bool, error) {
	id, kind, ok := l.classify(path)
	if !ok {
		return types.Document{}, false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return types.Document{}, false, err
	}

	doc := types.Document{
		ID:        id,
		Kind:      kind,
		Timestamp: info.ModTime(),
	}

	switch filepath.Ext(path) {
	case ".json":
		content, meta, ts, err := loadJSONFile(path)
		if err != nil {
			return types.Document{}, false, err
		}
		doc.Content = content
		doc.Metadata = meta
		if !ts.IsZero() {
			doc.Timestamp = ts
		}
	case ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return types.Document{}, false, err
		}
		doc.Content = string(data)
	}

	// 人物档案以文件名作为实体名
	if strings.HasPrefix(id, "person_") {
		if doc.Metadata == nil {
			doc.Metadata = map[string]string{}
		}
		doc.Metadata["name"] = stem(path)
	}

	return doc, true, nil
}

// DocIDFor 由文件路径推导文档 ID。
// 文件被删除后仍可据此找到要移除的索引条目。
func (l *CorpusLoader) DocIDFor(path string) (string, bool) {
	id, _, ok := l.classify(path)
	return id, ok
}

// classify 根据语料库布局判定文件的文档 ID 与类型。
func (l *CorpusLoader) classify(path string) (string, types.DocKind, bool) {
	rel, err := filepath.Rel(l.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	section, base := parts[0], parts[1]

	if strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".") {
		return "", "", false
	}

	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	switch section {
	case "long_term":
		if ext == ".json" {
			return "long_term_" + name, types.KindProfileFact, true
		}
	case "short_term":
		if ext == ".json" {
			return "short_term_" + name, types.KindNote, true
		}
	case "relationships":
		switch ext {
		case ".json":
			return "relationship_" + name, types.KindRelationship, true
		case ".md":
			return "person_" + name, types.KindRelationship, true
		}
	case "timeline":
		if ext == ".json" || ext == ".md" {
			return "timeline_" + name, types.KindTimelineEntry, true
		}
	case "environment":
		if ext == ".json" {
			return "environment_" + name, types.KindNote, true
		}
	case "conversations":
		if ext == ".md" {
			return "conversation_" + name, types.KindConversation, true
		}
	}
	return "", "", false
}

// loadJSONFile 解析 JSON 文件：顶层字符串字段进入元数据，
// 整体重排后作为正文。
func loadJSONFile(path string) (string, map[string]string, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, time.Time{}, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, time.Time{}, fmt.Errorf("parse %s: %w", path, err)
	}

	meta := map[string]string{}
	var ts time.Time
	if obj, ok := parsed.(map[string]any); ok {
		for k, v := range obj {
			if s, ok := v.(string); ok {
				meta[k] = s
			}
		}
		for _, key := range []string{"last_updated", "timestamp"} {
			if s, ok := meta[key]; ok {
				if t, err := parseTimestamp(s); err == nil {
					ts = t
					break
				}
			}
		}
	}

	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return "", nil, time.Time{}, err
	}
	return string(pretty), meta, ts, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %s", s)
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
