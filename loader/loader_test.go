// 语料库加载测试。
package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

func writeCorpusFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestCorpus(t *testing.T) (string, *CorpusLoader) {
	t.Helper()
	dir := t.TempDir()
	return dir, NewCorpusLoader(dir, nil)
}

func TestLoadAll_CorpusLayout(t *testing.T) {
	dir, l := newTestCorpus(t)

	writeCorpusFile(t, dir, "long_term/personality.json",
		`{"traits": "内向", "importance": "high", "last_updated": "2026-01-15T10:00:00Z"}`)
	writeCorpusFile(t, dir, "short_term/current.json", `{"mood": "平静"}`)
	writeCorpusFile(t, dir, "relationships/network.json", `{"nodes": []}`)
	writeCorpusFile(t, dir, "relationships/张三.md", "# 张三\n关系: 好友")
	writeCorpusFile(t, dir, "relationships/_template.md", "模板，不索引")
	writeCorpusFile(t, dir, "timeline/evolution.md", "## 2026 思想演变")
	writeCorpusFile(t, dir, "conversations/2026-08-01.md", "聊了登山")
	writeCorpusFile(t, dir, "README.md", "根目录文件不索引")

	docs, err := l.LoadAll()
	require.NoError(t, err)

	byID := map[string]types.Document{}
	for _, d := range docs {
		byID[d.ID] = d
	}

	require.Len(t, docs, 6)
	assert.Equal(t, types.KindProfileFact, byID["long_term_personality"].Kind)
	assert.Equal(t, types.KindNote, byID["short_term_current"].Kind)
	assert.Equal(t, types.KindRelationship, byID["relationship_network"].Kind)
	assert.Equal(t, types.KindRelationship, byID["person_张三"].Kind)
	assert.Equal(t, types.KindTimelineEntry, byID["timeline_evolution"].Kind)
	assert.Equal(t, types.KindConversation, byID["conversation_2026-08-01"].Kind)

	_, templateLoaded := byID["person__template"]
	assert.False(t, templateLoaded)
}

func TestLoadFile_JSONMetadataAndTimestamp(t *testing.T) {
	dir, l := newTestCorpus(t)
	path := writeCorpusFile(t, dir, "long_term/values.json",
		`{"core": "诚实", "importance": "high", "last_updated": "2026-01-15T10:00:00Z"}`)

	doc, ok, err := l.LoadFile(path)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "long_term_values", doc.ID)
	assert.Equal(t, "high", doc.Metadata["importance"])
	assert.True(t, doc.HighImportance())
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), doc.Timestamp.UTC())
	assert.Contains(t, doc.Content, "诚实")
}

func TestLoadFile_PersonProfileCarriesEntityName(t *testing.T) {
	dir, l := newTestCorpus(t)
	path := writeCorpusFile(t, dir, "relationships/李四.md", "# 李四\n同事")

	doc, ok, err := l.LoadFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "person_李四", doc.ID)
	assert.Equal(t, "李四", doc.Metadata["name"])
}

func TestLoadFile_UnrecognizedPathsSkipped(t *testing.T) {
	dir, l := newTestCorpus(t)

	// 不在布局内的扩展名
	p := writeCorpusFile(t, dir, "conversations/audio.wav", "xx")
	_, ok, err := l.LoadFile(p)
	require.NoError(t, err)
	assert.False(t, ok)

	// 隐藏文件
	p = writeCorpusFile(t, dir, "long_term/.draft.json", `{}`)
	_, ok, err = l.LoadFile(p)
	require.NoError(t, err)
	assert.False(t, ok)

	// 未知子目录
	p = writeCorpusFile(t, dir, "scratch/notes.md", "x")
	_, ok, err = l.LoadFile(p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadFile_MalformedJSONReturnsError(t *testing.T) {
	dir, l := newTestCorpus(t)
	path := writeCorpusFile(t, dir, "short_term/broken.json", `{not json`)

	_, _, err := l.LoadFile(path)
	require.Error(t, err)
}

func TestLoadAll_SkipsBrokenFiles(t *testing.T) {
	dir, l := newTestCorpus(t)
	writeCorpusFile(t, dir, "short_term/broken.json", `{not json`)
	writeCorpusFile(t, dir, "short_term/fine.json", `{"mood": "好"}`)

	docs, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "short_term_fine", docs[0].ID)
}

func TestDocIDFor_DeletedFile(t *testing.T) {
	dir, l := newTestCorpus(t)

	id, ok := l.DocIDFor(filepath.Join(dir, "conversations", "gone.md"))
	require.True(t, ok)
	assert.Equal(t, "conversation_gone", id)

	_, ok = l.DocIDFor(filepath.Join(dir, "unknown", "gone.md"))
	assert.False(t, ok)
}

func TestLoadAll_MissingDirErrors(t *testing.T) {
	l := NewCorpusLoader("/nonexistent/memory", nil)
	_, err := l.LoadAll()
	require.Error(t, err)
}
