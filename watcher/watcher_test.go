// 语料库监听与防抖批次测试。
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/indexer"
	"github.com/BaSui01/memflow/loader"
	"github.com/BaSui01/memflow/rag"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

type watcherFixture struct {
	dir     string
	watcher *CorpusWatcher
	indexer *indexer.HybridIndexer
	graph   *store.GraphStore
	vector  *store.MemoryVectorStore
	batches chan BatchSummary
	cancel  context.CancelFunc
}

func newWatcherFixture(t *testing.T, cfg Config) *watcherFixture {
	t.Helper()

	dir := t.TempDir()
	for _, sub := range []string{"long_term", "conversations", "relationships"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	registry, err := indexer.OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)

	graph := store.NewGraphStore(nil)
	vector := store.NewMemoryVectorStore(store.NewLocalEmbedder(64), nil)
	ix := indexer.NewHybridIndexer(rag.NewDocumentRouter(), graph, vector, registry, nil, nil)

	l := loader.NewCorpusLoader(dir, nil)
	w := New(l, ix, cfg, nil)

	f := &watcherFixture{
		dir:     dir,
		watcher: w,
		indexer: ix,
		graph:   graph,
		vector:  vector,
		batches: make(chan BatchSummary, 16),
	}
	w.OnBatch(func(s BatchSummary) { f.batches <- s })
	return f
}

func (f *watcherFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	started := make(chan error, 1)
	go func() { started <- f.watcher.Start(ctx) }()
	t.Cleanup(func() {
		f.watcher.Stop()
		cancel()
		select {
		case err := <-started:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("watcher did not stop")
		}
	})
	// 给 fsnotify 注册留一点时间
	time.Sleep(100 * time.Millisecond)
}

func (f *watcherFixture) awaitBatch(t *testing.T) BatchSummary {
	t.Helper()
	select {
	case s := <-f.batches:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no batch arrived")
		return BatchSummary{}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_DebounceCoalescesEvents(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: 200 * time.Millisecond})
	f.start(t)

	path := filepath.Join(f.dir, "conversations", "chat.md")

	// 防抖窗口内同一文档的多次写入合并为一个批次
	writeFile(t, path, "第一版")
	time.Sleep(30 * time.Millisecond)
	writeFile(t, path, "第二版")
	time.Sleep(30 * time.Millisecond)
	writeFile(t, path, "第三版")

	batch := f.awaitBatch(t)
	assert.Equal(t, 1, batch.Changed)
	assert.Equal(t, 1, batch.Report.Indexed)
	assert.NotEmpty(t, batch.BatchID)

	vc, _ := f.vector.Count(context.Background())
	assert.Equal(t, 1, vc)
}

func TestWatcher_DeletionRemovesFromIndex(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: 150 * time.Millisecond})
	f.start(t)
	ctx := context.Background()

	path := filepath.Join(f.dir, "conversations", "bye.md")
	writeFile(t, path, "将被删除的对话")
	f.awaitBatch(t)

	vc, _ := f.vector.Count(ctx)
	require.Equal(t, 1, vc)

	require.NoError(t, os.Remove(path))
	batch := f.awaitBatch(t)
	assert.Equal(t, 1, batch.Removed)

	vc, _ = f.vector.Count(ctx)
	assert.Equal(t, 0, vc)
}

func TestWatcher_IgnoresNonCorpusFiles(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: 150 * time.Millisecond})
	f.start(t)

	writeFile(t, filepath.Join(f.dir, "conversations", "_template.md"), "模板")
	writeFile(t, filepath.Join(f.dir, "stray.txt"), "杂项")

	select {
	case s := <-f.batches:
		t.Fatalf("unexpected batch: %+v", s)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_InitialIndexRunsBeforeWatching(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: 150 * time.Millisecond, InitialIndex: true})

	writeFile(t, filepath.Join(f.dir, "long_term", "personality.json"), `{"traits": "内向"}`)
	writeFile(t, filepath.Join(f.dir, "conversations", "old.md"), "旧对话")

	f.start(t)

	gc, _ := f.graph.Count(context.Background())
	vc, _ := f.vector.Count(context.Background())
	assert.Equal(t, 1, gc)
	assert.Equal(t, 1, vc)
}

func TestWatcher_RebuildAll(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: time.Second})
	ctx := context.Background()

	writeFile(t, filepath.Join(f.dir, "conversations", "a.md"), "对话 A")
	writeFile(t, filepath.Join(f.dir, "conversations", "b.md"), "对话 B")

	report, err := f.watcher.RebuildAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)

	// 未变更时第二次重建全部跳过
	report, err = f.watcher.RebuildAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Indexed)
	assert.Equal(t, 2, report.Skipped)

	// 强制重建重写全部文档
	report, err = f.watcher.RebuildAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	f := newWatcherFixture(t, Config{Debounce: 150 * time.Millisecond})
	f.start(t)

	f.watcher.Stop()
	f.watcher.Stop()
}

// gatedStore 包装向量存储，Ingest 先通知再阻塞到 release 关闭。
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Ingest(ctx context.Context, doc types.Document) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.Ingest(ctx, doc)
}

func awaitSummary(t *testing.T, ch chan BatchSummary) BatchSummary {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no batch arrived")
		return BatchSummary{}
	}
}

func TestWatcher_EventsDuringRebuildGoToNextBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conversations"), 0o755))

	registry, err := indexer.OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)

	vector := &gatedStore{
		Store:   store.NewMemoryVectorStore(store.NewLocalEmbedder(64), nil),
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	ix := indexer.NewHybridIndexer(rag.NewDocumentRouter(), store.NewGraphStore(nil), vector, registry, nil, nil)
	w := New(loader.NewCorpusLoader(dir, nil), ix, Config{Debounce: 150 * time.Millisecond}, nil)

	batches := make(chan BatchSummary, 4)
	w.OnBatch(func(s BatchSummary) { batches <- s })

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()
	t.Cleanup(func() {
		w.Stop()
		cancel()
		select {
		case err := <-started:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("watcher did not stop")
		}
	})
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "conversations", "first.md"), "第一个对话")

	// 等待批次重建真正进入存储写入
	select {
	case <-vector.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not start")
	}

	// 重建执行期间到达的变更不丢失，进入下一个批次
	writeFile(t, filepath.Join(dir, "conversations", "second.md"), "第二个对话")
	time.Sleep(100 * time.Millisecond)
	close(vector.release)

	first := awaitSummary(t, batches)
	assert.Equal(t, 1, first.Changed)
	assert.Equal(t, 1, first.Report.Indexed)

	second := awaitSummary(t, batches)
	assert.Equal(t, 1, second.Changed)
	assert.Equal(t, 1, second.Report.Indexed)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	vc, _ := vector.Count(context.Background())
	assert.Equal(t, 2, vc)
}

func TestEventQueue_CoalescesByPath(t *testing.T) {
	q := newEventQueue()
	q.push(fsnotify.Event{Name: "a.md", Op: fsnotify.Create})
	q.push(fsnotify.Event{Name: "b.md", Op: fsnotify.Write})
	q.push(fsnotify.Event{Name: "a.md", Op: fsnotify.Remove})

	assert.Equal(t, 2, q.len())

	// 同一路径只保留最近一次操作，顺序按首次入队
	ev, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, "a.md", ev.Name)
	assert.True(t, ev.Op.Has(fsnotify.Remove))
	q.pop()

	ev, ok = q.peek()
	require.True(t, ok)
	assert.Equal(t, "b.md", ev.Name)
	q.pop()

	_, ok = q.peek()
	assert.False(t, ok)
}

func TestEventQueue_BurstsAreNotDropped(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 10000; i++ {
		q.push(fsnotify.Event{Name: fmt.Sprintf("doc_%d.md", i%100), Op: fsnotify.Write})
	}
	// 突发事件按路径合并，每个路径都保留最终状态
	assert.Equal(t, 100, q.len())
	seen := 0
	for {
		if _, ok := q.peek(); !ok {
			break
		}
		q.pop()
		seen++
	}
	assert.Equal(t, 100, seen)
}
