// watcher 包监听语料库目录的文件变更，防抖后增量重建索引。
//
// 防抖窗口内的事件合并为一个批次，同一文档只处理一次。
// 批次重建串行执行，重建期间到达的事件进入下一个批次。
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/indexer"
	"github.com/BaSui01/memflow/loader"
	"github.com/BaSui01/memflow/types"
)

// Config 配置语料库监听器。
type Config struct {
	// 变更防抖窗口；窗口内每个新事件都会重置计时
	Debounce time.Duration
	// 启动时是否先做一次全量索引
	InitialIndex bool
}

// DefaultConfig 返回默认监听配置。
func DefaultConfig() Config {
	return Config{
		Debounce:     2 * time.Second,
		InitialIndex: true,
	}
}

// BatchSummary 汇总一个防抖批次的处理结果。
type BatchSummary struct {
	BatchID string
	Changed int
	Removed int
	Report  indexer.BatchReport
}

// CorpusWatcher 监听语料库目录并驱动增量重建。
type CorpusWatcher struct {
	loader  *loader.CorpusLoader
	indexer *indexer.HybridIndexer
	cfg     Config
	logger  *zap.Logger

	fsw    *fsnotify.Watcher
	events chan fsnotify.Event

	mu       sync.Mutex
	running  bool
	onBatch  func(BatchSummary)
	stopChan chan struct{}
	doneChan chan struct{}
}

// New 创建语料库监听器。
func New(l *loader.CorpusLoader, ix *indexer.HybridIndexer, cfg Config, logger *zap.Logger) *CorpusWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return &CorpusWatcher{
		loader:  l,
		indexer: ix,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "corpus_watcher")),
	}
}

// OnBatch 注册批次完成回调（诊断与测试用）。
func (w *CorpusWatcher) OnBatch(cb func(BatchSummary)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onBatch = cb
}

// Start 启动监听。阻塞直到 Stop 被调用或 ctx 结束。
func (w *CorpusWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.doneChan = make(chan struct{})
	w.mu.Unlock()
	defer func() {
		close(w.doneChan)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if w.cfg.InitialIndex {
		if _, err := w.RebuildAll(ctx, false); err != nil {
			return fmt.Errorf("initial index: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	w.fsw = fsw
	defer fsw.Close()

	if err := w.addWatchTree(); err != nil {
		return err
	}

	// fsnotify 的事件通道不能被长时间阻塞：
	// 单独的转发 goroutine 把事件排入内部队列，重建期间
	// 到达的事件按路径合并暂存，等待下一个批次。
	w.events = make(chan fsnotify.Event, 256)
	go w.forwardEvents()

	w.logger.Info("corpus watcher started",
		zap.String("dir", w.loader.BaseDir()),
		zap.Duration("debounce", w.cfg.Debounce))

	w.run(ctx)
	return nil
}

// Stop 停止监听并等待运行循环退出。
func (w *CorpusWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.doneChan
	w.mu.Unlock()
	<-done
}

// RebuildAll 全量重建：加载整个语料库并批量索引。
// force 为 true 时忽略内容哈希，重写所有文档。
func (w *CorpusWatcher) RebuildAll(ctx context.Context, force bool) (indexer.BatchReport, error) {
	docs, err := w.loader.LoadAll()
	if err != nil {
		return indexer.BatchReport{}, err
	}
	return w.indexer.IndexBatch(ctx, docs, force), nil
}

func (w *CorpusWatcher) addWatchTree() error {
	base := w.loader.BaseDir()
	if err := w.fsw.Add(base); err != nil {
		return fmt.Errorf("watch %s: %w", base, err)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("read corpus dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.fsw.Add(filepath.Join(base, e.Name())); err != nil {
				w.logger.Warn("failed to watch subdirectory",
					zap.String("dir", e.Name()), zap.Error(err))
			}
		}
	}
	return nil
}

// eventQueue 按路径合并待转发事件：同一路径只保留最近一次操作，
// 先后顺序按首次入队时间保持。最近一次操作即文件的最终状态，
// 所以合并不丢失变更。
type eventQueue struct {
	pending map[string]fsnotify.Event
	order   []string
}

func newEventQueue() *eventQueue {
	return &eventQueue{pending: make(map[string]fsnotify.Event)}
}

func (q *eventQueue) push(ev fsnotify.Event) {
	if _, queued := q.pending[ev.Name]; !queued {
		q.order = append(q.order, ev.Name)
	}
	q.pending[ev.Name] = ev
}

func (q *eventQueue) peek() (fsnotify.Event, bool) {
	if len(q.order) == 0 {
		return fsnotify.Event{}, false
	}
	return q.pending[q.order[0]], true
}

func (q *eventQueue) pop() {
	delete(q.pending, q.order[0])
	q.order = q.order[1:]
}

func (q *eventQueue) len() int { return len(q.order) }

func (w *CorpusWatcher) forwardEvents() {
	queue := newEventQueue()

	for {
		var out chan<- fsnotify.Event
		next, ready := queue.peek()
		if ready {
			out = w.events
		}

		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			queue.push(ev)
		case out <- next:
			queue.pop()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", zap.Error(err))
		case <-w.stopChan:
			return
		}
	}
}

// run 是唯一拥有待处理批次的循环：收事件、防抖、串行重建。
func (w *CorpusWatcher) run(ctx context.Context) {
	changed := map[string]struct{}{}
	removed := map[string]struct{}{}

	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(w.cfg.Debounce)
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return

		case ev := <-w.events:
			if !w.accept(ev, changed, removed) {
				continue
			}
			// 窗口内每个事件都重置计时
			resetTimer()

		case <-timerC:
			timerC = nil
			batchChanged, batchRemoved := changed, removed
			changed = map[string]struct{}{}
			removed = map[string]struct{}{}

			// 同步处理：批次之间绝不交错
			w.processBatch(ctx, batchChanged, batchRemoved)
		}
	}
}

// accept 过滤并归类一个文件系统事件。
func (w *CorpusWatcher) accept(ev fsnotify.Event, changed, removed map[string]struct{}) bool {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// 新建子目录纳入监听
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					zap.String("dir", ev.Name), zap.Error(err))
			}
			return false
		}
		fallthrough
	case ev.Op.Has(fsnotify.Write):
		if _, ok := w.loader.DocIDFor(ev.Name); !ok {
			return false
		}
		delete(removed, ev.Name)
		changed[ev.Name] = struct{}{}
		return true

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if _, ok := w.loader.DocIDFor(ev.Name); !ok {
			return false
		}
		delete(changed, ev.Name)
		removed[ev.Name] = struct{}{}
		return true
	}
	return false
}

// processBatch 处理一个防抖批次：删除在前，变更在后。
func (w *CorpusWatcher) processBatch(ctx context.Context, changed, removed map[string]struct{}) {
	batchID := uuid.NewString()
	log := w.logger.With(zap.String("batch_id", batchID))

	for path := range removed {
		id, ok := w.loader.DocIDFor(path)
		if !ok {
			continue
		}
		if err := w.indexer.DeleteDocument(ctx, id); err != nil {
			log.Warn("failed to remove document", zap.String("doc_id", id), zap.Error(err))
		} else {
			log.Info("document removed", zap.String("doc_id", id))
		}
	}

	docs := make([]types.Document, 0, len(changed))
	for path := range changed {
		doc, ok, err := w.loader.LoadFile(path)
		if err != nil {
			log.Warn("failed to load changed file", zap.String("path", path), zap.Error(err))
			continue
		}
		if ok {
			docs = append(docs, doc)
		}
	}

	var report indexer.BatchReport
	if len(docs) > 0 {
		report = w.indexer.IndexBatch(ctx, docs, false)
	}

	log.Info("rebuild batch done",
		zap.Int("changed", len(changed)),
		zap.Int("removed", len(removed)),
		zap.Int("indexed", report.Indexed),
		zap.Int("failed", report.Failed))

	w.mu.Lock()
	cb := w.onBatch
	w.mu.Unlock()
	if cb != nil {
		cb(BatchSummary{
			BatchID: batchID,
			Changed: len(changed),
			Removed: len(removed),
			Report:  report,
		})
	}
}
