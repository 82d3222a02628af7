package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// DocumentRecord 是索引登记表中的一行：记录文档上次被索引时
// 的内容哈希与写入目标，用于增量重建时跳过未变更的文档。
type DocumentRecord struct {
	ID           string    `gorm:"primaryKey;size:128"`
	Kind         string    `gorm:"size:32;index"`
	ContentHash  string    `gorm:"size:64"`
	Destinations string    `gorm:"size:32"`
	IndexedAt    time.Time `gorm:"index"`
}

// TableName 指定表名。
func (DocumentRecord) TableName() string { return "document_records" }

// DestinationList 解析逗号分隔的目标存储列表。
func (r DocumentRecord) DestinationList() []store.Source {
	if r.Destinations == "" {
		return nil
	}
	parts := strings.Split(r.Destinations, ",")
	out := make([]store.Source, 0, len(parts))
	for _, p := range parts {
		out = append(out, store.Source(strings.TrimSpace(p)))
	}
	return out
}

// Registry 是基于 SQLite 的索引登记表。
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenRegistry 打开（必要时创建）登记表数据库并迁移表结构。
func OpenRegistry(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate registry: %w", err)
	}

	logger.Info("index registry opened", zap.String("path", path))
	return &Registry{db: db, logger: logger.With(zap.String("component", "index_registry"))}, nil
}

// Lookup 查询文档记录；不存在时返回 nil, nil。
func (r *Registry) Lookup(id string) (*DocumentRecord, error) {
	var rec DocumentRecord
	if err := r.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry lookup %s: %w", id, err)
	}
	return &rec, nil
}

// Save 写入或更新文档记录。
func (r *Registry) Save(rec DocumentRecord) error {
	if err := r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("registry save %s: %w", rec.ID, err)
	}
	return nil
}

// Remove 删除文档记录。记录不存在时不报错。
func (r *Registry) Remove(id string) error {
	if err := r.db.Delete(&DocumentRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("registry remove %s: %w", id, err)
	}
	return nil
}

// Count 返回登记的文档总数。
func (r *Registry) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&DocumentRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("registry count: %w", err)
	}
	return n, nil
}

// All 返回全部记录，按 ID 排序。
func (r *Registry) All() ([]DocumentRecord, error) {
	var recs []DocumentRecord
	if err := r.db.Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	return recs, nil
}

// contentHash 计算文档内容指纹，覆盖正文与影响路由的元数据。
func contentHash(doc types.Document) string {
	h := sha256.New()
	h.Write([]byte(doc.Kind))
	h.Write([]byte{0})
	h.Write([]byte(doc.Content))
	h.Write([]byte{0})
	h.Write([]byte(doc.Meta(types.MetadataImportance)))
	return hex.EncodeToString(h.Sum(nil))
}

func joinDestinations(dests []store.Source) string {
	parts := make([]string, len(dests))
	for i, d := range dests {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}
