// Package gormstore implements store.Store on a relational database through
// gorm. Documents live in a single table keyed by (index, id) with the
// source kept as a JSON column.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
	"yqhp/ml-orchestrator/internal/store"
)

var _ store.Store = (*Store)(nil)

// documentRecord is the row layout of the documents table.
type documentRecord struct {
	IndexName string    `gorm:"column:index_name;primaryKey;size:64"`
	DocID     string    `gorm:"column:doc_id;primaryKey;size:128"`
	Source    string    `gorm:"column:source;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (documentRecord) TableName() string { return "ml_documents" }

// Store is a gorm-backed document store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an open gorm connection and migrates the documents table.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&documentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w", err)
	}
	return &Store{db: db, logger: logger.Or(log, "store.gorm")}, nil
}

// Open 根据驱动名初始化数据库连接
func Open(driver string, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	log = logger.Or(log, "store.gorm")
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newZapLogger(log, cfg.LogLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return New(db, log)
}

// Put creates or replaces a document.
func (s *Store) Put(ctx context.Context, index, id string, source map[string]any) error {
	raw, err := encodeSource(source)
	if err != nil {
		return err
	}
	rec := documentRecord{IndexName: index, DocID: id, Source: raw, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "index_name"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", index, id, err)
	}
	return nil
}

// Get returns a document.
func (s *Store) Get(ctx context.Context, index, id string) (*store.Document, error) {
	var rec documentRecord
	err := s.db.WithContext(ctx).
		Where("index_name = ? AND doc_id = ?", index, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	return recordToDocument(&rec)
}

// Update merges fields into an existing document inside a row-locking
// transaction.
func (s *Store) Update(ctx context.Context, index, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec documentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("index_name = ? AND doc_id = ?", index, id).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", index, id, err)
		}

		doc, err := recordToDocument(&rec)
		if err != nil {
			return err
		}
		for k, v := range fields {
			doc.Source[k] = v
		}
		raw, err := encodeSource(doc.Source)
		if err != nil {
			return err
		}
		return tx.Model(&documentRecord{}).
			Where("index_name = ? AND doc_id = ?", index, id).
			Updates(map[string]any{"source": raw, "updated_at": time.Now()}).Error
	})
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, index, id string) error {
	res := s.db.WithContext(ctx).
		Where("index_name = ? AND doc_id = ?", index, id).
		Delete(&documentRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete %s/%s: %w", index, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Query loads the index and filters in process; sources are opaque JSON.
func (s *Store) Query(ctx context.Context, index string, q store.Query) ([]*store.Document, error) {
	var recs []documentRecord
	if err := s.db.WithContext(ctx).Where("index_name = ?", index).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}

	docs := make([]*store.Document, 0, len(recs))
	for i := range recs {
		doc, err := recordToDocument(&recs[i])
		if err != nil {
			s.logger.Warn("skip undecodable document", zap.String("index", index), zap.String("id", recs[i].DocID), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return store.Run(docs, q), nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encodeSource(src map[string]any) (string, error) {
	raw, err := sonic.ConfigStd.MarshalToString(src)
	if err != nil {
		return "", fmt.Errorf("encode source: %w", err)
	}
	return raw, nil
}

func recordToDocument(rec *documentRecord) (*store.Document, error) {
	src := make(map[string]any)
	if err := sonic.ConfigStd.UnmarshalFromString(rec.Source, &src); err != nil {
		return nil, fmt.Errorf("decode source %s/%s: %w", rec.IndexName, rec.DocID, err)
	}
	return &store.Document{ID: rec.DocID, Source: src}, nil
}
