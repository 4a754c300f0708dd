// Package gormstore persists conversation checkpoints in a SQL database
// through GORM. SQLite and Postgres are supported; each thread is one row
// holding the JSON encoded transcript.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"goa.design/agentchat/runtime/chat/checkpoint"
	"goa.design/agentchat/runtime/chat/message"
)

// Store implements checkpoint.Store on a GORM database.
type Store struct {
	db *gorm.DB
}

type checkpointRow struct {
	ThreadID     string    `gorm:"primaryKey;size:191"`
	MessagesJSON string    `gorm:"type:text;not null"`
	MessageCount int       `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string {
	return "chat_checkpoints"
}

var _ checkpoint.Store = (*Store)(nil)

// Open connects to the database identified by driver ("sqlite" or
// "postgres") and dsn, and migrates the schema. An empty sqlite dsn selects
// "agentchat.db".
func Open(driver, dsn string) (*Store, error) {
	db, err := openGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return New(db)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, threadID string, messages []message.Message) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	if messages == nil {
		messages = []message.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	row := checkpointRow{
		ThreadID:     threadID,
		MessagesJSON: string(raw),
		MessageCount: len(messages),
		UpdatedAt:    time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"messages_json", "message_count", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, threadID string) ([]message.Message, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	var row checkpointRow
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var msgs []message.Message
	if err := json.Unmarshal([]byte(row.MessagesJSON), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return msgs, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&checkpointRow{}).Error; err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Threads lists saved thread ids, most recently updated first.
func (s *Store) Threads(ctx context.Context, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&checkpointRow{}).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("thread_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "agentchat.db"
		}
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path := dsn
	if strings.EqualFold(path, ":memory:") || strings.Contains(strings.ToLower(path), "mode=memory") {
		return nil
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}
