package diary

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"diaryai/pkg/domain"
)

type diaryEntryModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"not null;index"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Mood        string `gorm:"not null"`
	Images      datatypes.JSON
	Date        time.Time `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (diaryEntryModel) TableName() string { return "diary_entries" }

// GormDocumentStore implements DocumentStore over GORM + Postgres.
type GormDocumentStore struct {
	dsn string

	mu sync.RWMutex
	db *gorm.DB
}

// NewGormDocumentStore prepares a store for the given DSN. The connection
// is not established until Open.
func NewGormDocumentStore(dsn string) *GormDocumentStore {
	return &GormDocumentStore{dsn: dsn}
}

// Open connects and runs migrations. Calling Open on an open store is a
// no-op.
func (s *GormDocumentStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&diaryEntryModel{}); err != nil {
		return fmt.Errorf("auto migrate diary entries: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the connection pool.
func (s *GormDocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ready reports whether a connection is established.
func (s *GormDocumentStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *GormDocumentStore) conn() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("document store not open")
	}
	return s.db, nil
}

// Insert stores a new entry.
func (s *GormDocumentStore) Insert(ctx context.Context, entry domain.DiaryEntry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	model, err := entryToModel(entry)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Create(&model).Error
}

// Update rewrites an existing entry, owner-scoped.
func (s *GormDocumentStore) Update(ctx context.Context, entry domain.DiaryEntry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	model, err := entryToModel(entry)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).Model(&diaryEntryModel{}).
		Where("id = ? AND owner_id = ?", entry.ID, entry.OwnerID).
		Updates(map[string]any{
			"title":       model.Title,
			"description": model.Description,
			"mood":        model.Mood,
			"images":      model.Images,
			"date":        model.Date,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes one entry, owner-scoped.
func (s *GormDocumentStore) Delete(ctx context.Context, ownerID, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).Delete(&diaryEntryModel{}, "id = ? AND owner_id = ?", id, ownerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteAll removes every entry of one owner.
func (s *GormDocumentStore) DeleteAll(ctx context.Context, ownerID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Delete(&diaryEntryModel{}, "owner_id = ?", ownerID).Error
}

// ByOwner returns all entries of one owner, newest date first.
func (s *GormDocumentStore) ByOwner(ctx context.Context, ownerID string) ([]domain.DiaryEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var models []diaryEntryModel
	if err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return entriesFromModels(models), nil
}

// InRange returns entries within the inclusive date range, newest first.
func (s *GormDocumentStore) InRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.DiaryEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var models []diaryEntryModel
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND date >= ? AND date <= ?", ownerID, start.UTC(), end.UTC()).
		Order("date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return entriesFromModels(models), nil
}

func entryToModel(e domain.DiaryEntry) (diaryEntryModel, error) {
	images := e.Images
	if images == nil {
		images = []string{}
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return diaryEntryModel{}, fmt.Errorf("encode images: %w", err)
	}
	return diaryEntryModel{
		ID:          e.ID,
		OwnerID:     e.OwnerID,
		Title:       e.Title,
		Description: e.Description,
		Mood:        string(e.Mood),
		Images:      datatypes.JSON(raw),
		Date:        e.Date.UTC(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}, nil
}

func entryFromModel(m diaryEntryModel) domain.DiaryEntry {
	var images []string
	if len(m.Images) > 0 {
		_ = json.Unmarshal(m.Images, &images)
	}
	return domain.DiaryEntry{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Title:       m.Title,
		Description: m.Description,
		Mood:        domain.ParseMood(m.Mood),
		Images:      images,
		Date:        m.Date,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func entriesFromModels(models []diaryEntryModel) []domain.DiaryEntry {
	entries := make([]domain.DiaryEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, entryFromModel(m))
	}
	return entries
}
