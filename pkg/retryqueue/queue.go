// Package retryqueue records image transfers that have not yet been
// confirmed by the remote object store. Rows survive process death and are
// replayed by the sweeper at startup; a row is removed only after the caller
// decides the operation is finished, whether it succeeded or is permanently
// unrecoverable.
package retryqueue

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"diaryai/pkg/domain"
)

type uploadModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	RemotePath  string `gorm:"uniqueIndex;not null"`
	SourceURI   string `gorm:"not null"`
	ResumeToken string
}

func (uploadModel) TableName() string { return "image_to_upload" }

type deleteModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	RemotePath string `gorm:"uniqueIndex;not null"`
}

func (deleteModel) TableName() string { return "image_to_delete" }

// Queue is the durable retry journal for image uploads and deletes. The two
// journals are independent; operations never lock across them.
type Queue struct {
	db *gorm.DB
}

// New runs migrations for the journal tables on the shared local database.
func New(db *gorm.DB) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if err := db.AutoMigrate(&uploadModel{}, &deleteModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate retry tables: %w", err)
	}
	return &Queue{db: db}, nil
}

// EnqueueUpload records a pending upload. Re-enqueueing the same remote path
// replaces the prior row (last writer wins) instead of duplicating it.
func (q *Queue) EnqueueUpload(ctx context.Context, remotePath, sourceURI, resumeToken string) error {
	remotePath = strings.TrimSpace(remotePath)
	if remotePath == "" {
		return fmt.Errorf("%w: remote path required", domain.ErrInvalidOperation)
	}
	if strings.TrimSpace(sourceURI) == "" {
		return fmt.Errorf("%w: source uri required", domain.ErrInvalidOperation)
	}
	model := uploadModel{RemotePath: remotePath, SourceURI: sourceURI, ResumeToken: resumeToken}
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_uri", "resume_token"}),
	}).Create(&model).Error
}

// EnqueueDelete records a pending remote deletion, last writer wins by path.
func (q *Queue) EnqueueDelete(ctx context.Context, remotePath string) error {
	remotePath = strings.TrimSpace(remotePath)
	if remotePath == "" {
		return fmt.Errorf("%w: remote path required", domain.ErrInvalidOperation)
	}
	model := deleteModel{RemotePath: remotePath}
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_path"}},
		DoNothing: true,
	}).Create(&model).Error
}

// PendingUploads returns all upload rows ascending by insertion order.
func (q *Queue) PendingUploads(ctx context.Context) ([]domain.PendingUpload, error) {
	var models []uploadModel
	if err := q.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	rows := make([]domain.PendingUpload, 0, len(models))
	for _, m := range models {
		rows = append(rows, domain.PendingUpload{
			ID:          m.ID,
			RemotePath:  m.RemotePath,
			SourceURI:   m.SourceURI,
			ResumeToken: m.ResumeToken,
		})
	}
	return rows, nil
}

// PendingDeletes returns all delete rows ascending by insertion order.
func (q *Queue) PendingDeletes(ctx context.Context) ([]domain.PendingDelete, error) {
	var models []deleteModel
	if err := q.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	rows := make([]domain.PendingDelete, 0, len(models))
	for _, m := range models {
		rows = append(rows, domain.PendingDelete{ID: m.ID, RemotePath: m.RemotePath})
	}
	return rows, nil
}

// RemoveUpload deletes an upload row once the transfer is confirmed done.
// Removing an already-removed row is a no-op.
func (q *Queue) RemoveUpload(ctx context.Context, id int64) error {
	return q.db.WithContext(ctx).Delete(&uploadModel{}, "id = ?", id).Error
}

// RemoveDelete deletes a delete row once the remote store confirms.
func (q *Queue) RemoveDelete(ctx context.Context, id int64) error {
	return q.db.WithContext(ctx).Delete(&deleteModel{}, "id = ?", id).Error
}

// UpdateResumeToken persists a fresh resume handle after a partial upload.
func (q *Queue) UpdateResumeToken(ctx context.Context, id int64, token string) error {
	return q.db.WithContext(ctx).Model(&uploadModel{}).
		Where("id = ?", id).
		Update("resume_token", token).Error
}
