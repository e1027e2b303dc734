package diary

import (
	"context"
	"time"

	"diaryai/pkg/domain"
)

// DocumentStore is the remote document-store collaborator holding diary
// entries. It is an explicitly constructed, owned resource with an explicit
// lifecycle; the adapter re-opens it before mutating when it reports
// not-ready. Implementations must provide snapshot-consistent reads so
// lock-free readers can race an in-flight write safely.
type DocumentStore interface {
	Open(ctx context.Context) error
	Close() error
	Ready() bool

	Insert(ctx context.Context, entry domain.DiaryEntry) error
	Update(ctx context.Context, entry domain.DiaryEntry) error
	Delete(ctx context.Context, ownerID, id string) error
	DeleteAll(ctx context.Context, ownerID string) error

	// ByOwner returns all of an owner's entries, newest date first.
	ByOwner(ctx context.Context, ownerID string) ([]domain.DiaryEntry, error)
	// InRange returns an owner's entries with start <= date <= end,
	// newest date first.
	InRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.DiaryEntry, error)
}
