// Package diary provides owner-scoped CRUD over diary entries held in a
// remote document store, with day-bucketed reactive queries. Writes are
// serialized through one store-wide mutex; reads are lock-free and rely on
// the collaborator's snapshot-consistent reads.
package diary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"diaryai/pkg/domain"
)

// DayEntries groups one calendar day's entries, newest entry first.
type DayEntries struct {
	Day     time.Time           `json:"day"`
	Entries []domain.DiaryEntry `json:"entries"`
}

// Adapter is the diary store adapter. All mutations pass through it; each
// one re-initializes the collaborator when it is not ready, and every
// failure comes back as a tagged error rather than a panic or raw cause.
type Adapter struct {
	writeMu sync.Mutex
	docs    DocumentStore
	watch   *ownerNotifier
}

// NewAdapter wraps the given collaborator.
func NewAdapter(docs DocumentStore) *Adapter {
	return &Adapter{docs: docs, watch: newOwnerNotifier()}
}

// Close releases the underlying collaborator.
func (a *Adapter) Close() error {
	return a.docs.Close()
}

func (a *Adapter) ensureOpen(ctx context.Context) error {
	if a.docs.Ready() {
		return nil
	}
	if err := a.docs.Open(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	return nil
}

// Insert stores a new entry for the owner. A missing entry ID is assigned.
func (a *Adapter) Insert(ctx context.Context, ownerID string, entry domain.DiaryEntry) (domain.DiaryEntry, error) {
	if err := checkOwner(ownerID, &entry); err != nil {
		return domain.DiaryEntry{}, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Date.IsZero() {
		entry.Date = now
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return domain.DiaryEntry{}, err
	}
	if err := a.docs.Insert(ctx, entry); err != nil {
		return domain.DiaryEntry{}, wrapRemote(err)
	}
	a.watch.notify(ownerID)
	return entry, nil
}

// Update rewrites an existing entry owned by the caller.
func (a *Adapter) Update(ctx context.Context, ownerID string, entry domain.DiaryEntry) error {
	if err := checkOwner(ownerID, &entry); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("%w: entry id required", domain.ErrInvalidOperation)
	}
	entry.UpdatedAt = time.Now().UTC()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	if err := a.docs.Update(ctx, entry); err != nil {
		return wrapRemote(err)
	}
	a.watch.notify(ownerID)
	return nil
}

// Delete removes one entry owned by the caller.
func (a *Adapter) Delete(ctx context.Context, ownerID, id string) error {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ErrNotAuthenticated
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	if err := a.docs.Delete(ctx, ownerID, id); err != nil {
		return wrapRemote(err)
	}
	a.watch.notify(ownerID)
	return nil
}

// DeleteAll removes every entry of the caller.
func (a *Adapter) DeleteAll(ctx context.Context, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ErrNotAuthenticated
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return err
	}
	if err := a.docs.DeleteAll(ctx, ownerID); err != nil {
		return wrapRemote(err)
	}
	a.watch.notify(ownerID)
	return nil
}

// Entries returns all of the owner's entries, newest date first.
func (a *Adapter) Entries(ctx context.Context, ownerID string) ([]domain.DiaryEntry, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrNotAuthenticated
	}
	if err := a.ensureOpenRead(ctx); err != nil {
		return nil, err
	}
	entries, err := a.docs.ByOwner(ctx, ownerID)
	if err != nil {
		return nil, wrapRemote(err)
	}
	return entries, nil
}

// EntriesByDay buckets the owner's entries by calendar day, newest day
// first.
func (a *Adapter) EntriesByDay(ctx context.Context, ownerID string) ([]DayEntries, error) {
	entries, err := a.Entries(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return groupByDay(entries), nil
}

// EntriesInRange returns the owner's entries with start <= date <= end,
// newest first.
func (a *Adapter) EntriesInRange(ctx context.Context, ownerID string, start, end time.Time) ([]domain.DiaryEntry, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrNotAuthenticated
	}
	if err := a.ensureOpenRead(ctx); err != nil {
		return nil, err
	}
	entries, err := a.docs.InRange(ctx, ownerID, start, end)
	if err != nil {
		return nil, wrapRemote(err)
	}
	return entries, nil
}

// WatchEntries delivers the owner's day-bucketed entries, once on
// subscription and again after every mutation, until ctx ends.
func (a *Adapter) WatchEntries(ctx context.Context, ownerID string) (<-chan []DayEntries, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrNotAuthenticated
	}
	out := make(chan []DayEntries, 1)
	signal, cancel := a.watch.subscribe(ownerID)

	push := func() bool {
		grouped, err := a.EntriesByDay(ctx, ownerID)
		if err != nil {
			return false
		}
		for {
			select {
			case out <- grouped:
				return true
			default:
				select {
				case <-out:
				default:
				}
			}
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		if !push() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				if !push() {
					return
				}
			}
		}
	}()
	return out, nil
}

// ensureOpenRead opens the collaborator if needed without blocking behind
// in-flight writes longer than the open itself requires.
func (a *Adapter) ensureOpenRead(ctx context.Context) error {
	if a.docs.Ready() {
		return nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.ensureOpen(ctx)
}

func checkOwner(ownerID string, entry *domain.DiaryEntry) error {
	if strings.TrimSpace(ownerID) == "" {
		return domain.ErrNotAuthenticated
	}
	if entry.OwnerID != "" && entry.OwnerID != ownerID {
		return fmt.Errorf("%w: entry owner mismatch", domain.ErrInvalidOperation)
	}
	entry.OwnerID = ownerID
	return nil
}

func wrapRemote(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
}

func groupByDay(entries []domain.DiaryEntry) []DayEntries {
	var out []DayEntries
	for _, entry := range entries {
		day := entry.Date.UTC().Truncate(24 * time.Hour)
		if n := len(out); n > 0 && out[n-1].Day.Equal(day) {
			out[n-1].Entries = append(out[n-1].Entries, entry)
			continue
		}
		out = append(out, DayEntries{Day: day, Entries: []domain.DiaryEntry{entry}})
	}
	return out
}

// ownerNotifier fans out per-owner change signals to watch subscriptions.
type ownerNotifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int
}

func newOwnerNotifier() *ownerNotifier {
	return &ownerNotifier{subs: make(map[string]map[int]chan struct{})}
}

func (n *ownerNotifier) subscribe(key string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]chan struct{})
	}
	n.subs[key][id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(n.subs, key)
			}
		}
	}
	return ch, cancel
}

func (n *ownerNotifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
