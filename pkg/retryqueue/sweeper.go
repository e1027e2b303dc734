package retryqueue

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"diaryai/pkg/domain"
	"diaryai/pkg/storage"
)

// Sweeper replays the pending journals against the object store. It runs
// once at process startup: confirmed transfers are removed, transient
// failures stay queued for the next start, and uploads whose source file no
// longer exists are dropped to avoid an infinite retry loop.
type Sweeper struct {
	queue       *Queue
	objects     storage.ObjectStore
	concurrency int
}

// NewSweeper wires the journals to the object store. Concurrency below one
// defaults to four parallel transfers.
func NewSweeper(queue *Queue, objects storage.ObjectStore, concurrency int) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{queue: queue, objects: objects, concurrency: concurrency}
}

// Sweep replays both journals. It returns an error only when the journals
// themselves cannot be read; individual transfer failures are logged and
// leave their rows in place.
func (s *Sweeper) Sweep(ctx context.Context) error {
	uploads, err := s.queue.PendingUploads(ctx)
	if err != nil {
		return fmt.Errorf("list pending uploads: %w", err)
	}
	deletes, err := s.queue.PendingDeletes(ctx)
	if err != nil {
		return fmt.Errorf("list pending deletes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, row := range uploads {
		g.Go(func() error {
			s.replayUpload(gctx, row)
			return nil
		})
	}
	for _, row := range deletes {
		g.Go(func() error {
			s.replayDelete(gctx, row)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) replayUpload(ctx context.Context, row domain.PendingUpload) {
	src, size, err := openSource(row.SourceURI)
	if err != nil {
		// The source is gone; retrying can never succeed.
		slog.Warn("dropping upload with missing source", "remote_path", row.RemotePath, "err", err)
		if err := s.queue.RemoveUpload(ctx, row.ID); err != nil {
			slog.Error("remove dead upload row", "id", row.ID, "err", err)
		}
		return
	}
	defer src.Close()

	contentType := mime.TypeByExtension(filepath.Ext(row.RemotePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if resumable, ok := s.objects.(storage.ResumableUploader); ok {
		token, err := resumable.PutResumable(ctx, row.RemotePath, src, size, contentType, row.ResumeToken)
		if err != nil {
			slog.Warn("upload replay failed", "remote_path", row.RemotePath, "err", err)
			if token != "" && token != row.ResumeToken {
				if err := s.queue.UpdateResumeToken(ctx, row.ID, token); err != nil {
					slog.Error("persist resume token", "id", row.ID, "err", err)
				}
			}
			return
		}
	} else if err := s.objects.Put(ctx, row.RemotePath, src, size, contentType); err != nil {
		slog.Warn("upload replay failed", "remote_path", row.RemotePath, "err", err)
		return
	}

	if err := s.queue.RemoveUpload(ctx, row.ID); err != nil {
		slog.Error("remove confirmed upload row", "id", row.ID, "err", err)
	}
}

func (s *Sweeper) replayDelete(ctx context.Context, row domain.PendingDelete) {
	exists, err := s.objects.Exists(ctx, row.RemotePath)
	if err == nil && !exists {
		// Already gone remotely; the journal entry is satisfied.
		if err := s.queue.RemoveDelete(ctx, row.ID); err != nil {
			slog.Error("remove satisfied delete row", "id", row.ID, "err", err)
		}
		return
	}
	if err := s.objects.Delete(ctx, row.RemotePath); err != nil {
		slog.Warn("delete replay failed", "remote_path", row.RemotePath, "err", err)
		return
	}
	if err := s.queue.RemoveDelete(ctx, row.ID); err != nil {
		slog.Error("remove confirmed delete row", "id", row.ID, "err", err)
	}
}

func openSource(uri string) (*os.File, int64, error) {
	path := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
