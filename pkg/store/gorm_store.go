package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"diaryai/pkg/domain"
)

// OpenLocalDB opens the on-device SQLite database shared by the chat store
// and the retry queue. Use ":memory:" for tests.
func OpenLocalDB(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("local db path required")
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
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	return db, nil
}

// GormStore implements ChatStore over GORM + SQLite.
type GormStore struct {
	db    *gorm.DB
	watch *notifier
}

// NewGormStore runs migrations and wires the change notifier.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if err := db.AutoMigrate(&ChatSessionModel{}, &ChatMessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate chat tables: %w", err)
	}
	return &GormStore{db: db, watch: newNotifier()}, nil
}

// CreateSession inserts a new session with zero messages.
func (s *GormStore) CreateSession(ownerID, title, aiModel string) (domain.ChatSession, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.ChatSession{}, domain.ErrNotAuthenticated
	}
	now := time.Now().UTC()
	if strings.TrimSpace(title) == "" {
		title = "Chat " + now.Format("Jan 2, 15:04")
	}
	session := domain.ChatSession{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Title:         strings.TrimSpace(title),
		AIModel:       aiModel,
		MessageCount:  0,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	model := sessionToModel(session)
	if err := s.db.Create(&model).Error; err != nil {
		return domain.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(id string) (domain.ChatSession, bool, error) {
	var model ChatSessionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessions returns an owner's sessions, most recently active first.
func (s *GormStore) ListSessions(ownerID string) ([]domain.ChatSession, error) {
	var models []ChatSessionModel
	if err := s.db.Where("owner_id = ?", ownerID).
		Order("last_message_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, sessionFromModel(m))
	}
	return sessions, nil
}

// DeleteSession removes a session and, first, all its messages.
func (s *GormStore) DeleteSession(id string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChatMessageModel{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ChatSessionModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.watch.notify(id)
	return nil
}

// AppendMessage inserts a sent message and bumps the owning session's
// messageCount and lastMessageAt in the same transaction.
func (s *GormStore) AppendMessage(sessionID, content string, isUser bool) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		IsUser:    isUser,
		Timestamp: time.Now().UTC(),
		Status:    domain.StatusSent,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChatSessionModel{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": msg.Timestamp,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		model := messageToModel(msg)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.watch.notify(sessionID)
	return msg, nil
}

// GetMessage returns one message by ID.
func (s *GormStore) GetMessage(id string) (domain.ChatMessage, bool, error) {
	var model ChatMessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatMessage{}, false, nil
		}
		return domain.ChatMessage{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns a session's messages ascending by timestamp. A
// positive limit keeps only the most recent messages, still in
// chronological order.
func (s *GormStore) ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	query := s.db.Where("session_id = ? AND status <> ?", sessionID, string(domain.StatusStreaming))
	if limit > 0 {
		if err := query.Order("timestamp DESC").Limit(limit).Find(&models).Error; err != nil {
			return nil, err
		}
		msgs := make([]domain.ChatMessage, 0, len(models))
		for i := len(models) - 1; i >= 0; i-- {
			msgs = append(msgs, messageFromModel(models[i]))
		}
		return msgs, nil
	}
	if err := query.Order("timestamp ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// UpdateMessageStatus marks a message failed or restores it to sent.
func (s *GormStore) UpdateMessageStatus(messageID string, status domain.MessageStatus, errMsg string) error {
	if !status.Durable() {
		return fmt.Errorf("%w: status %q is transient", domain.ErrInvalidOperation, status)
	}
	if _, err := domain.ParseMessageStatus(string(status)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOperation, err)
	}
	var model ChatMessageModel
	if err := s.db.First(&model, "id = ?", messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ErrNotFound
		}
		return err
	}
	if err := s.db.Model(&ChatMessageModel{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"status": string(status),
			"error":  errMsg,
		}).Error; err != nil {
		return err
	}
	s.watch.notify(model.SessionID)
	return nil
}

// WatchMessages streams the full current message list on every change.
// Delivery coalesces under a slow reader; the latest list always wins.
func (s *GormStore) WatchMessages(ctx context.Context, sessionID string) (<-chan []domain.ChatMessage, error) {
	out := make(chan []domain.ChatMessage, 1)
	signal, cancel := s.watch.subscribe(sessionID)

	push := func() bool {
		msgs, err := s.ListMessages(sessionID, 0)
		if err != nil {
			return false
		}
		for {
			select {
			case out <- msgs:
				return true
			default:
				// Drop the stale pending list and retry.
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

func sessionToModel(s domain.ChatSession) ChatSessionModel {
	return ChatSessionModel{
		ID:            s.ID,
		OwnerID:       s.OwnerID,
		Title:         s.Title,
		AIModel:       s.AIModel,
		MessageCount:  s.MessageCount,
		CreatedAt:     s.CreatedAt,
		LastMessageAt: s.LastMessageAt,
	}
}

func sessionFromModel(m ChatSessionModel) domain.ChatSession {
	return domain.ChatSession{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Title:         m.Title,
		AIModel:       m.AIModel,
		MessageCount:  m.MessageCount,
		CreatedAt:     m.CreatedAt,
		LastMessageAt: m.LastMessageAt,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Content:   msg.Content,
		IsUser:    msg.IsUser,
		Timestamp: msg.Timestamp,
		Status:    string(msg.Status),
		Error:     msg.Error,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	status, err := domain.ParseMessageStatus(m.Status)
	if err != nil {
		status = domain.StatusSent
	}
	return domain.ChatMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		Content:   m.Content,
		IsUser:    m.IsUser,
		Timestamp: m.Timestamp,
		Status:    status,
		Error:     m.Error,
	}
}
