package store

import "time"

// GORM models used for local persistence. Table names follow the on-device
// schema so existing databases keep working.
type ChatSessionModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index"`
	Title         string `gorm:"not null"`
	AIModel       string
	MessageCount  int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	LastMessageAt time.Time `gorm:"not null;index"`
}

func (ChatSessionModel) TableName() string { return "chat_sessions" }

type ChatMessageModel struct {
	ID        string            `gorm:"primaryKey"`
	SessionID string            `gorm:"not null;index"`
	Session   *ChatSessionModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Content   string            `gorm:"not null"`
	IsUser    bool              `gorm:"not null"`
	Timestamp time.Time         `gorm:"not null;index"`
	Status    string            `gorm:"not null"`
	Error     string
}

func (ChatMessageModel) TableName() string { return "chat_messages" }
