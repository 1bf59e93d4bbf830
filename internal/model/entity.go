package model

import (
	"time"
)

// User account owning chat and whiteboard activity
type User struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email      string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Nickname   string    `gorm:"type:varchar(100);not null" json:"nickname"`
	ProfileImg *string   `gorm:"type:text" json:"profile_img,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// Chat is one direct-message thread or channel. The whiteboard core keys
// its sessions on (type, external_id); rows here record the chats known
// to the rest of the application.
type Chat struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_chats_type_ext" json:"external_id"`
	Type       string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_chats_type_ext" json:"type"` // DM, CHANNEL
	Name       string    `gorm:"type:varchar(200)" json:"name"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Logs []ChatLog `gorm:"foreignKey:ChatID" json:"logs,omitempty"`
}

func (Chat) TableName() string {
	return "chats"
}

// ChatLog is one persisted chat entry. Saved whiteboard snapshots land
// here as SNAPSHOT entries with the encoded image in Content.
type ChatLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    int64     `gorm:"not null;index:idx_chat_logs_chat_created" json:"chat_id"`
	SenderID  *int64    `json:"sender_id,omitempty"`
	Type      string    `gorm:"type:varchar(20);not null;default:'TEXT'" json:"type"` // TEXT, SNAPSHOT
	Content   *string   `gorm:"type:text" json:"content,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_chat_logs_chat_created" json:"created_at"`

	// Relations
	Chat   Chat  `gorm:"foreignKey:ChatID" json:"chat,omitempty"`
	Sender *User `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
}

func (ChatLog) TableName() string {
	return "chat_logs"
}
