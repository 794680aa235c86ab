package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 报告角色是否为可持久化的取值。
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	DisplayName  string `gorm:"size:64;not null"`
	AvatarURL    string `gorm:"size:512"`
	Preferences  datatypes.JSON
	Active       bool `gorm:"not null"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session 是服务端登记的登录会话，ID 同时作为 JWT 的 jti。
type Session struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    uint      `gorm:"index;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

type Conversation struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    uint   `gorm:"index:idx_conv_user_updated,priority:1;not null"`
	Title     string `gorm:"size:128;not null"`
	Model     string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time      `gorm:"index:idx_conv_user_updated,priority:2"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type Message struct {
	ID             uint           `gorm:"primaryKey"`
	ConversationID string         `gorm:"index:idx_msg_conv_created,priority:1;size:64;not null"`
	Role           Role           `gorm:"size:16;not null"`
	Content        string         `gorm:"type:text;not null"`
	Model          string         `gorm:"size:64"`
	CreatedAt      time.Time      `gorm:"index:idx_msg_conv_created,priority:2"`
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}
