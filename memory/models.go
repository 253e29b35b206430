package memory

import (
	"time"

	"gorm.io/datatypes"
)

// SourceAutoExtraction 标记由无限制模式回复自动沉淀的记忆。
const SourceAutoExtraction = "auto_extraction"

// Entry 是一条用户长期记忆。
type Entry struct {
	ID             uint64         `gorm:"primaryKey" json:"id"`
	UserID         uint64         `gorm:"not null;index:idx_memory_user_active" json:"user_id"`
	Title          *string        `gorm:"size:200" json:"title,omitempty"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	ConversationID *uint64        `gorm:"index" json:"conversation_id,omitempty"`
	Source         string         `gorm:"size:50;not null;default:manual" json:"source"`
	Tags           datatypes.JSON `json:"tags,omitempty"`
	IsActive       bool           `gorm:"not null;default:true;index:idx_memory_user_active" json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Entry) TableName() string {
	return "user_memories"
}

// NewEntry 是写入记忆时的输入。
type NewEntry struct {
	UserID         uint64   `json:"user_id"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	ConversationID uint64   `json:"conversation_id"`
	Source         string   `json:"source"`
	Tags           []string `json:"tags"`
}
