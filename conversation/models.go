package conversation

import (
	"time"

	"gorm.io/datatypes"
)

// Role 取值 user 或 assistant。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation 会话记录，只属于一个用户；IsActive 为 false 表示软删除。
type Conversation struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"not null;index:idx_conversation_user_active" json:"user_id"`
	TenantID  *string   `gorm:"size:100;index" json:"tenant_id,omitempty"`
	Title     *string   `gorm:"size:200" json:"title"`
	IsActive  bool      `gorm:"not null;default:true;index:idx_conversation_user_active" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 的 ID 自增，是会话内唯一可靠的先后顺序。
type Message struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	ConversationID   uint64         `gorm:"not null;index:idx_message_conversation" json:"conversation_id"`
	Role             Role           `gorm:"size:20;not null" json:"role"`
	Content          string         `gorm:"type:text;not null" json:"content"`
	Attachments      datatypes.JSON `json:"attachments,omitempty"`
	TokenCount       *int           `json:"token_count,omitempty"`
	ModelUsed        *string        `gorm:"size:100" json:"model_used,omitempty"`
	ProcessingTimeMS *int64         `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string        `gorm:"type:text" json:"error_message,omitempty"`
	RAGContexts      datatypes.JSON `gorm:"column:rag_contexts" json:"rag_contexts,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// NewMessage 是追加消息时的输入。
type NewMessage struct {
	ConversationID   uint64
	Role             Role
	Content          string
	Attachments      datatypes.JSON
	TokenCount       *int
	ModelUsed        string
	ProcessingTimeMS *int64
	ErrorMessage     string
	RAGContexts      datatypes.JSON
}

// Summary 是会话列表中的一项。
type Summary struct {
	Conversation
	MessageCount int64 `json:"message_count"`
}
