package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const titleMaxRunes = 50

var (
	// ErrNotFound 表示会话不存在、已删除或不属于该用户。
	ErrNotFound = errors.New("conversation: not found")
	// ErrEmptyMessage 表示既无文本也无附件的消息。
	ErrEmptyMessage = errors.New("conversation: message content is empty")
	// ErrInvalidRole 表示不支持的消息角色。
	ErrInvalidRole = errors.New("conversation: invalid message role")
)

// Store 封装会话与消息的持久化。
type Store struct {
	db *gorm.DB
}

// NewStore 使用给定的数据库连接创建存储。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建或更新会话相关表结构。
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("conversation: migrate: %w", err)
	}
	return nil
}

// ResolveOrCreate 返回用户的活跃会话；conversationID 为 0 时新建会话。
func (s *Store) ResolveOrCreate(ctx context.Context, userID, conversationID uint64, tenantID string) (*Conversation, error) {
	if userID == 0 {
		return nil, ErrNotFound
	}
	if conversationID != 0 {
		var conv Conversation
		err := s.db.WithContext(ctx).
			Where("id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
			Take(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("conversation: load %d: %w", conversationID, err)
		}
		return &conv, nil
	}
	return s.Create(ctx, userID, tenantID, "")
}

// Create 新建一个会话，title 为空时留待首条消息自动生成。
func (s *Store) Create(ctx context.Context, userID uint64, tenantID, title string) (*Conversation, error) {
	conv := Conversation{
		UserID:   userID,
		TenantID: optionalString(tenantID),
		Title:    optionalString(title),
		IsActive: true,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("conversation: create: %w", err)
	}
	return &conv, nil
}

// AppendMessage 在一个短事务中写入消息并刷新会话的更新时间。
func (s *Store) AppendMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if in.Role != RoleUser && in.Role != RoleAssistant {
		return nil, ErrInvalidRole
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := Message{
		ConversationID:   in.ConversationID,
		Role:             in.Role,
		Content:          in.Content,
		Attachments:      in.Attachments,
		TokenCount:       in.TokenCount,
		ModelUsed:        optionalString(in.ModelUsed),
		ProcessingTimeMS: in.ProcessingTimeMS,
		ErrorMessage:     optionalString(in.ErrorMessage),
		RAGContexts:      in.RAGContexts,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ?", in.ConversationID).
			Update("updated_at", tx.NowFunc())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&msg).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: append message: %w", err)
	}
	return &msg, nil
}

// ListRecentBefore 返回 beforeMessageID 之前最近的 limit 条消息，按时间正序。
// 过滤条件基于自增 ID，因此当前轮次的消息不会出现在结果中。
func (s *Store) ListRecentBefore(ctx context.Context, conversationID, beforeMessageID uint64, limit int) ([]Message, error) {
	if limit <= 0 || beforeMessageID == 0 {
		return nil, nil
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id < ?", conversationID, beforeMessageID).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: list history: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SetTitleIfUnset 仅在会话尚无标题时写入标题，返回是否写入。
func (s *Store) SetTitleIfUnset(ctx context.Context, conversationID uint64, source string) (bool, error) {
	title := TitleFrom(source)
	if title == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND (title IS NULL OR title = ?)", conversationID, "").
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("conversation: set title: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Rename 由用户显式修改标题。
func (s *Store) Rename(ctx context.Context, userID, conversationID uint64, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("conversation: title is required")
	}
	if len([]rune(title)) > 200 {
		title = string([]rune(title)[:200])
	}
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, fmt.Errorf("conversation: rename: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var conv Conversation
	if err := s.db.WithContext(ctx).Take(&conv, conversationID).Error; err != nil {
		return nil, fmt.Errorf("conversation: reload: %w", err)
	}
	return &conv, nil
}

// SoftDelete 将会话标记为非活跃，记录仍可按 ID 审计。
func (s *Store) SoftDelete(ctx context.Context, userID, conversationID uint64) error {
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("conversation: soft delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List 按最近更新时间列出用户的活跃会话及其消息数。
func (s *Store) List(ctx context.Context, userID uint64, limit, offset int) ([]Summary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var conversations []Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	if len(conversations) == 0 {
		return []Summary{}, nil
	}

	ids := make([]uint64, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ID)
	}
	var counts []struct {
		ConversationID uint64
		Total          int64
	}
	err = s.db.WithContext(ctx).
		Model(&Message{}).
		Select("conversation_id, COUNT(*) AS total").
		Where("conversation_id IN ?", ids).
		Group("conversation_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("conversation: count messages: %w", err)
	}
	byID := make(map[uint64]int64, len(counts))
	for _, row := range counts {
		byID[row.ConversationID] = row.Total
	}

	summaries := make([]Summary, 0, len(conversations))
	for _, conv := range conversations {
		summaries = append(summaries, Summary{Conversation: conv, MessageCount: byID[conv.ID]})
	}
	return summaries, nil
}

// Get 返回会话及其全部消息，包括已软删除的会话。
func (s *Store) Get(ctx context.Context, userID, conversationID uint64) (*Conversation, []Message, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: load %d: %w", conversationID, err)
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, nil, fmt.Errorf("conversation: load messages: %w", err)
	}
	return &conv, messages, nil
}

// TitleFrom 由首条用户消息生成标题，超出 50 个字符时截断并追加省略号。
func TitleFrom(source string) string {
	trimmed := strings.Join(strings.Fields(source), " ")
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= titleMaxRunes {
		return trimmed
	}
	return string(runes[:titleMaxRunes]) + "..."
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
