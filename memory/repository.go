package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("memory: entry not found")
	ErrEmptyContent = errors.New("memory: content is empty")
)

// Repository 读写 user_memories，读取近期记忆时优先走缓存。
type Repository struct {
	db    *gorm.DB
	cache *RecentCache
}

// NewRepository cache 可以为 nil。
func NewRepository(db *gorm.DB, cache *RecentCache) *Repository {
	return &Repository{db: db, cache: cache}
}

func (r *Repository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}
	return nil
}

// Recent 返回最近 limit 条有效记忆，按时间正序排列。
func (r *Repository) Recent(ctx context.Context, userID uint64, limit int) ([]Entry, error) {
	if userID == 0 || limit <= 0 {
		return nil, nil
	}
	if cached, err := r.cache.get(ctx, userID, limit); err == nil {
		return cached, nil
	}

	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("memory: load recent for user %d: %w", userID, err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	r.cache.store(ctx, userID, limit, entries)
	return entries, nil
}

// Create 写入一条记忆并让该用户的缓存失效。
func (r *Repository) Create(ctx context.Context, in NewEntry) (*Entry, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if in.UserID == 0 {
		return nil, errors.New("memory: user id is required")
	}

	entry := Entry{
		UserID:   in.UserID,
		Content:  content,
		Source:   strings.TrimSpace(in.Source),
		IsActive: true,
	}
	if entry.Source == "" {
		entry.Source = "manual"
	}
	if title := strings.TrimSpace(in.Title); title != "" {
		entry.Title = &title
	}
	if in.ConversationID != 0 {
		convID := in.ConversationID
		entry.ConversationID = &convID
	}
	if len(in.Tags) > 0 {
		raw, err := json.Marshal(in.Tags)
		if err != nil {
			return nil, fmt.Errorf("memory: encode tags: %w", err)
		}
		entry.Tags = datatypes.JSON(raw)
	}

	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("memory: create for user %d: %w", in.UserID, err)
	}
	r.cache.invalidate(ctx, in.UserID)
	return &entry, nil
}

// List 按创建顺序倒序分页返回有效记忆。
func (r *Repository) List(ctx context.Context, userID uint64, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	entries := make([]Entry, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("memory: list for user %d: %w", userID, err)
	}
	return entries, nil
}

// Deactivate 软删除一条记忆。
func (r *Repository) Deactivate(ctx context.Context, userID, entryID uint64) error {
	res := r.db.WithContext(ctx).
		Model(&Entry{}).
		Where("id = ? AND user_id = ? AND is_active = ?", entryID, userID, true).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("memory: deactivate %d: %w", entryID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	r.cache.invalidate(ctx, userID)
	return nil
}
