package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultWindow 是滚动窗口的默认长度。
const DefaultWindow = 24 * time.Hour

// ErrQuotaExceeded 表示用户在当前窗口内的用量已达上限。
var ErrQuotaExceeded = errors.New("usage: token quota exceeded")

// Record 每个用户一行，保存当前窗口的累计用量。
type Record struct {
	UserID      uint64    `gorm:"primaryKey;autoIncrement:false"`
	TotalTokens int64     `gorm:"not null;default:0"`
	ResetAt     time.Time `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null"`
}

func (Record) TableName() string {
	return "token_usage"
}

// Snapshot 是对外暴露的用量视图；窗口未开启或已过期时 ResetAt 为空。
type Snapshot struct {
	CurrentUsage int64      `json:"current_usage"`
	ResetAt      *time.Time `json:"reset_at"`
}

// Tracker 以数据库行为单位维护每个用户的滚动窗口计数。
type Tracker struct {
	db     *gorm.DB
	window time.Duration
	limit  int64
	now    func() time.Time
}

// NewTracker limit 为 0 表示只统计不限额。
func NewTracker(db *gorm.DB, window time.Duration, limit int64) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		db:     db,
		window: window,
		limit:  limit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate 创建 token_usage 表。
func (t *Tracker) AutoMigrate(ctx context.Context) error {
	if err := t.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// Increment 累加本轮消耗的 token。
// 窗口过期时先清零并开启新窗口，再累加；整个判断在一条 upsert 中完成，
// 同一用户的并发请求由数据库行级原子性串行化。
func (t *Tracker) Increment(ctx context.Context, userID uint64, tokens int64) (Snapshot, error) {
	if userID == 0 {
		return Snapshot{}, errors.New("usage: user id is required")
	}
	if tokens < 0 {
		tokens = 0
	}
	now := t.now()
	nextReset := now.Add(t.window)
	table := Record{}.TableName()

	upsert := clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		// total_tokens 必须排在 reset_at 之前：MySQL 按顺序求值赋值表达式。
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "total_tokens"},
				Value: gorm.Expr(
					fmt.Sprintf("CASE WHEN %[1]s.reset_at <= ? THEN ? ELSE %[1]s.total_tokens + ? END", table),
					now, tokens, tokens,
				),
			},
			{
				Column: clause.Column{Name: "reset_at"},
				Value: gorm.Expr(
					fmt.Sprintf("CASE WHEN %[1]s.reset_at <= ? THEN ? ELSE %[1]s.reset_at END", table),
					now, nextReset,
				),
			},
			{
				Column: clause.Column{Name: "last_updated"},
				Value:  now,
			},
		},
	}

	var record Record
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := Record{UserID: userID, TotalTokens: tokens, ResetAt: nextReset, LastUpdated: now}
		if err := tx.Clauses(upsert).Create(&fresh).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Take(&record).Error
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: increment user %d: %w", userID, err)
	}
	return t.snapshot(record, now), nil
}

// Get 读取当前用量，窗口过期时即使尚未改写也报告为零。
func (t *Tracker) Get(ctx context.Context, userID uint64) (Snapshot, error) {
	var record Record
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage: get user %d: %w", userID, err)
	}
	return t.snapshot(record, t.now()), nil
}

// Reset 删除用户的计数行，返回此前是否存在。
func (t *Tracker) Reset(ctx context.Context, userID uint64) (bool, error) {
	res := t.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Record{})
	if res.Error != nil {
		return false, fmt.Errorf("usage: reset user %d: %w", userID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CheckQuota 在调用模型前检查额度，未配置上限时总是通过。
func (t *Tracker) CheckQuota(ctx context.Context, userID uint64) (Snapshot, error) {
	snapshot, err := t.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if t.limit > 0 && snapshot.CurrentUsage >= t.limit {
		return snapshot, ErrQuotaExceeded
	}
	return snapshot, nil
}

// Limit 返回每个窗口的额度，0 表示不限。
func (t *Tracker) Limit() int64 {
	return t.limit
}

func (t *Tracker) snapshot(record Record, now time.Time) Snapshot {
	if !now.Before(record.ResetAt) {
		return Snapshot{}
	}
	resetAt := record.ResetAt.UTC()
	return Snapshot{CurrentUsage: record.TotalTokens, ResetAt: &resetAt}
}
