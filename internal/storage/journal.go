package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpsmartproxy/internal/ctxkeys"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/session"
)

// SessionEvent 会话生命周期记录表
type SessionEvent struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"size:16;index"`
	TokenHint string    `gorm:"size:16"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// Journal 基于 SQLite 的会话日志
type Journal struct {
	db *gorm.DB
}

// Open 打开（必要时创建）会话日志库
func Open(dsn, prefix string, l logger.Logger) (*Journal, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return nil, fmt.Errorf("migrate session events: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record 写入一条会话记录，令牌只保留前缀
func (j *Journal) Record(ctx context.Context, r session.Record) error {
	detail := "{}"
	var err error
	if r.Reason != "" {
		if detail, err = sjson.Set(detail, "reason", r.Reason); err != nil {
			return err
		}
	}
	if r.Status != 0 {
		if detail, err = sjson.Set(detail, "status", r.Status); err != nil {
			return err
		}
	}
	if id := ctxkeys.TraceID(ctx); id != "" {
		if detail, err = sjson.Set(detail, "traceId", id); err != nil {
			return err
		}
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	ev := &SessionEvent{
		ID:        uuid.NewString(),
		Kind:      string(r.Kind),
		TokenHint: hint(r.Token),
		Detail:    detail,
		CreatedAt: at,
	}
	return j.db.WithContext(ctx).Create(ev).Error
}

// Recent 按时间倒序返回最近的记录
func (j *Journal) Recent(ctx context.Context, limit int) ([]SessionEvent, error) {
	var out []SessionEvent
	q := j.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close 关闭底层连接
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func hint(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[:4] + "..."
}

var _ session.Journal = (*Journal)(nil)
