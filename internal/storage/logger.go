package storage

import (
	"context"
	"time"

	"gorm.io/gorm/logger"

	"cdpsmartproxy/internal/ctxkeys"
	applog "cdpsmartproxy/internal/logger"
)

const slowQuery = 500 * time.Millisecond

// GormLogger 将 GORM 日志转发到应用日志器，并附带上下文追踪ID
type GormLogger struct {
	log      applog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger 创建 GormLogger，默认只记录警告以上
func NewGormLogger(l applog.Logger) *GormLogger {
	if l == nil {
		l = applog.NewNop()
	}
	return &GormLogger{log: l.With("component", "storage"), LogLevel: logger.Warn}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.log.Info(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.log.Warn(msg, l.fields(ctx, "data", data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.log.Error(msg, l.fields(ctx, "data", data)...)
	}
}

// Trace 记录 SQL 执行情况
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && err != logger.ErrRecordNotFound && l.LogLevel >= logger.Error:
		sql, rows := fc()
		l.log.Err(err, "SQL执行错误", l.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case elapsed > slowQuery && l.LogLevel >= logger.Warn:
		sql, rows := fc()
		l.log.Warn("慢SQL查询", l.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case l.LogLevel >= logger.Info:
		sql, rows := fc()
		l.log.Debug("SQL执行", l.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}

func (l *GormLogger) fields(ctx context.Context, kv ...any) []any {
	if id := ctxkeys.TraceID(ctx); id != "" {
		return append([]any{"traceId", id}, kv...)
	}
	return kv
}
