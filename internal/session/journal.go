package session

import (
	"context"
	"time"
)

// Kind 会话生命周期事件类型
type Kind string

const (
	KindCreated     Kind = "created"
	KindInvalidated Kind = "invalidated"
	KindFailed      Kind = "failed"
)

// Record 会话生命周期记录
type Record struct {
	Kind   Kind
	Token  string
	Reason string
	Status int
	At     time.Time
}

// Journal 会话生命周期持久化
type Journal interface {
	Record(ctx context.Context, r Record) error
}
