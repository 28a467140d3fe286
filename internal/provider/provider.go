package provider

import (
	"context"
	"errors"

	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

// ErrNotAttached 尚未连接到页面
var ErrNotAttached = errors.New("provider not attached")

// Message 拦截事件流中的一条消息，Event 与 Auth 二者只有其一非空
type Message struct {
	Event *domain.InterceptedEvent
	Auth  *domain.AuthChallengeEvent
}

// Provider 浏览器拦截能力，由路由器消费
type Provider interface {
	// Enable 开启拦截，之后 Events 开始产生消息
	Enable(ctx context.Context) error
	// Events 消息流，页面关闭或 Close 后关闭
	Events() <-chan Message

	ContinueRequest(ctx context.Context, id string, headers traffic.Header) error
	ContinueResponse(ctx context.Context, id string) error
	FulfillRequest(ctx context.Context, id string, payload *domain.FulfillPayload) error
	FailRequest(ctx context.Context, id string) error
	ContinueWithAuth(ctx context.Context, id string, resp domain.AuthResponse) error

	// PageClosed 页面是否已关闭；关闭后不应再调用任何处理原语
	PageClosed() bool
	Close() error
}
