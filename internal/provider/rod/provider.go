package rod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/provider"
	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

const streamBuffer = 128

// ErrUnknownRequest 请求不在等待队列中（已处理或页面已关闭）
var ErrUnknownRequest = errors.New("unknown hijacked request")

// Provider 基于 rod HijackRouter 的声明式路由拦截能力。
// 请求阶段由路由处理函数挂起等待决策，响应阶段只做观察。
type Provider struct {
	page *rod.Page
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	router *rod.HijackRouter

	mu      sync.Mutex
	pending map[string]*waiter

	stream  *provider.Stream
	closed  atomic.Bool
	enabled atomic.Bool
}

type waiter struct {
	hijack *rod.Hijack
	done   chan struct{}
}

// New 包装一个已打开的页面
func New(page *rod.Page, l logger.Logger) *Provider {
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		page:    page,
		log:     l.With("provider", "rod"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*waiter),
		stream:  provider.NewStream(streamBuffer),
	}
}

// Enable 注册通配路由，并监听响应与页面销毁事件
func (p *Provider) Enable(ctx context.Context) error {
	if p.page == nil {
		return provider.ErrNotAttached
	}
	if !p.enabled.CompareAndSwap(false, true) {
		return nil
	}
	page := p.page.Context(p.ctx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		p.enabled.Store(false)
		return fmt.Errorf("enable network: %w", err)
	}

	go page.EachEvent(func(e *proto.NetworkResponseReceived) {
		p.stream.Send(provider.Message{Event: ResponseEvent(e)})
	})()

	go page.Browser().Context(p.ctx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID != p.page.TargetID {
			return false
		}
		p.markClosed("目标已销毁")
		return true
	})()

	router := page.HijackRequests()
	if err := router.Add("*", "", p.hijack); err != nil {
		p.enabled.Store(false)
		return fmt.Errorf("add hijack route: %w", err)
	}
	p.router = router
	go router.Run()

	go page.EachEvent(func(e *proto.FetchAuthRequired) {
		p.stream.Send(provider.Message{Auth: AuthEvent(e)})
	})()
	// 路由器开启 Fetch 时不处理认证，按相同模式重新开启
	if err := (proto.FetchEnable{
		Patterns:           []*proto.FetchRequestPattern{{URLPattern: "*"}},
		HandleAuthRequests: true,
	}).Call(page); err != nil {
		p.markClosed("开启认证拦截失败")
		return fmt.Errorf("enable auth handling: %w", err)
	}

	p.log.Info("已开启拦截", "target", string(p.page.TargetID))
	return nil
}

// Events 拦截消息流
func (p *Provider) Events() <-chan provider.Message {
	return p.stream.C()
}

// hijack 在路由协程中执行，阻塞直到路由器给出决策
func (p *Provider) hijack(h *rod.Hijack) {
	id := uuid.NewString()
	w := &waiter{hijack: h, done: make(chan struct{})}

	p.mu.Lock()
	p.pending[id] = w
	p.mu.Unlock()

	req := h.Request
	ev := RequestEvent(id, req.Method(), req.URL().String(), req.Type(), req.Headers())
	if !p.stream.Send(provider.Message{Event: ev}) {
		p.take(id)
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	select {
	case <-w.done:
	case <-p.ctx.Done():
		if p.take(id) != nil {
			h.Response.Fail(proto.NetworkErrorReasonAborted)
		}
	}
}

func (p *Provider) take(id string) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.pending[id]
	if !ok {
		return nil
	}
	delete(p.pending, id)
	return w
}

func (p *Provider) resolve(id string, fn func(h *rod.Hijack)) error {
	w := p.take(id)
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	fn(w.hijack)
	close(w.done)
	return nil
}

func (p *Provider) ContinueRequest(_ context.Context, id string, headers traffic.Header) error {
	return p.resolve(id, func(h *rod.Hijack) {
		h.ContinueRequest(&proto.FetchContinueRequest{Headers: ToHeaderEntries(headers.Entries())})
	})
}

// ContinueResponse 响应阶段只观察，不需要处理
func (p *Provider) ContinueResponse(context.Context, string) error {
	return nil
}

func (p *Provider) FulfillRequest(_ context.Context, id string, payload *domain.FulfillPayload) error {
	return p.resolve(id, func(h *rod.Hijack) {
		res := h.Response.Payload()
		res.ResponseCode = payload.Status
		res.ResponseHeaders = ToHeaderEntries(payload.Headers)
		h.Response.SetBody(payload.Body)
	})
}

func (p *Provider) FailRequest(_ context.Context, id string) error {
	return p.resolve(id, func(h *rod.Hijack) {
		h.Response.Fail(proto.NetworkErrorReasonFailed)
	})
}

func (p *Provider) ContinueWithAuth(ctx context.Context, id string, resp domain.AuthResponse) error {
	if p.page == nil {
		return provider.ErrNotAttached
	}
	return proto.FetchContinueWithAuth{
		RequestID:             proto.FetchRequestID(id),
		AuthChallengeResponse: ToAuthChallengeResponse(resp),
	}.Call(p.page.Context(ctx))
}

// PageClosed 页面是否已销毁
func (p *Provider) PageClosed() bool {
	return p.closed.Load()
}

// Close 停止路由并结束消息流
func (p *Provider) Close() error {
	p.markClosed("主动关闭")
	if p.router != nil {
		return p.router.Stop()
	}
	return nil
}

func (p *Provider) markClosed(reason string) {
	if p.closed.CompareAndSwap(false, true) {
		p.log.Info("页面已关闭", "reason", reason)
	}
	p.stream.Close()
	p.cancel()
}

var _ provider.Provider = (*Provider)(nil)
