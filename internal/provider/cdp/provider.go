package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/inspector"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/provider"
	"cdpsmartproxy/pkg/domain"
	"cdpsmartproxy/pkg/traffic"
)

const streamBuffer = 128

// Provider 基于 Fetch 域事件流的拦截能力
type Provider struct {
	devtoolsURL string
	log         logger.Logger

	mu     sync.Mutex
	conn   *rpcc.Conn
	client *cdp.Client
	target string
	ctx    context.Context
	cancel context.CancelFunc

	stream  *provider.Stream
	closed  atomic.Bool
	enabled atomic.Bool
	wg      sync.WaitGroup
}

// New 创建 CDP 拦截能力，devtoolsURL 形如 http://127.0.0.1:9222
func New(devtoolsURL string, l logger.Logger) *Provider {
	if l == nil {
		l = logger.NewNop()
	}
	return &Provider{
		devtoolsURL: devtoolsURL,
		log:         l.With("provider", "cdp"),
		stream:      provider.NewStream(streamBuffer),
	}
}

// ListTargets 列出可附加的页面目标
func (p *Provider) ListTargets(ctx context.Context) ([]*devtool.Target, error) {
	targets, err := devtool.New(p.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]*devtool.Target, 0, len(targets))
	for _, t := range targets {
		if t.Type == devtool.Page {
			out = append(out, t)
		}
	}
	return out, nil
}

// Attach 连接到指定页面；targetID 为空时选择第一个页面
func (p *Provider) Attach(ctx context.Context, targetID string) error {
	targets, err := p.ListTargets(ctx)
	if err != nil {
		return err
	}
	var sel *devtool.Target
	for _, t := range targets {
		if targetID == "" || t.ID == targetID {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("no page target matches %q", targetID)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.client = cdp.NewClient(conn)
	p.target = sel.ID
	p.ctx = connCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("已连接页面", "target", sel.ID, "url", sel.URL)
	return nil
}

// TargetID 已附加的页面ID
func (p *Provider) TargetID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Enable 同时开启请求、响应两个阶段的拦截以及认证处理
func (p *Provider) Enable(ctx context.Context) error {
	client, connCtx, err := p.session()
	if err != nil {
		return err
	}
	if !p.enabled.CompareAndSwap(false, true) {
		return nil
	}

	// 先订阅事件流再开启域，避免漏掉事件
	paused, err := client.Fetch.RequestPaused(connCtx)
	if err != nil {
		return fmt.Errorf("subscribe requestPaused: %w", err)
	}
	authReq, err := client.Fetch.AuthRequired(connCtx)
	if err != nil {
		_ = paused.Close()
		return fmt.Errorf("subscribe authRequired: %w", err)
	}
	detached, err := client.Inspector.Detached(connCtx)
	if err != nil {
		_ = paused.Close()
		_ = authReq.Close()
		return fmt.Errorf("subscribe detached: %w", err)
	}
	crashed, err := client.Inspector.TargetCrashed(connCtx)
	if err != nil {
		_ = paused.Close()
		_ = authReq.Close()
		_ = detached.Close()
		return fmt.Errorf("subscribe targetCrashed: %w", err)
	}

	if err := client.Inspector.Enable(ctx); err != nil {
		p.log.Warn("开启 Inspector 域失败", "error", err)
	}
	pattern := "*"
	handleAuth := true
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{
			{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
			{URLPattern: &pattern, RequestStage: fetch.RequestStageResponse},
		},
		HandleAuthRequests: &handleAuth,
	})
	if err != nil {
		_ = paused.Close()
		_ = authReq.Close()
		_ = detached.Close()
		_ = crashed.Close()
		p.enabled.Store(false)
		return fmt.Errorf("enable fetch: %w", err)
	}

	p.wg.Add(2)
	go p.consumePaused(paused)
	go p.consumeAuth(authReq)
	p.watchClosure(detached, crashed)
	go func() {
		p.wg.Wait()
		p.markClosed("事件流已结束")
	}()

	p.log.Info("已开启拦截", "target", p.TargetID())
	return nil
}

// Events 拦截消息流
func (p *Provider) Events() <-chan provider.Message {
	return p.stream.C()
}

func (p *Provider) ContinueRequest(ctx context.Context, id string, headers traffic.Header) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	args := fetch.NewContinueRequestArgs(fetch.RequestID(id))
	if headers.Len() > 0 {
		args.SetHeaders(ToHeaderEntries(headers))
	}
	return client.Fetch.ContinueRequest(ctx, args)
}

// ContinueResponse 响应阶段不做修改，用不带参数的 continueRequest 放行，错误与重定向暂停同样适用
func (p *Provider) ContinueResponse(ctx context.Context, id string) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	return client.Fetch.ContinueRequest(ctx, ContinueResponseArgs(id))
}

func (p *Provider) FulfillRequest(ctx context.Context, id string, payload *domain.FulfillPayload) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	args := fetch.NewFulfillRequestArgs(fetch.RequestID(id), payload.Status)
	if len(payload.Headers) > 0 {
		args.SetResponseHeaders(toEntries(payload.Headers))
	}
	if len(payload.Body) > 0 {
		args.SetBody(payload.Body)
	}
	return client.Fetch.FulfillRequest(ctx, args)
}

func (p *Provider) FailRequest(ctx context.Context, id string) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	return client.Fetch.FailRequest(ctx, fetch.NewFailRequestArgs(fetch.RequestID(id), network.ErrorReasonFailed))
}

func (p *Provider) ContinueWithAuth(ctx context.Context, id string, resp domain.AuthResponse) error {
	client, _, err := p.session()
	if err != nil {
		return err
	}
	return client.Fetch.ContinueWithAuth(ctx, fetch.NewContinueWithAuthArgs(fetch.RequestID(id), ToAuthChallengeResponse(resp)))
}

// PageClosed 页面是否已关闭或连接已断开
func (p *Provider) PageClosed() bool {
	return p.closed.Load()
}

// Close 关闭连接并结束消息流
func (p *Provider) Close() error {
	p.markClosed("主动关闭")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func (p *Provider) session() (*cdp.Client, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, nil, provider.ErrNotAttached
	}
	return p.client, p.ctx, nil
}

func (p *Provider) consumePaused(rp fetch.RequestPausedClient) {
	defer p.wg.Done()
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			p.logStreamEnd(err, "requestPaused")
			return
		}
		if !p.stream.Send(provider.Message{Event: ToInterceptedEvent(ev)}) {
			return
		}
	}
}

func (p *Provider) consumeAuth(ar fetch.AuthRequiredClient) {
	defer p.wg.Done()
	defer ar.Close()
	for {
		ev, err := ar.Recv()
		if err != nil {
			p.logStreamEnd(err, "authRequired")
			return
		}
		if !p.stream.Send(provider.Message{Auth: ToAuthChallengeEvent(ev)}) {
			return
		}
	}
}

// watchClosure 页面分离或崩溃时标记关闭
func (p *Provider) watchClosure(detached inspector.DetachedClient, crashed inspector.TargetCrashedClient) {
	go func() {
		defer detached.Close()
		ev, err := detached.Recv()
		if err != nil {
			return
		}
		p.markClosed("页面已分离: " + ev.Reason)
	}()
	go func() {
		defer crashed.Close()
		if _, err := crashed.Recv(); err != nil {
			return
		}
		p.markClosed("页面崩溃")
	}()
}

func (p *Provider) markClosed(reason string) {
	if p.closed.CompareAndSwap(false, true) {
		p.log.Info("页面已关闭", "target", p.TargetID(), "reason", reason)
	}
	p.stream.Close()
}

func (p *Provider) logStreamEnd(err error, stream string) {
	if errors.Is(err, context.Canceled) || p.closed.Load() {
		p.log.Debug("事件流已结束", "stream", stream)
		return
	}
	p.log.Warn("事件流中断", "stream", stream, "error", err)
}

var _ provider.Provider = (*Provider)(nil)
