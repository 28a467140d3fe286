package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cdpsmartproxy/internal/bypass"
	"cdpsmartproxy/internal/ctxkeys"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/metrics"
	"cdpsmartproxy/internal/protocol"
	"cdpsmartproxy/internal/provider"
	"cdpsmartproxy/pkg/domain"
)

const (
	defaultResolveTimeout = 10 * time.Second
	defaultEventBuffer    = 256
)

// Sessions 代理会话令牌来源
type Sessions interface {
	Token(ctx context.Context) (string, error)
	Invalidate(reason string)
}

// Bypasser 直连抓取
type Bypasser interface {
	AttemptBypass(ctx context.Context, ev *domain.InterceptedEvent) (*domain.FulfillPayload, error)
}

// AuthResponder 认证挑战应答
type AuthResponder interface {
	Respond(ch *domain.AuthChallengeEvent) domain.AuthResponse
}

// Options 路由器配置
type Options struct {
	Provider       provider.Provider
	Sessions       Sessions
	Classifier     *bypass.Classifier
	Fetcher        Bypasser
	Auth           AuthResponder
	ClientIdentity string
	Overrides      map[string]*string
	// Concurrency 同时处理的事件上限，0 表示不限制
	Concurrency    int
	ResolveTimeout time.Duration
	EventBuffer    int
	Metrics        *metrics.Collector
	Logger         logger.Logger
}

// Router 拦截事件路由器：每个事件独立处理，且最多处理一次
type Router struct {
	opts   Options
	log    logger.Logger
	sem    *semaphore.Weighted
	events chan domain.NetworkEvent
	wg     sync.WaitGroup
}

// New 创建路由器
func New(opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	r := &Router{
		opts:   opts,
		log:    l.With("component", "router"),
		events: make(chan domain.NetworkEvent, opts.EventBuffer),
	}
	if opts.Concurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return r
}

// Events 处理结果通知；消费过慢时通知会被丢弃
func (r *Router) Events() <-chan domain.NetworkEvent {
	return r.events
}

// Run 消费拦截消息直到消息流关闭或 ctx 结束，返回前等待所有在途事件处理完毕
func (r *Router) Run(ctx context.Context) error {
	src := r.opts.Provider.Events()
	r.log.Info("路由器已启动")
	defer r.log.Info("路由器已停止")
	for {
		select {
		case msg, ok := <-src:
			if !ok {
				r.wg.Wait()
				return nil
			}
			r.wg.Add(1)
			go r.dispatch(ctx, msg)
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg provider.Message) {
	defer r.wg.Done()

	traceID := uuid.NewString()
	ctx = ctxkeys.WithTraceID(ctx, traceID)

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.log.Warn("等待处理名额时退出，事件按原样放行", "traceId", traceID, "error", err)
			r.passThrough(ctx, msg, err)
			return
		}
		defer r.sem.Release(1)
	}

	switch {
	case msg.Event != nil && msg.Event.IsResponse():
		r.handleResponse(ctx, msg.Event)
	case msg.Event != nil:
		r.handleRequest(ctx, msg.Event)
	case msg.Auth != nil:
		r.handleAuth(ctx, msg.Auth)
	}
}

// handleRequest 请求阶段：可直连则直连，失败或不可直连时带会话头走代理
func (r *Router) handleRequest(ctx context.Context, ev *domain.InterceptedEvent) {
	start := time.Now()
	l := r.log.With("traceId", ctxkeys.TraceID(ctx), "requestId", ev.ID, "url", ev.URL)

	if r.opts.Fetcher != nil && r.opts.Classifier.IsBypassable(ev) {
		payload, err := r.opts.Fetcher.AttemptBypass(ctx, ev)
		if err == nil {
			r.opts.Metrics.Bypass(true)
			res, err := r.resolve(ctx, l, domain.ResolutionFulfilled, func(ctx context.Context) error {
				return r.opts.Provider.FulfillRequest(ctx, ev.ID, payload)
			})
			l.Debug("直连处理完成", "resolution", res, "duration", time.Since(start))
			r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageRequest, res, true, err)
			return
		}
		r.opts.Metrics.Bypass(false)
		l.Debug("直连失败，回退到代理", "error", err)
	}

	if r.opts.Provider.PageClosed() {
		r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageRequest, domain.ResolutionDropped, false, nil)
		return
	}

	token, err := r.opts.Sessions.Token(ctx)
	if err != nil {
		l.Err(err, "获取代理会话失败，请求将被中止")
		res, rerr := r.resolve(ctx, l, domain.ResolutionFailed, func(ctx context.Context) error {
			return r.opts.Provider.FailRequest(ctx, ev.ID)
		})
		if rerr != nil {
			err = errors.Join(err, rerr)
		}
		r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageRequest, res, false, err)
		return
	}

	headers := protocol.BuildRequestHeaders(ev.RequestHeaders, token, r.opts.ClientIdentity, r.opts.Overrides)
	res, err := r.resolve(ctx, l, domain.ResolutionContinued, func(ctx context.Context) error {
		return r.opts.Provider.ContinueRequest(ctx, ev.ID, headers)
	})
	l.Debug("代理请求处理完成", "resolution", res, "duration", time.Since(start))
	r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageRequest, res, false, err)
}

// handleResponse 响应阶段：检测会话失效信号后放行
func (r *Router) handleResponse(ctx context.Context, ev *domain.InterceptedEvent) {
	l := r.log.With("traceId", ctxkeys.TraceID(ctx), "requestId", ev.ID, "url", ev.URL)
	if protocol.IsBadSession(ev.ResponseHeaders) {
		l.Info("检测到会话失效信号", "status", ev.ResponseStatus)
		r.opts.Sessions.Invalidate(protocol.BadSessionValue)
	}
	res, err := r.resolve(ctx, l, domain.ResolutionContinued, func(ctx context.Context) error {
		return r.opts.Provider.ContinueResponse(ctx, ev.ID)
	})
	r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageResponse, res, false, err)
}

// handleAuth 认证挑战交给应答器决定
func (r *Router) handleAuth(ctx context.Context, ch *domain.AuthChallengeEvent) {
	l := r.log.With("traceId", ctxkeys.TraceID(ctx), "requestId", ch.ID, "origin", ch.Origin)
	resp := domain.AuthResponse{Kind: domain.AuthDefault}
	if r.opts.Auth != nil {
		resp = r.opts.Auth.Respond(ch)
	}
	l.Debug("应答认证挑战", "source", ch.Source, "response", resp.Kind)
	res, err := r.resolve(ctx, l, domain.ResolutionAuthAnswered, func(ctx context.Context) error {
		return r.opts.Provider.ContinueWithAuth(ctx, ch.ID, resp)
	})
	r.notify(ctx, ch.ID, ch.URL, "", domain.StageAuth, res, false, err)
}

// passThrough 无法正常处理时按原样放行事件：请求不带会话头继续，认证交给浏览器默认行为
func (r *Router) passThrough(ctx context.Context, msg provider.Message, cause error) {
	l := r.log.With("traceId", ctxkeys.TraceID(ctx))
	var (
		res domain.Resolution
		err error
	)
	switch {
	case msg.Event != nil && msg.Event.IsResponse():
		ev := msg.Event
		res, err = r.resolve(ctx, l, domain.ResolutionContinued, func(ctx context.Context) error {
			return r.opts.Provider.ContinueResponse(ctx, ev.ID)
		})
		r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageResponse, res, false, errors.Join(cause, err))
	case msg.Event != nil:
		ev := msg.Event
		res, err = r.resolve(ctx, l, domain.ResolutionContinued, func(ctx context.Context) error {
			return r.opts.Provider.ContinueRequest(ctx, ev.ID, ev.RequestHeaders)
		})
		r.notify(ctx, ev.ID, ev.URL, ev.Method, domain.StageRequest, res, false, errors.Join(cause, err))
	case msg.Auth != nil:
		ch := msg.Auth
		res, err = r.resolve(ctx, l, domain.ResolutionAuthAnswered, func(ctx context.Context) error {
			return r.opts.Provider.ContinueWithAuth(ctx, ch.ID, domain.AuthResponse{Kind: domain.AuthDefault})
		})
		r.notify(ctx, ch.ID, ch.URL, "", domain.StageAuth, res, false, errors.Join(cause, err))
	}
}

// resolve 调用处理原语前检查页面状态；页面已关闭则丢弃事件。
// 调用脱离 ctx 的取消，保证路由器停止时在途事件仍能得到处理。
// 页面仍打开而原语失败时返回 Failed 及原语错误。
func (r *Router) resolve(ctx context.Context, l logger.Logger, want domain.Resolution, fn func(ctx context.Context) error) (domain.Resolution, error) {
	if r.opts.Provider.PageClosed() {
		l.Debug("页面已关闭，丢弃事件")
		return domain.ResolutionDropped, nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ResolveTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		if r.opts.Provider.PageClosed() {
			l.Debug("页面关闭导致处理失败，忽略", "error", err)
			return domain.ResolutionDropped, nil
		}
		l.Err(err, "处理拦截事件失败", "resolution", want)
		return domain.ResolutionFailed, err
	}
	return want, nil
}

// notify 非阻塞发送处理通知
func (r *Router) notify(ctx context.Context, id, url, method string, stage domain.Stage, res domain.Resolution, bypassed bool, err error) {
	r.opts.Metrics.EventResolved(stage, res)
	evt := domain.NetworkEvent{
		Type:       string(stage),
		TraceID:    ctxkeys.TraceID(ctx),
		RequestID:  id,
		URL:        url,
		Method:     method,
		Stage:      stage,
		Resolution: res,
		Bypassed:   bypassed,
		Error:      err,
		Timestamp:  time.Now().UnixMilli(),
	}
	select {
	case r.events <- evt:
	default:
	}
}
