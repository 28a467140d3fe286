package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/prometheus/client_golang/prometheus"

	"cdpsmartproxy/internal/auth"
	"cdpsmartproxy/internal/bypass"
	"cdpsmartproxy/internal/config"
	"cdpsmartproxy/internal/executor"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/internal/metrics"
	"cdpsmartproxy/internal/protocol"
	"cdpsmartproxy/internal/provider"
	cdpprovider "cdpsmartproxy/internal/provider/cdp"
	rodprovider "cdpsmartproxy/internal/provider/rod"
	"cdpsmartproxy/internal/router"
	"cdpsmartproxy/internal/session"
	"cdpsmartproxy/internal/storage"
	"cdpsmartproxy/pkg/domain"
)

const (
	eventBuffer          = 1024
	defaultWatchInterval = time.Second
)

var (
	// ErrPageNotFound 页面未附加
	ErrPageNotFound = errors.New("page not attached")
	// ErrPageAttached 页面已附加
	ErrPageAttached = errors.New("page already attached")
)

// Opener 为页面ID建立拦截能力
type Opener func(ctx context.Context, id string) (provider.Provider, error)

// Service 进程内唯一的代理会话，所有附加的页面共享
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	identity string

	sessions   *session.Manager
	classifier *bypass.Classifier
	fetcher    *executor.DirectFetcher
	responder  *auth.Responder
	metrics    *metrics.Collector
	journal    *storage.Journal

	ctx    context.Context
	cancel context.CancelFunc
	events chan domain.NetworkEvent

	mu    sync.Mutex
	pages map[string]*page
	// detached 主动分离的页面，自动附加时跳过
	detached map[string]struct{}
}

type page struct {
	provider provider.Provider
	done     chan struct{}
}

// Options 服务依赖
type Options struct {
	Logger     logger.Logger
	Registerer prometheus.Registerer
}

// New 根据配置组装所有组件
func New(cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}

	classifier, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}

	var mc *metrics.Collector
	if opts.Registerer != nil {
		if mc, err = metrics.New(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var journal *storage.Journal
	var sj session.Journal
	if cfg.Sqlite.Dsn != "" {
		if journal, err = storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l); err != nil {
			return nil, err
		}
		sj = journal
	}

	identity := protocol.ClientIdentity(cfg.Integration, cfg.Version)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		log:      l.With("component", "service"),
		identity: identity,
		sessions: session.NewManager(session.Options{
			ProxyHost:      cfg.ProxyHost,
			APIKey:         cfg.APIKey,
			ClientIdentity: identity,
			CreateTimeout:  cfg.SessionCreateTimeout,
			Journal:        sj,
			Metrics:        mc,
			Logger:         l,
		}),
		classifier: classifier,
		fetcher: executor.NewDirectFetcher(nil, executor.Options{
			Timeout:      cfg.BypassTimeout,
			MaxBodyBytes: cfg.BypassMaxBodyBytes,
		}, l),
		responder: auth.NewResponder(cfg.APIKey, cfg.ProxyHost),
		metrics:   mc,
		journal:   journal,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan domain.NetworkEvent, eventBuffer),
		pages:     make(map[string]*page),
		detached:  make(map[string]struct{}),
	}
	return s, nil
}

// NewClassifier 由配置构建直连判定器：正则、glob、资源类型任一命中即可
func NewClassifier(cfg *config.Config) (*bypass.Classifier, error) {
	var ms []bypass.Matcher
	if cfg.StaticBypassPattern != "" {
		m, err := bypass.NewRegexMatcher(cfg.StaticBypassPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: staticBypassPattern: %v", config.ErrInvalidConfig, err)
		}
		ms = append(ms, m)
	}
	if len(cfg.StaticBypassGlobs) > 0 {
		ms = append(ms, bypass.NewGlobMatcher(cfg.StaticBypassGlobs...))
	}
	if len(cfg.StaticBypassResourceTypes) > 0 {
		ms = append(ms, bypass.NewResourceTypeMatcher(cfg.StaticBypassResourceTypes...))
	}
	return bypass.New(cfg.StaticBypass && len(ms) > 0, bypass.AnyOf(ms...)), nil
}

// ListTargets 列出 DevTools 端点上的页面
func (s *Service) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	targets, err := cdpprovider.New(s.cfg.DevtoolsURL, s.log).ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, domain.TargetInfo{ID: t.ID, Type: string(t.Type), Title: t.Title, URL: t.URL})
	}
	return out, nil
}

// AttachTarget 通过 DevTools 协议附加页面并开始拦截，返回页面ID
func (s *Service) AttachTarget(ctx context.Context, targetID string) (string, error) {
	p := cdpprovider.New(s.cfg.DevtoolsURL, s.log)
	if err := p.Attach(ctx, targetID); err != nil {
		return "", err
	}
	id := p.TargetID()
	if err := s.Attach(ctx, id, p); err != nil {
		_ = p.Close()
		return "", err
	}
	return id, nil
}

// AttachPage 接管 rod 页面的请求
func (s *Service) AttachPage(ctx context.Context, pg *rod.Page) (string, error) {
	id := string(pg.TargetID)
	p := rodprovider.New(pg, s.log)
	if err := s.Attach(ctx, id, p); err != nil {
		_ = p.Close()
		return "", err
	}
	return id, nil
}

// Attach 为任意拦截能力启动路由器
func (s *Service) Attach(ctx context.Context, id string, p provider.Provider) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("service closed: %w", err)
	}
	s.mu.Lock()
	if _, ok := s.pages[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPageAttached, id)
	}
	delete(s.detached, id)
	pg := &page{provider: p, done: make(chan struct{})}
	s.pages[id] = pg
	s.mu.Unlock()

	if err := p.Enable(ctx); err != nil {
		s.remove(id, pg)
		close(pg.done)
		return fmt.Errorf("enable interception: %w", err)
	}

	r := router.New(router.Options{
		Provider:       p,
		Sessions:       s.sessions,
		Classifier:     s.classifier,
		Fetcher:        s.fetcher,
		Auth:           s.responder,
		ClientIdentity: s.identity,
		Overrides:      s.cfg.Headers,
		Concurrency:    s.cfg.Concurrency,
		Metrics:        s.metrics,
		Logger:         s.log.With("page", id),
	})
	go func() {
		defer close(pg.done)
		defer s.remove(id, pg)
		if err := r.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Err(err, "路由器异常退出", "page", id)
		}
	}()
	go s.forward(r, pg.done)

	s.log.Info("页面已附加", "page", id)
	return nil
}

// Detach 停止拦截指定页面
func (s *Service) Detach(id string) error {
	s.mu.Lock()
	pg, ok := s.pages[id]
	if ok {
		s.detached[id] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	err := pg.provider.Close()
	<-pg.done
	return err
}

// AttachNew 附加尚未附加且未被主动分离的页面，返回本次新附加的页面ID
func (s *Service) AttachNew(ctx context.Context, ids []string, open Opener) []string {
	var attached []string
	for _, id := range ids {
		if s.known(id) {
			continue
		}
		p, err := open(ctx, id)
		if err != nil {
			s.log.Warn("自动附加页面失败", "page", id, "error", err)
			continue
		}
		if err := s.Attach(ctx, id, p); err != nil {
			_ = p.Close()
			if !errors.Is(err, ErrPageAttached) {
				s.log.Warn("自动附加页面失败", "page", id, "error", err)
			}
			continue
		}
		attached = append(attached, id)
	}
	return attached
}

// WatchTargets 周期性列出 DevTools 页面并自动附加新出现的页面（含弹窗与新标签页），直到 ctx 结束
func (s *Service) WatchTargets(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	open := func(ctx context.Context, id string) (provider.Provider, error) {
		p := cdpprovider.New(s.cfg.DevtoolsURL, s.log)
		if err := p.Attach(ctx, id); err != nil {
			return nil, err
		}
		return p, nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		targets, err := s.ListTargets(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.log.Warn("列出页面失败", "error", err)
		default:
			ids := make([]string, 0, len(targets))
			for _, t := range targets {
				ids = append(ids, t.ID)
			}
			if n := s.AttachNew(ctx, ids, open); len(n) > 0 {
				s.log.Info("已自动附加页面", "pages", n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchBrowser 自动接管 rod 浏览器新建的页面，直到 ctx 结束
func (s *Service) WatchBrowser(ctx context.Context, b *rod.Browser) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}
	open := func(_ context.Context, id string) (provider.Provider, error) {
		pg, err := b.PageFromTarget(proto.TargetTargetID(id))
		if err != nil {
			return nil, err
		}
		return rodprovider.New(pg, s.log), nil
	}
	wait := b.Context(ctx).EachEvent(func(e *proto.TargetTargetCreated) {
		if e.TargetInfo == nil || e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
			return
		}
		go s.AttachNew(ctx, []string{string(e.TargetInfo.TargetID)}, open)
	})
	wait()
	return ctx.Err()
}

func (s *Service) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; ok {
		return true
	}
	_, ok := s.detached[id]
	return ok
}

// Pages 当前附加的页面ID
func (s *Service) Pages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pages))
	for id := range s.pages {
		out = append(out, id)
	}
	return out
}

// SubscribeEvents 所有页面的处理通知
func (s *Service) SubscribeEvents() <-chan domain.NetworkEvent {
	return s.events
}

// SessionStats 代理会话统计
func (s *Service) SessionStats() domain.SessionStats {
	return s.sessions.Stats()
}

// InvalidateSession 手动使代理会话失效
func (s *Service) InvalidateSession(reason string) {
	s.sessions.Invalidate(reason)
}

// LaunchFlags 启动浏览器时需要的参数；关闭站点隔离后 iframe 请求才会被拦截
func (s *Service) LaunchFlags() []string {
	return []string{
		"--proxy-server=" + s.cfg.ProxyHost,
		"--disable-site-isolation-trials",
	}
}

// Close 分离所有页面并释放资源
func (s *Service) Close() error {
	s.mu.Lock()
	pages := make([]*page, 0, len(s.pages))
	for _, pg := range s.pages {
		pages = append(pages, pg)
	}
	s.mu.Unlock()

	var errs []error
	for _, pg := range pages {
		if err := pg.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	for _, pg := range pages {
		<-pg.done
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) remove(id string, pg *page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pages[id]; ok && cur == pg {
		delete(s.pages, id)
	}
}

// forward 把单个路由器的通知汇总到服务通道
func (s *Service) forward(r *router.Router, done <-chan struct{}) {
	for {
		select {
		case evt := <-r.Events():
			s.publish(evt)
		case <-done:
			for {
				select {
				case evt := <-r.Events():
					s.publish(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) publish(evt domain.NetworkEvent) {
	select {
	case s.events <- evt:
	default:
	}
}
